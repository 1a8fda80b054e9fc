package message

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// Framer isolates one frame at a time from the head of buf, the way a
// Stable Reader's accumulated-but-unconsumed bytes present themselves.
// TryParse returns the matched frame (with framing bytes
// already stripped per the framer's own rules) and ok=true on a match.
// consumed is always how many leading bytes of buf to drop, whether or
// not a match was found: a framer may discard noise ahead of finding a
// frame (the Delimited framer does), in which case ok is false but
// consumed is still > 0.
type Framer interface {
	TryParse(buf []byte) (frame []byte, consumed int, ok bool)
}

// Converter turns a raw frame into the caller-visible message type.
// A nil Converter defaults to returning a copy of the frame bytes.
type Converter func(frame []byte) (interface{}, error)

// Filter decides whether a successfully parsed message should be
// delivered to the caller (false ⇒ keep reading transparently).
type Filter func(interface{}) bool

// Reader is the pull-based Message Reader base: it
// isolates frames out of a Stable Reader's byte stream via a Framer and
// exposes them one at a time through ReadNext.
type Reader struct {
	inner    *stablepipe.Reader
	framer   Framer
	convert  Converter
	logTag   string
	logDump  bool
	behavior stablepipe.Behavior

	buf []byte

	receiving   int32
	cancelArmed int32
	completed   int32
}

// NewReader wraps inner with framer. convert may be nil to return raw
// frame bytes ([]byte) as the message type.
func NewReader(inner *stablepipe.Reader, framer Framer, convert Converter, logTag string) *Reader {
	return &Reader{inner: inner, framer: framer, convert: convert, logTag: logTag, behavior: stablepipe.DefaultBehavior{}}
}

// SetBehavior overrides how a read_next_async-level timeout (the timeout
// argument to ReadNext, as opposed to the underlying Stable Reader's own
// default) is handled: ActionRetry loops, ActionCancel returns the empty
// message, anything else raises ErrTimeoutFrame. Defaults to
// stablepipe.DefaultBehavior{}, which throws.
func (r *Reader) SetBehavior(b stablepipe.Behavior) {
	if b == nil {
		b = stablepipe.DefaultBehavior{}
	}
	r.behavior = b
}

// EnableLogDump turns on the printable-ASCII/hex dump of every parsed
// frame at Trace level.
func (r *Reader) EnableLogDump(enabled bool) { r.logDump = enabled }

// IsCompleted reports whether the underlying stream is exhausted.
func (r *Reader) IsCompleted() bool {
	return atomic.LoadInt32(&r.completed) == 1
}

// CancelPendingRead arms a one-shot empty-message return if idle, or
// forwards to the Stable Reader if a read is currently in flight.
func (r *Reader) CancelPendingRead() {
	if atomic.LoadInt32(&r.receiving) == 0 {
		atomic.StoreInt32(&r.cancelArmed, 1)
		return
	}
	r.inner.CancelPendingRead()
}

func (r *Reader) convertFrame(frame []byte) (interface{}, error) {
	if r.convert != nil {
		return r.convert(frame)
	}
	return append([]byte(nil), frame...), nil
}

// ReadNext pulls the next framed message.
// timeout <= 0 means no per-call timeout is applied beyond whatever the
// underlying Stable Reader's own default is. The empty message (nil) is
// returned when the stream completed, when a pending cancel was
// consumed, or when filter rejects every candidate up to completion.
func (r *Reader) ReadNext(ctx context.Context, timeout time.Duration, filter Filter) (interface{}, error) {
	if atomic.CompareAndSwapInt32(&r.cancelArmed, 1, 0) {
		return nil, nil
	}
	if r.IsCompleted() {
		return nil, nil
	}
	if !atomic.CompareAndSwapInt32(&r.receiving, 0, 1) {
		return nil, cherrors.ErrAlreadyReading
	}
	defer atomic.StoreInt32(&r.receiving, 0)

	for {
		// A complete frame may already be buffered from an earlier
		// read; drain it before touching the inner reader again.
		frame, consumed, ok := r.framer.TryParse(r.buf)
		r.buf = r.buf[consumed:]
		if ok {
			msg, err := r.convertFrame(frame)
			if err != nil {
				return nil, err
			}
			if filter != nil && !filter(msg) {
				continue
			}
			if r.logDump {
				logger.Tracef("tag=%s, reason=read, frame=%s", r.logTag, hexdump(frame))
			}
			countFrameRead(r.logTag)
			return msg, nil
		}
		if r.IsCompleted() {
			return nil, nil
		}

		readCtx := ctx
		usedOwnTimeout := false
		var cancel context.CancelFunc
		if timeout > 0 && ctx.Done() == nil {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
			usedOwnTimeout = true
		}
		result, err := r.inner.ReadAsync(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if usedOwnTimeout && (err == context.Canceled || err == context.DeadlineExceeded) {
				switch r.behavior.OnError(ctx, cherrors.ErrTimeoutFrame) {
				case stablepipe.ActionRetry:
					continue
				case stablepipe.ActionCancel:
					return nil, nil
				default:
					return nil, cherrors.ErrTimeoutFrame
				}
			}
			return nil, err
		}

		if result.IsCompleted {
			atomic.StoreInt32(&r.completed, 1)
		}
		if len(result.Buffer) > 0 {
			r.buf = append(r.buf, result.Buffer...)
			_ = r.inner.AdvanceTo(len(result.Buffer), len(result.Buffer))
		}
		if result.IsCanceled && len(result.Buffer) == 0 && !result.IsCompleted {
			return nil, nil
		}
	}
}
