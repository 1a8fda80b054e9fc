package message

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// FrameWriter formats one message into buf, producing the wire bytes of
// one frame. It returns false to abort
// the write (WriteNext then returns false without flushing).
type FrameWriter func(msg interface{}, buf *stablepipe.Writer) bool

// Writer is the Message Writer base: one write_async call per frame,
// with optional serialization of concurrent writers via a semaphore
// (multiple_writers).
type Writer struct {
	inner      *stablepipe.Writer
	writeFrame FrameWriter
	logTag     string
	logDump    bool
	behavior   stablepipe.Behavior

	writing int32

	multiWriters bool
	sem          chan struct{}

	lastSentTick int64
}

// NewWriter wraps inner with writeFrame. When multipleWriters is true,
// concurrent WriteNext calls serialize on an internal semaphore instead
// of failing with AlreadyWriting.
func NewWriter(inner *stablepipe.Writer, writeFrame FrameWriter, logTag string, multipleWriters bool) *Writer {
	w := &Writer{inner: inner, writeFrame: writeFrame, logTag: logTag, multiWriters: multipleWriters, behavior: stablepipe.DefaultBehavior{}}
	if multipleWriters {
		w.sem = make(chan struct{}, 1)
	}
	return w
}

// SetBehavior overrides how a write_async-level timeout (the timeout
// argument to WriteNext, as opposed to the underlying Stable Writer's own
// default) is handled: ActionRetry flushes the already formatted frame
// again, ActionCancel
// returns !IsCompleted, anything else raises ErrTimeoutMessage. Defaults
// to stablepipe.DefaultBehavior{}, which throws.
func (w *Writer) SetBehavior(b stablepipe.Behavior) {
	if b == nil {
		b = stablepipe.DefaultBehavior{}
	}
	w.behavior = b
}

// EnableLogDump turns on the printable-ASCII/hex dump of every formatted
// frame at Trace level.
func (w *Writer) EnableLogDump(enabled bool) { w.logDump = enabled }

func (w *Writer) acquire(ctx context.Context) error {
	if !w.multiWriters {
		if !atomic.CompareAndSwapInt32(&w.writing, 0, 1) {
			return cherrors.ErrAlreadyWriting
		}
		return nil
	}
	select {
	case w.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) release() {
	if !w.multiWriters {
		atomic.StoreInt32(&w.writing, 0)
		return
	}
	select {
	case <-w.sem:
	default:
	}
}

// WriteNext formats and flushes one frame.
// timeout <= 0 means rely on the Stable Writer's own default.
func (w *Writer) WriteNext(ctx context.Context, msg interface{}, timeout time.Duration) (bool, error) {
	if w.inner.IsCompleted() {
		return false, nil
	}

	if err := w.acquire(ctx); err != nil {
		return false, err
	}
	defer w.release()

	// Format exactly once: a timed-out flush keeps the buffer, so a
	// retry must re-flush the same bytes, not re-format them.
	if !w.writeFrame(msg, w.inner) {
		return false, nil
	}
	if w.logDump {
		logger.Tracef("tag=%s, reason=write, frame=%s", w.logTag, hexdump(w.inner.Buffered()))
	}

	for {
		flushCtx := ctx
		usedOwnTimeout := false
		var cancel context.CancelFunc
		if timeout > 0 && ctx.Done() == nil {
			flushCtx, cancel = context.WithTimeout(ctx, timeout)
			usedOwnTimeout = true
		}
		result, err := w.inner.FlushAsync(flushCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if usedOwnTimeout && (err == context.Canceled || err == context.DeadlineExceeded) {
				switch w.behavior.OnError(ctx, cherrors.ErrTimeoutMessage) {
				case stablepipe.ActionRetry:
					continue
				case stablepipe.ActionCancel:
					return !w.inner.IsCompleted(), nil
				default:
					return false, cherrors.ErrTimeoutMessage
				}
			}
			return false, err
		}

		if result.IsCanceled {
			return !result.IsCompleted, nil
		}

		atomic.StoreInt64(&w.lastSentTick, time.Now().UnixNano())
		countFrameWritten(w.logTag)
		return !result.IsCompleted, nil
	}
}

// LastSentTick returns the UnixNano timestamp of the last successful
// flush, or 0 if none has happened yet.
func (w *Writer) LastSentTick() int64 {
	return atomic.LoadInt64(&w.lastSentTick)
}
