package stablepipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
)

type writerState int

const (
	writerOpenNoInner writerState = iota
	writerOpenWithInner
	writerCompleted
)

// OnDataWritten is raised after every flush that actually transmitted
// bytes, with the full buffer content that was sent.
type OnDataWritten func(data []byte, w *Writer)

// Writer decorates a ByteSink: it buffers everything written since the
// last successful flush, making each flush atomic from the sender's
// point of view (either the whole pending buffer reached the
// then-current inner sink or none of it did).
type Writer struct {
	behavior Behavior
	logTag   string
	onWrite  OnDataWritten

	mu               sync.Mutex
	inner            ByteSink
	completeWhenDone bool
	st               writerState
	stateChange      chan struct{}

	buf             *BufferWriter
	flushedInner    ByteSink
	flushedPos      int
	retryWriteCount int
	defaultTimeout  time.Duration

	flushing int32 // atomic guard: 0 idle, 1 in-flight
}

// NewWriter returns a Writer with no inner sink attached.
func NewWriter(behavior Behavior, logTag string) *Writer {
	if behavior == nil {
		behavior = DefaultBehavior{}
	}
	return &Writer{
		behavior:    behavior,
		logTag:      logTag,
		stateChange: make(chan struct{}),
		buf:         NewBufferWriter(),
	}
}

// SetDefaultTimeout configures the flush timeout applied when the
// caller's context carries no deadline of its own.
func (w *Writer) SetDefaultTimeout(d time.Duration) {
	w.mu.Lock()
	w.defaultTimeout = d
	w.mu.Unlock()
}

// SetRetryWriteCount configures how many additional attempts flush makes
// on timeout before surfacing it to the behavior. Only effective when the
// default timeout is > 0.
func (w *Writer) SetRetryWriteCount(n int) {
	w.mu.Lock()
	w.retryWriteCount = n
	w.mu.Unlock()
}

// OnDataWritten registers the callback raised after each transmitting
// flush.
func (w *Writer) OnDataWritten(fn OnDataWritten) {
	w.mu.Lock()
	w.onWrite = fn
	w.mu.Unlock()
}

func (w *Writer) signalLocked() {
	close(w.stateChange)
	w.stateChange = make(chan struct{})
}

// GetSpan exposes the private buffer's span for callers to write a frame
// into before calling Advance and then FlushAsync.
func (w *Writer) GetSpan(sizeHint int) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.GetSpan(sizeHint)
}

// Advance commits n bytes of the span most recently returned by GetSpan.
func (w *Writer) Advance(n int) {
	w.mu.Lock()
	w.buf.Advance(n)
	w.mu.Unlock()
}

// Write appends p to the private buffer (io.Writer-style convenience over
// GetSpan/Advance).
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

// Buffered returns everything accumulated in the private buffer since
// the last successful flush. The slice is only valid until the next
// Write/Advance/FlushAsync call.
func (w *Writer) Buffered() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Bytes()
}

// SetInner attaches sink as the current inner sink.
func (w *Writer) SetInner(sink ByteSink, completeWhenDone bool) bool {
	w.mu.Lock()
	if w.st == writerCompleted {
		w.mu.Unlock()
		return false
	}
	if w.inner == sink {
		w.completeWhenDone = completeWhenDone
		w.mu.Unlock()
		return true
	}
	prev := w.inner
	prevComplete := w.completeWhenDone
	w.inner = sink
	w.completeWhenDone = completeWhenDone
	w.st = writerOpenWithInner
	w.signalLocked()
	w.mu.Unlock()

	if prev != nil {
		prev.CancelPendingFlush()
		if prevComplete {
			_ = prev.Complete(nil)
		}
	}
	return true
}

// Close detaches the current inner (complete=false) or terminates the
// Writer entirely (complete=true).
func (w *Writer) Close(complete bool) bool {
	if complete {
		w.Complete(nil)
		return true
	}
	w.mu.Lock()
	if w.st == writerCompleted {
		w.mu.Unlock()
		return false
	}
	prev := w.inner
	prevComplete := w.completeWhenDone
	w.inner = nil
	w.completeWhenDone = false
	w.st = writerOpenNoInner
	w.signalLocked()
	w.mu.Unlock()

	if prev != nil {
		prev.CancelPendingFlush()
		if prevComplete {
			_ = prev.Complete(nil)
		}
	}
	return true
}

// Complete terminates the Writer.
func (w *Writer) Complete(err error) {
	w.mu.Lock()
	if w.st == writerCompleted {
		w.mu.Unlock()
		return
	}
	prev := w.inner
	prevComplete := w.completeWhenDone
	w.inner = nil
	w.st = writerCompleted
	close(w.stateChange)
	w.mu.Unlock()

	if prev != nil {
		prev.CancelPendingFlush()
		if prevComplete {
			_ = prev.Complete(nil)
		}
	}
}

// IsCompleted reports whether the Writer has terminated.
func (w *Writer) IsCompleted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st == writerCompleted
}

// CancelPendingFlush forwards a cancel to the currently attached inner.
func (w *Writer) CancelPendingFlush() {
	w.mu.Lock()
	inner := w.inner
	w.mu.Unlock()
	if inner == nil {
		return
	}
	w.behavior.OnCancel()
	inner.CancelPendingFlush()
}

// FlushAsync delivers the buffered bytes to the current inner sink.
// Serializing callers is the Message Writer's responsibility when its
// multiple-writer mode is in effect; otherwise a concurrent call fails
// with ErrAlreadyWriting.
func (w *Writer) FlushAsync(ctx context.Context) (FlushResult, error) {
	w.mu.Lock()
	empty := w.buf.Len() == 0
	completed := w.st == writerCompleted
	w.mu.Unlock()
	if empty {
		return FlushResult{IsCompleted: completed}, nil
	}

	if !atomic.CompareAndSwapInt32(&w.flushing, 0, 1) {
		return FlushResult{}, cherrors.ErrAlreadyWriting
	}
	defer atomic.StoreInt32(&w.flushing, 0)

	for {
		w.mu.Lock()
		for w.inner == nil && w.st != writerCompleted {
			ch := w.stateChange
			w.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return FlushResult{}, ctx.Err()
			}
			w.mu.Lock()
		}
		if w.st == writerCompleted {
			w.mu.Unlock()
			return FlushResult{IsCompleted: true}, nil
		}
		inner := w.inner
		data := w.buf.Bytes()
		resumeFrom := 0
		if w.flushedInner == inner {
			resumeFrom = w.flushedPos
		}
		retries := w.retryWriteCount
		timeout := w.defaultTimeout
		w.mu.Unlock()

		if resumeFrom < len(data) {
			if _, err := inner.Write(ctx, data[resumeFrom:]); err != nil {
				if cherrors.Is(err, cherrors.ErrInvalidOperationWriter) {
					w.behavior.OnSwallowed(err)
					if action := w.behavior.OnInnerCompleted(); action != ActionRetry {
						if action == ActionThrow {
							return FlushResult{}, cherrors.ErrInvalidOperationWriter
						}
						w.Complete(nil)
						return FlushResult{IsCompleted: true}, nil
					}
					w.Close(false)
					continue
				}
				res, herr := w.handleInnerError(ctx, inner, err)
				if herr == errRetryLoop {
					continue
				}
				return res, herr
			}
		}
		w.mu.Lock()
		w.flushedInner = inner
		w.flushedPos = len(data)
		w.mu.Unlock()

		result, err := w.flushWithTimeout(ctx, inner, timeout, retries)
		if err != nil {
			if err == errRetryLoop {
				continue
			}
			return FlushResult{}, err
		}

		if result.IsCompleted {
			action := w.behavior.OnInnerCompleted()
			switch action {
			case ActionRetry:
				w.Close(false)
				continue
			case ActionThrow:
				return FlushResult{}, cherrors.ErrInvalidOperationWriter
			default:
				w.Complete(nil)
				return FlushResult{IsCompleted: true}, nil
			}
		}

		if result.IsCanceled {
			if !w.behavior.ReturnInnerCanceled() {
				continue
			}
			return result, nil
		}

		if cb := w.onWriteCallback(); cb != nil {
			cb(append([]byte(nil), data...), w)
		}
		w.mu.Lock()
		w.buf.Reset()
		w.flushedPos = 0
		w.mu.Unlock()
		return FlushResult{}, nil
	}
}

func (w *Writer) onWriteCallback() OnDataWritten {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.onWrite
}

// errRetryLoop is an internal sentinel used only to unwind
// flushWithTimeout and handleInnerError back into FlushAsync's retry
// loop; it never escapes this file.
var errRetryLoop = errors.New("ck-commchannel: internal retry signal")

// handleInnerError routes a non-timeout error from the inner sink: an
// error from a sink that has since been swapped out is swallowed and the
// loop retried; otherwise the behavior decides.
func (w *Writer) handleInnerError(ctx context.Context, inner ByteSink, err error) (FlushResult, error) {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return FlushResult{}, err
	}
	w.mu.Lock()
	stillCurrent := w.inner == inner
	w.mu.Unlock()
	if !stillCurrent {
		w.behavior.OnSwallowed(err)
		return FlushResult{}, errRetryLoop
	}
	switch w.behavior.OnError(ctx, err) {
	case ActionRetry:
		return FlushResult{}, errRetryLoop
	case ActionCancel:
		return FlushResult{IsCanceled: true}, nil
	default:
		return FlushResult{}, err
	}
}

// flushWithTimeout implements the two flush strategies: zero-retry
// (honor the caller's cancellable context, else apply the default
// timeout once) or retryCount > 0 (combine caller and timeout tokens,
// retrying on timeout, as long as the caller itself has not canceled,
// up to retryCount times before surfacing it to the behavior).
func (w *Writer) flushWithTimeout(ctx context.Context, inner ByteSink, timeout time.Duration, retryCount int) (FlushResult, error) {
	attempt := 0
	for {
		flushCtx := ctx
		usedInternalTimeout := false
		var cancel context.CancelFunc
		if timeout > 0 && (!isCancellable(ctx) || retryCount > 0) {
			flushCtx, cancel = context.WithTimeout(ctx, timeout)
			usedInternalTimeout = true
		}
		result, err := inner.Flush(flushCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		if err != context.Canceled && err != context.DeadlineExceeded {
			return w.handleInnerError(ctx, inner, err)
		}
		// The caller's own cancellation wins over the internal timeout.
		if !usedInternalTimeout || ctx.Err() != nil {
			return FlushResult{}, err
		}
		if attempt < retryCount {
			attempt++
			continue
		}
		action := w.behavior.OnError(ctx, cherrors.ErrTimeout)
		switch action {
		case ActionRetry:
			return FlushResult{}, errRetryLoop
		case ActionCancel:
			return FlushResult{IsCanceled: true}, nil
		default:
			return FlushResult{}, cherrors.ErrTimeout
		}
	}
}
