package stablepipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/xlog"
)

var logger = xlog.NewPackageLogger("github.com/signature-opensource/ck-commchannel", "stablepipe")

type readerState int

const (
	readerOpenNoInner readerState = iota
	readerOpenWithInner
	readerCompleted
)

// Reader decorates a ByteSource: its inner source may be hot-swapped or
// closed while a read is in flight.
type Reader struct {
	behavior Behavior
	logTag   string

	mu               sync.Mutex
	inner            ByteSource
	completeWhenDone bool
	st               readerState
	stateChange      chan struct{}
	readerForAdvance ByteSource
	completeErr      error

	defaultTimeout time.Duration // <=0 disabled

	reading int32 // atomic guard: 0 idle, 1 in-flight
}

// NewReader returns a Reader with no inner source attached. behavior may
// be nil, in which case DefaultBehavior{} is used.
func NewReader(behavior Behavior, logTag string) *Reader {
	if behavior == nil {
		behavior = DefaultBehavior{}
	}
	return &Reader{
		behavior:    behavior,
		logTag:      logTag,
		stateChange: make(chan struct{}),
	}
}

// SetDefaultTimeout configures the idle-read timeout applied when the
// caller's context carries no deadline of its own. d <= 0 disables it.
func (r *Reader) SetDefaultTimeout(d time.Duration) {
	r.mu.Lock()
	r.defaultTimeout = d
	r.mu.Unlock()
}

func (r *Reader) signalLocked() {
	close(r.stateChange)
	r.stateChange = make(chan struct{})
}

// SetInner attaches src as the current inner source. Setting the already
// current source only updates completeWhenDone; no state change fires.
func (r *Reader) SetInner(src ByteSource, completeWhenDone bool) bool {
	r.mu.Lock()
	if r.st == readerCompleted {
		r.mu.Unlock()
		return false
	}
	if r.inner == src {
		r.completeWhenDone = completeWhenDone
		r.mu.Unlock()
		return true
	}
	prev := r.inner
	prevComplete := r.completeWhenDone
	r.inner = src
	r.completeWhenDone = completeWhenDone
	r.st = readerOpenWithInner
	r.signalLocked()
	r.mu.Unlock()

	logger.Tracef("tag=%s, reason=set_inner, swapped=%v", r.logTag, prev != nil)

	if prev != nil {
		prev.CancelPendingRead()
		if prevComplete {
			_ = prev.Complete(nil)
		}
	}
	return true
}

// Close detaches the current inner (complete=false) or terminates the
// Reader entirely (complete=true, equivalent to Complete(nil)).
func (r *Reader) Close(complete bool) bool {
	if complete {
		r.Complete(nil)
		return true
	}
	r.mu.Lock()
	if r.st == readerCompleted {
		r.mu.Unlock()
		return false
	}
	prev := r.inner
	prevComplete := r.completeWhenDone
	r.inner = nil
	r.completeWhenDone = false
	r.st = readerOpenNoInner
	r.signalLocked()
	r.mu.Unlock()

	if prev != nil {
		prev.CancelPendingRead()
		if prevComplete {
			_ = prev.Complete(nil)
		}
	}
	return true
}

// Complete terminates the Reader. Any pending/future read returns
// {IsCompleted: true} without touching an inner source again.
func (r *Reader) Complete(err error) {
	r.mu.Lock()
	if r.st == readerCompleted {
		r.mu.Unlock()
		return
	}
	if err != nil && r.completeErr == nil {
		r.completeErr = err
	}
	prev := r.inner
	prevComplete := r.completeWhenDone
	r.inner = nil
	r.st = readerCompleted
	close(r.stateChange)
	r.mu.Unlock()

	logger.Tracef("tag=%s, reason=complete, err=[%v]", r.logTag, err)

	if prev != nil {
		prev.CancelPendingRead()
		if prevComplete {
			_ = prev.Complete(nil)
		}
	}
}

// CancelPendingRead forwards a cancel to the currently attached inner, so
// an in-flight ReadAsync returns a canceled result rather than an error.
func (r *Reader) CancelPendingRead() {
	r.mu.Lock()
	completed := r.st == readerCompleted
	inner := r.inner
	inFlight := atomic.LoadInt32(&r.reading) == 1
	r.mu.Unlock()
	if completed || !inFlight || inner == nil {
		return
	}
	r.behavior.OnCancel()
	inner.CancelPendingRead()
}

// AdvanceTo forwards to the source retained from the last successful
// read, even if the inner has since been swapped. If the swap occurred,
// errors from the retained source are swallowed via the behavior.
func (r *Reader) AdvanceTo(consumed, examined int) error {
	r.mu.Lock()
	src := r.readerForAdvance
	r.mu.Unlock()
	if src == nil {
		return nil
	}
	if err := src.AdvanceTo(consumed, examined); err != nil {
		r.mu.Lock()
		stillCurrent := r.inner == src
		r.mu.Unlock()
		if stillCurrent {
			return err
		}
		r.behavior.OnSwallowed(err)
	}
	return nil
}

func isCancellable(ctx context.Context) bool {
	return ctx.Done() != nil
}

// ReadAsync performs one read, honoring caller cancellation, the
// configured default timeout, and the attached Behavior.
func (r *Reader) ReadAsync(ctx context.Context) (ReadResult, error) {
	if !atomic.CompareAndSwapInt32(&r.reading, 0, 1) {
		return ReadResult{}, cherrors.ErrAlreadyReading
	}
	defer atomic.StoreInt32(&r.reading, 0)

	r.mu.Lock()
	if r.st == readerCompleted {
		r.mu.Unlock()
		return ReadResult{IsCompleted: true}, nil
	}
	r.mu.Unlock()

	for {
		r.mu.Lock()
		for r.inner == nil && r.st != readerCompleted {
			ch := r.stateChange
			r.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ReadResult{}, ctx.Err()
			}
			r.mu.Lock()
		}
		if r.st == readerCompleted {
			r.mu.Unlock()
			return ReadResult{IsCompleted: true}, nil
		}
		inner := r.inner
		r.readerForAdvance = inner
		timeout := r.defaultTimeout
		r.mu.Unlock()

		readCtx := ctx
		usedInternalTimeout := false
		var cancel context.CancelFunc
		if !isCancellable(ctx) && timeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
			usedInternalTimeout = true
		}
		result, err := inner.Read(readCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				if !usedInternalTimeout {
					return ReadResult{}, err
				}
				action := r.behavior.OnError(ctx, cherrors.ErrTimeout)
				switch action {
				case ActionRetry:
					continue
				case ActionCancel:
					r.mu.Lock()
					completed := r.st == readerCompleted
					r.mu.Unlock()
					if completed {
						return ReadResult{IsCompleted: true}, nil
					}
					return ReadResult{IsCanceled: true}, nil
				default:
					return ReadResult{}, cherrors.ErrTimeout
				}
			}

			r.mu.Lock()
			stillCurrent := r.inner == inner
			r.mu.Unlock()
			if !stillCurrent {
				r.behavior.OnSwallowed(err)
				continue
			}
			action := r.behavior.OnError(ctx, err)
			switch action {
			case ActionRetry:
				continue
			case ActionCancel:
				return ReadResult{IsCanceled: true}, nil
			default:
				return ReadResult{}, err
			}
		}

		r.mu.Lock()
		completedNow := r.st == readerCompleted
		r.mu.Unlock()
		if completedNow {
			return ReadResult{Buffer: result.Buffer, IsCompleted: true}, nil
		}

		if result.IsCompleted {
			action := r.behavior.OnInnerCompleted()
			switch action {
			case ActionRetry:
				r.Close(false)
				if len(result.Buffer) > 0 {
					return ReadResult{Buffer: result.Buffer}, nil
				}
				continue
			case ActionThrow:
				return ReadResult{}, cherrors.ErrInvalidOperationReader
			default: // ActionComplete
				r.Complete(nil)
				return ReadResult{Buffer: result.Buffer, IsCompleted: true}, nil
			}
		}

		if len(result.Buffer) == 0 && (!result.IsCanceled || !r.behavior.ReturnInnerCanceled()) {
			continue
		}
		return result, nil
	}
}

// TryRead is the non-blocking counterpart of ReadAsync: it only succeeds
// when the Reader is already Completed (there is no synchronous fast path
// on ByteSource itself).
func (r *Reader) TryRead() (ok bool, result ReadResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.st == readerCompleted {
		return true, ReadResult{IsCompleted: true}
	}
	return false, ReadResult{}
}
