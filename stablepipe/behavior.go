package stablepipe

import "context"

// Action is the verdict a Behavior returns from OnError/OnInnerCompleted.
type Action int

const (
	// ActionThrow propagates the triggering error/condition to the caller.
	ActionThrow Action = iota
	// ActionRetry asks the Reader/Writer to loop and try again (waiting
	// for a fresh inner if necessary).
	ActionRetry
	// ActionCancel asks the Reader/Writer to return a canceled result
	// instead of throwing. Not valid as an OnInnerCompleted verdict.
	ActionCancel
	// ActionComplete asks the Reader/Writer to close terminally and
	// return a completed result. Only meaningful for OnInnerCompleted.
	ActionComplete
)

// Behavior is the capability set negotiated between a Stable Reader/Writer
// and its environment for reacting to errors, cancellations, and inner
// completions. The zero value of DefaultBehavior implements it with
// no-op hooks.
type Behavior interface {
	// OnError is consulted whenever the inner source/sink raises
	// something other than the caller's own cancellation. err is
	// either a synthesized cherrors.ErrTimeout/ErrTimeoutFrame or
	// whatever the inner raised.
	OnError(ctx context.Context, err error) Action
	// OnSwallowed is called when an error is discarded because the
	// inner that raised it is no longer the attached one (a benign
	// race with a concurrent SetInner).
	OnSwallowed(err error)
	// OnCancel is called when a pending read/flush is canceled via
	// CancelPendingRead/CancelPendingFlush.
	OnCancel()
	// OnInnerCompleted is consulted when the inner reports
	// IsCompleted. Valid results are ActionRetry, ActionThrow, and
	// ActionComplete.
	OnInnerCompleted() Action
	// ReturnInnerCanceled reports whether an empty, canceled inner
	// result should be surfaced to the caller (true, the default) or
	// retried transparently (false).
	ReturnInnerCanceled() bool
}

// DefaultBehavior implements Behavior with the defaults: OnError throws,
// OnInnerCompleted completes, and canceled results are always returned
// to the caller.
type DefaultBehavior struct{}

var _ Behavior = DefaultBehavior{}

// OnError always throws.
func (DefaultBehavior) OnError(context.Context, error) Action { return ActionThrow }

// OnSwallowed is a no-op.
func (DefaultBehavior) OnSwallowed(error) {}

// OnCancel is a no-op.
func (DefaultBehavior) OnCancel() {}

// OnInnerCompleted always completes.
func (DefaultBehavior) OnInnerCompleted() Action { return ActionComplete }

// ReturnInnerCanceled always returns true.
func (DefaultBehavior) ReturnInnerCanceled() bool { return true }
