package channel

import (
	"context"
	"sync"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
	"github.com/signature-opensource/ck-commchannel/xlog"
)

var logger = xlog.NewPackageLogger("github.com/signature-opensource/ck-commchannel", "channel")

// channelBehavior decorates the transport impl's own behavior (or
// stablepipe.DefaultBehavior{} if none was supplied) so that on_error
// and on_inner_completed can transparently escalate into a reconnect
// request. It carries a back-reference
// to its owning Channel for dispatch only, never for lifetime. A single
// instance is installed as the Reader's/Writer's fixed Behavior at
// construction and outlives every reopen; setInner lets each successful
// open swap in the impl's (possibly updated) inner behavior.
type channelBehavior struct {
	ch *Channel

	mu    sync.Mutex
	inner stablepipe.Behavior
}

var _ stablepipe.Behavior = (*channelBehavior)(nil)

func newChannelBehavior(ch *Channel) *channelBehavior {
	return &channelBehavior{ch: ch, inner: stablepipe.DefaultBehavior{}}
}

// setInner swaps the decorated inner behavior, defaulting to
// stablepipe.DefaultBehavior{} when the impl supplies none.
func (b *channelBehavior) setInner(inner stablepipe.Behavior) {
	if inner == nil {
		inner = stablepipe.DefaultBehavior{}
	}
	b.mu.Lock()
	b.inner = inner
	b.mu.Unlock()
}

func (b *channelBehavior) getInner() stablepipe.Behavior {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inner
}

// OnError: if the impl's own behavior wants Retry/Cancel, honor it.
// Otherwise timeouts always propagate; a disposed or non-reconnecting
// channel propagates too; otherwise a reconnect is requested and the
// caller is told to retry once a fresh inner is attached.
func (b *channelBehavior) OnError(ctx context.Context, err error) stablepipe.Action {
	action := b.getInner().OnError(ctx, err)
	if action == stablepipe.ActionRetry || action == stablepipe.ActionCancel {
		return action
	}
	if cherrors.IsTimeout(err) {
		return stablepipe.ActionThrow
	}
	if b.ch.isDisposed() || !b.ch.autoReconnectEnabled() {
		return stablepipe.ActionThrow
	}
	b.ch.onPipeError(err)
	return stablepipe.ActionRetry
}

func (b *channelBehavior) OnSwallowed(err error) {
	b.getInner().OnSwallowed(err)
}

func (b *channelBehavior) OnCancel() {
	b.getInner().OnCancel()
}

// OnInnerCompleted: if the impl's own behavior declines the default
// (Complete), honor whatever it wants instead. Otherwise close both
// Stable Reader and Writer non-terminally, fire on_inner_completed
// (fire-and-forget), and ask the caller to retry iff auto-reconnect is
// enabled.
func (b *channelBehavior) OnInnerCompleted() stablepipe.Action {
	action := b.getInner().OnInnerCompleted()
	if action != stablepipe.ActionComplete {
		return action
	}
	b.ch.onInnerCompleted()
	if b.ch.autoReconnectEnabled() {
		return stablepipe.ActionRetry
	}
	return stablepipe.ActionComplete
}

func (b *channelBehavior) ReturnInnerCanceled() bool {
	return b.getInner().ReturnInnerCanceled()
}
