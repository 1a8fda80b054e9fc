package channel

import (
	"context"
	"sync"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

const initialOpenTimeout = 5 * time.Second

// Channel is the Communication Channel supervisor: it
// owns a transport Impl, a Stable Reader and Stable Writer pair, tracks
// ConnectionAvailability, and drives automatic reconnection.
type Channel struct {
	name uint64

	reader *stablepipe.Reader
	writer *stablepipe.Writer

	readerBehavior *channelBehavior
	writerBehavior *channelBehavior

	asyncLock chan struct{}

	mu            sync.Mutex
	cfg           Configuration
	impl          Impl
	status        Availability
	autoReconnect bool
	disposed      bool
	reconn        *reconnector
	logRing       *logCaptureRing

	listenersMu sync.Mutex
	listeners   map[int]StatusListener
	nextListener int
}

// New constructs a Channel from cfg. The Stable Reader and Writer are
// created eagerly; if the configuration's initial Impl already carries a
// source/sink (PreOpened) it is attached synchronously and status
// becomes Connected; otherwise a background open attempt is kicked off.
func New(cfg Configuration) (*Channel, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}

	ch := &Channel{
		name:          nextChannelName(),
		asyncLock:     make(chan struct{}, 1),
		cfg:           cfg,
		status:        None,
		autoReconnect: cfg.AutoReconnect(),
		logRing:       newLogCaptureRing(),
		listeners:     make(map[int]StatusListener),
	}
	ch.readerBehavior = newChannelBehavior(ch)
	ch.writerBehavior = newChannelBehavior(ch)
	ch.reader = stablepipe.NewReader(ch.readerBehavior, "channel.reader")
	ch.writer = stablepipe.NewWriter(ch.writerBehavior, "channel.writer")
	ch.applyTimeouts()

	impl, err := cfg.CreateImpl(true)
	if err != nil {
		return nil, cherrors.TransportError(err)
	}
	ch.mu.Lock()
	ch.impl = impl
	ch.mu.Unlock()

	if pre, ok := impl.(PreOpened); ok {
		if src, sink, rb, wb, ready := pre.Pipes(); ready {
			ch.attachLocked(src, sink, rb, wb)
			ch.setStatus(Connected)
			return ch, nil
		}
	}

	go ch.reopenGuarded(0)
	return ch, nil
}

func (ch *Channel) applyTimeouts() {
	ch.reader.SetDefaultTimeout(ch.cfg.DefaultReadTimeout())
	ch.writer.SetDefaultTimeout(ch.cfg.DefaultWriteTimeout())
	ch.writer.SetRetryWriteCount(ch.cfg.DefaultRetryWriteCount())
}

// Reader returns the channel's Stable Reader.
func (ch *Channel) Reader() *stablepipe.Reader { return ch.reader }

// Writer returns the channel's Stable Writer.
func (ch *Channel) Writer() *stablepipe.Writer { return ch.writer }

// Name is the channel's unique, process-scoped numeric id.
func (ch *Channel) Name() uint64 { return ch.name }

// Status reports the current connection availability.
func (ch *Channel) Status() Availability {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// SetAutoReconnect toggles automatic reconnection.
func (ch *Channel) SetAutoReconnect(enabled bool) {
	ch.mu.Lock()
	ch.autoReconnect = enabled
	ch.mu.Unlock()
}

func (ch *Channel) autoReconnectEnabled() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.autoReconnect
}

func (ch *Channel) isDisposed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.disposed
}

// OnStatusChanged subscribes to status-change events, returning an
// unsubscribe function.
func (ch *Channel) OnStatusChanged(fn StatusListener) func() {
	ch.listenersMu.Lock()
	id := ch.nextListener
	ch.nextListener++
	ch.listeners[id] = fn
	ch.listenersMu.Unlock()

	return func() {
		ch.listenersMu.Lock()
		delete(ch.listeners, id)
		ch.listenersMu.Unlock()
	}
}

func (ch *Channel) lock() {
	ch.asyncLock <- struct{}{}
}

func (ch *Channel) unlock() {
	<-ch.asyncLock
}

// attachLocked wires a freshly opened source/sink (and optionally
// replacement behaviors) into the reader/writer.
func (ch *Channel) attachLocked(src stablepipe.ByteSource, sink stablepipe.ByteSink, rb, wb stablepipe.Behavior) {
	ch.readerBehavior.setInner(rb)
	ch.writerBehavior.setInner(wb)
	ch.reader.SetInner(src, true)
	ch.writer.SetInner(sink, true)
}

// setStatus updates availability and, if it changed, dispatches a
// StatusChanged event through the process-wide dispatcher.
func (ch *Channel) setStatus(s Availability) {
	ch.mu.Lock()
	changed := ch.status != s
	ch.status = s
	ring := ch.logRing
	ch.mu.Unlock()
	if !changed {
		return
	}
	reportStatus(ch, s)

	if s == Connected {
		ring.exitCapture()
	} else {
		ring.enterCapture()
	}
	errCtx := ring.snapshot()

	globalDispatcher.enqueue(func() {
		ch.listenersMu.Lock()
		snapshot := make([]StatusListener, 0, len(ch.listeners))
		for _, l := range ch.listeners {
			snapshot = append(snapshot, l)
		}
		ch.listenersMu.Unlock()

		evt := StatusChanged{Channel: ch, Status: s, ErrorContext: errCtx}
		for _, l := range snapshot {
			safeRun(func() { l(evt) })
		}
	})
}

// reopenGuarded runs reopen under the async lock, used for
// fire-and-forget entrypoints that must never propagate an error.
func (ch *Channel) reopenGuarded(lastAttempt int) {
	ch.lock()
	defer ch.unlock()
	if ch.isDisposed() {
		return
	}
	ch.reopen(lastAttempt)
}

// reopen performs one open attempt and, on failure, schedules the next
// one. Caller must hold the async lock.
func (ch *Channel) reopen(lastAttempt int) {
	ch.mu.Lock()
	impl := ch.impl
	ch.mu.Unlock()

	ch.reader.Close(false)
	ch.writer.Close(false)

	ctx, cancel := context.WithTimeout(context.Background(), initialOpenTimeout)
	defer cancel()

	opened := false
	err := impl.InitialOpen(ctx, func(src stablepipe.ByteSource, sink stablepipe.ByteSink, rb, wb stablepipe.Behavior) {
		opened = true
		ch.attachLocked(src, sink, rb, wb)
	})

	if err == nil && opened {
		ch.mu.Lock()
		if ch.reconn != nil {
			ch.reconn.dispose()
			ch.reconn = nil
		}
		ch.mu.Unlock()
		ch.setStatus(Connected)
		return
	}

	logger.Warningf("api=reopen, channel=%d, attempt=%d, err=[%v]", ch.name, lastAttempt, err)
	ch.logRing.append(LogEntry{
		Tags:      []string{"channel", "reopen"},
		Level:     "warning",
		Text:      "open attempt failed",
		Timestamp: time.Now(),
		Err:       err,
	})
	reportReconnectAttempt(ch)
	ch.closeImplLocked()
	ch.mu.Lock()
	s := ch.status.decay()
	autoReconnect := ch.autoReconnect
	ch.mu.Unlock()
	ch.setStatus(s)

	if !autoReconnect {
		return
	}

	ch.mu.Lock()
	if ch.reconn == nil {
		reconn := newReconnector(ch.onReconnectorTick)
		ch.reconn = reconn
		ch.mu.Unlock()
		reconn.planInitial()
		return
	}
	reconn := ch.reconn
	ch.mu.Unlock()
	reconn.planNext(lastAttempt)
}

// onReconnectorTick is the fire-and-forget entrypoint the Reconnector
// calls when its timer fires.
func (ch *Channel) onReconnectorTick(attempt int) {
	ch.lock()
	defer ch.unlock()
	if ch.isDisposed() {
		return
	}
	ch.reopen(attempt)
}

// onPipeError is the fire-and-forget entrypoint the behavior wrapper
// calls when it has decided to escalate a transport error into a
// reconnect. Must never propagate a panic/error to its caller.
func (ch *Channel) onPipeError(err error) {
	ch.logRing.append(LogEntry{Level: "error", Text: err.Error(), Timestamp: time.Now(), Err: err})
	go func() {
		defer func() { recover() }()
		ch.lock()
		defer ch.unlock()
		if ch.isDisposed() {
			return
		}
		ch.closeLocked(false)
		ch.reopen(0)
	}()
}

// onInnerCompleted is the fire-and-forget entrypoint for the behavior
// wrapper's default on_inner_completed escalation.
func (ch *Channel) onInnerCompleted() {
	go func() {
		defer func() { recover() }()
		ch.lock()
		defer ch.unlock()
		if ch.isDisposed() {
			return
		}
		ch.closeLocked(false)
		if ch.autoReconnectEnabled() {
			ch.reopen(0)
		}
	}()
}

// closeImplLocked disposes the current impl and immediately materializes
// a fresh unopened one so the next reopen has a clean target.
func (ch *Channel) closeImplLocked() {
	ch.mu.Lock()
	impl := ch.impl
	cfg := ch.cfg
	ch.mu.Unlock()
	if impl != nil {
		_ = impl.Dispose()
	}
	newImpl, err := cfg.CreateImpl(false)
	if err != nil {
		logger.Errorf("api=closeImpl, reason=create_impl_failed, err=[%v]", err)
		return
	}
	ch.mu.Lock()
	ch.impl = newImpl
	ch.mu.Unlock()
}

// closeLocked implements the Close algorithm. Caller must hold the
// async lock.
func (ch *Channel) closeLocked(complete bool) {
	ch.reader.Close(complete)
	ch.writer.Close(complete)

	ch.mu.Lock()
	wasConnected := ch.status == Connected
	ch.mu.Unlock()
	if wasConnected {
		ch.setStatus(Low)
	}

	ch.mu.Lock()
	impl := ch.impl
	ch.mu.Unlock()
	if impl != nil {
		_ = impl.Dispose()
	}

	if !complete {
		newImpl, err := ch.cfg.CreateImpl(false)
		if err == nil {
			ch.mu.Lock()
			ch.impl = newImpl
			ch.mu.Unlock()
		}
	}
}

// Reconfigure applies the generic knobs from cfg and, depending on
// Configuration.CanDynamicReconfigureWith, leaves the transport alone,
// applies an in-place reconfigure, or tears it down and reopens. The
// restart path attempts one open even when auto-reconnect is off, so a
// new configuration is always challenged at least once.
func (ch *Channel) Reconfigure(cfg Configuration) error {
	if err := cfg.CheckValid(); err != nil {
		return err
	}

	ch.lock()
	defer ch.unlock()
	if ch.isDisposed() {
		return cherrors.ErrChannelDisposed
	}

	ch.mu.Lock()
	old := ch.cfg
	ch.mu.Unlock()

	kind := old.CanDynamicReconfigureWith(cfg)

	ch.mu.Lock()
	ch.autoReconnect = cfg.AutoReconnect()
	ch.mu.Unlock()
	ch.applyCfgTimeouts(cfg)

	switch kind {
	case ReconfigureNone:
		return nil
	case ReconfigureDynamic:
		ch.mu.Lock()
		ch.cfg = cfg
		impl := ch.impl
		ch.mu.Unlock()
		if impl != nil {
			if err := impl.DynamicReconfigure(cfg); err != nil {
				return cherrors.TransportError(err)
			}
		}
		return nil
	default: // ReconfigureRestart
		ch.mu.Lock()
		ch.cfg = cfg
		ch.mu.Unlock()
		ch.closeLocked(false)
		ch.reopen(0)
		return nil
	}
}

func (ch *Channel) applyCfgTimeouts(cfg Configuration) {
	ch.reader.SetDefaultTimeout(cfg.DefaultReadTimeout())
	ch.writer.SetDefaultTimeout(cfg.DefaultWriteTimeout())
	ch.writer.SetRetryWriteCount(cfg.DefaultRetryWriteCount())
}

// Dispose terminates the channel: closes the Stable Reader/Writer
// terminally, disposes the impl and any pending reconnector, and
// prevents any further state transitions.
func (ch *Channel) Dispose() error {
	ch.lock()
	defer ch.unlock()

	ch.mu.Lock()
	if ch.disposed {
		ch.mu.Unlock()
		return nil
	}
	ch.disposed = true
	reconn := ch.reconn
	impl := ch.impl
	ch.mu.Unlock()

	if reconn != nil {
		reconn.dispose()
	}
	ch.reader.Close(true)
	ch.writer.Close(true)
	if impl != nil {
		return impl.Dispose()
	}
	return nil
}
