package message

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
)

// StopReason explains why a Message Handler's loop exited.
type StopReason int

const (
	StopNone StopReason = iota
	StopStoppedLoop
	StopProcessMessage
	StopMaxMessageNumber
	StopOnReaderComplete
	StopReadTimeout
	StopUnhandledError
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "None"
	case StopStoppedLoop:
		return "StoppedLoop"
	case StopProcessMessage:
		return "ProcessMessage"
	case StopMaxMessageNumber:
		return "MaxMessageNumber"
	case StopOnReaderComplete:
		return "OnReaderComplete"
	case StopReadTimeout:
		return "ReadTimeout"
	case StopUnhandledError:
		return "UnhandledError"
	default:
		return "Unknown"
	}
}

// HandleFunc processes one message. A false return stops the handler
// with StopProcessMessage, unless handlingCtx expired and
// OnHandlingMessageTimeout returns true.
type HandleFunc func(handlingCtx context.Context, msg interface{}) bool

// Handler adapts the pull-based Reader to a push-based callback loop,
// with a dynamically adjustable idle-read timeout and an optional
// per-message handling timeout.
type Handler struct {
	reader *Reader
	handle HandleFunc
	logTag string

	DefaultReadTimeout   time.Duration
	HandlingTimeout      time.Duration
	MaxMessages          int
	AutoApplyTimeout     bool
	HandleCancelMessages bool

	// Override points, all default to "continue" (nil is fine).
	OnReadLoopStart          func()
	OnReadLoopStop           func(StopReason)
	OnHandlingMessageTimeout func() bool
	OnReadTimeout            func() bool
	OnUnhandledException     func(error) bool

	timeoutMu     sync.Mutex
	activeTimeout time.Duration

	running int32

	doneMu sync.Mutex
	done   chan StopReason
}

// NewHandler wraps reader with handle. AutoApplyTimeout defaults to true.
func NewHandler(reader *Reader, handle HandleFunc, logTag string) *Handler {
	return &Handler{
		reader:           reader,
		handle:           handle,
		logTag:           logTag,
		AutoApplyTimeout: true,
	}
}

// SetReadTimeout arms the idle-read timeout; 0 means "use
// DefaultReadTimeout", a negative value suspends it.
func (h *Handler) SetReadTimeout(d time.Duration) {
	h.timeoutMu.Lock()
	h.activeTimeout = d
	h.timeoutMu.Unlock()
}

// SuspendReadTimeout clears the active idle-read timeout.
func (h *Handler) SuspendReadTimeout() {
	h.timeoutMu.Lock()
	h.activeTimeout = -1
	h.timeoutMu.Unlock()
}

func (h *Handler) currentTimeout() time.Duration {
	h.timeoutMu.Lock()
	defer h.timeoutMu.Unlock()
	if h.activeTimeout == 0 {
		return h.DefaultReadTimeout
	}
	if h.activeTimeout < 0 {
		return 0
	}
	return h.activeTimeout
}

// reapplyDefaultTimeout re-arms a suspended timeout back to the default
// at the top of a cycle. An explicit SetReadTimeout made while handling
// the previous message is left alone.
func (h *Handler) reapplyDefaultTimeout() {
	h.timeoutMu.Lock()
	if h.activeTimeout < 0 {
		h.activeTimeout = 0
	}
	h.timeoutMu.Unlock()
}

// IsRunning reports whether the loop is active.
func (h *Handler) IsRunning() bool {
	return atomic.LoadInt32(&h.running) == 1
}

// Start transitions Idle -> Running and launches the loop goroutine.
// Returns false if already running.
func (h *Handler) Start(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return false
	}
	h.doneMu.Lock()
	h.done = make(chan StopReason, 1)
	h.doneMu.Unlock()

	if h.AutoApplyTimeout {
		h.SetReadTimeout(0)
	}

	if h.OnReadLoopStart != nil {
		h.OnReadLoopStart()
	}
	go h.loop(ctx)
	return true
}

// Stop transitions Running -> Idle, optionally canceling a pending read.
func (h *Handler) Stop(cancelPendingRead bool) bool {
	if !atomic.CompareAndSwapInt32(&h.running, 1, 0) {
		return false
	}
	if cancelPendingRead {
		h.reader.CancelPendingRead()
	}
	return true
}

// StoppedReason blocks until the loop exits and returns why.
func (h *Handler) StoppedReason() StopReason {
	h.doneMu.Lock()
	ch := h.done
	h.doneMu.Unlock()
	if ch == nil {
		return StopNone
	}
	return <-ch
}

func (h *Handler) finish(reason StopReason) {
	atomic.StoreInt32(&h.running, 0)
	if h.OnReadLoopStop != nil {
		h.OnReadLoopStop(reason)
	}
	h.doneMu.Lock()
	ch := h.done
	h.doneMu.Unlock()
	if ch != nil {
		ch <- reason
	}
}

func (h *Handler) loop(ctx context.Context) {
	count := 0
	for atomic.LoadInt32(&h.running) == 1 {
		if h.AutoApplyTimeout {
			h.reapplyDefaultTimeout()
		}
		timeout := h.currentTimeout()

		// The active timeout rides its own token so it composes with a
		// cancellable caller context; the reader's per-call timeout
		// stays disabled.
		readCtx := ctx
		var readCancel context.CancelFunc
		if timeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, timeout)
		}
		msg, err := h.reader.ReadNext(readCtx, 0, nil)
		if readCancel != nil {
			readCancel()
		}
		h.SuspendReadTimeout()

		if err != nil {
			ourTimeout := readCancel != nil &&
				(err == context.DeadlineExceeded || err == context.Canceled) &&
				ctx.Err() == nil
			if ourTimeout || cherrors.IsTimeout(err) {
				if h.OnReadTimeout == nil || !h.OnReadTimeout() {
					h.finish(StopReadTimeout)
					return
				}
				continue
			}
			if h.OnUnhandledException == nil || !h.OnUnhandledException(err) {
				h.finish(StopUnhandledError)
				return
			}
			continue
		}

		if msg == nil {
			if h.reader.IsCompleted() {
				h.finish(StopOnReaderComplete)
				return
			}
			if !h.HandleCancelMessages || atomic.LoadInt32(&h.running) == 0 {
				continue
			}
		}

		handlingCtx := ctx
		var handlingCancel context.CancelFunc
		if h.HandlingTimeout > 0 {
			handlingCtx, handlingCancel = context.WithTimeout(ctx, h.HandlingTimeout)
		}
		ok := h.handle(handlingCtx, msg)
		timedOut := handlingCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		if handlingCancel != nil {
			handlingCancel()
		}
		if !ok {
			if timedOut && h.OnHandlingMessageTimeout != nil && h.OnHandlingMessageTimeout() {
				continue
			}
			h.finish(StopProcessMessage)
			return
		}

		count++
		if h.MaxMessages > 0 && count >= h.MaxMessages {
			h.finish(StopMaxMessageNumber)
			return
		}
	}
	h.finish(StopStoppedLoop)
}
