package channel

import (
	"context"
	"time"

	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// Impl is the transport boundary the Channel supervisor consumes.
// Transport packages (transport/memory, transport/tcp, ...) each
// provide one.
type Impl interface {
	// InitialOpen attempts to establish the transport. It MUST either
	// call onOpen with a non-nil source/sink pair or return an error;
	// returning nil without calling onOpen is treated as failure.
	InitialOpen(ctx context.Context, onOpen func(src stablepipe.ByteSource, sink stablepipe.ByteSink, readerBehavior, writerBehavior stablepipe.Behavior)) error
	// DynamicReconfigure applies cfg in place, without tearing the
	// transport down. No context is provided; the impl is responsible
	// for its own timeout.
	DynamicReconfigure(cfg Configuration) error
	// Dispose releases all transport resources.
	Dispose() error
}

// PreOpened is implemented by impls whose transport already exists when
// the impl is created (an accepted connection handed over, a loopback
// pair built in advance). The channel attaches such pipes synchronously
// at construction instead of scheduling a background open.
type PreOpened interface {
	// Pipes returns the ready source/sink pair (and optional behaviors);
	// ok is false when the impl has nothing to offer yet.
	Pipes() (src stablepipe.ByteSource, sink stablepipe.ByteSink, readerBehavior, writerBehavior stablepipe.Behavior, ok bool)
}

// ReconfigureKind is the result of Configuration.CanDynamicReconfigureWith.
type ReconfigureKind int

const (
	// ReconfigureNone means the two configurations are identical.
	ReconfigureNone ReconfigureKind = iota
	// ReconfigureDynamic means the impl can apply the change in place.
	ReconfigureDynamic
	// ReconfigureRestart means the channel must close and reopen.
	ReconfigureRestart
)

// Configuration is the factory/validation boundary the Channel
// supervisor consumes.
type Configuration interface {
	// CheckValid validates the configuration.
	CheckValid() error
	// CanDynamicReconfigureWith classifies a transition to other.
	CanDynamicReconfigureWith(other Configuration) ReconfigureKind
	// CreateImpl builds a new Impl. When canOpenConnection is false the
	// impl MUST return an unopened instance (InitialOpen must not be
	// called until the channel is ready to retry).
	CreateImpl(canOpenConnection bool) (Impl, error)

	// DefaultReadTimeout / DefaultWriteTimeout / DefaultRetryWriteCount
	// / AutoReconnect are the generic knobs the channel applies
	// directly to its Stable Reader/Writer, independent of transport.
	DefaultReadTimeout() time.Duration
	DefaultWriteTimeout() time.Duration
	DefaultRetryWriteCount() int
	AutoReconnect() bool
}
