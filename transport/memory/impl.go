package memory

import (
	"context"
	"sync"
	"time"

	"github.com/signature-opensource/ck-commchannel/channel"
	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// Configuration is the channel.Configuration for the in-memory
// transport: an endpoint name plus the generic knobs the core applies
// directly to the Stable Reader/Writer.
type Configuration struct {
	EndpointName    string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RetryWriteCount int
	Reconnect       bool
}

var _ channel.Configuration = (*Configuration)(nil)

// CheckValid implements channel.Configuration.
func (c *Configuration) CheckValid() error {
	if c.EndpointName == "" {
		return cherrors.ErrConfiguration
	}
	return nil
}

// CanDynamicReconfigureWith implements channel.Configuration. Any
// difference in EndpointName forces a restart (a new peer pairing);
// everything else may change dynamically.
func (c *Configuration) CanDynamicReconfigureWith(other channel.Configuration) channel.ReconfigureKind {
	o, ok := other.(*Configuration)
	if !ok || o.EndpointName != c.EndpointName {
		return channel.ReconfigureRestart
	}
	if *o == *c {
		return channel.ReconfigureNone
	}
	return channel.ReconfigureDynamic
}

// CreateImpl implements channel.Configuration. canOpenConnection is
// accepted but not otherwise meaningful here: the transport never
// dials until InitialOpen is called, regardless of why the impl was
// created.
func (c *Configuration) CreateImpl(canOpenConnection bool) (channel.Impl, error) {
	return &impl{cfg: c}, nil
}

// DefaultReadTimeout implements channel.Configuration.
func (c *Configuration) DefaultReadTimeout() time.Duration { return c.ReadTimeout }

// DefaultWriteTimeout implements channel.Configuration.
func (c *Configuration) DefaultWriteTimeout() time.Duration { return c.WriteTimeout }

// DefaultRetryWriteCount implements channel.Configuration.
func (c *Configuration) DefaultRetryWriteCount() int { return c.RetryWriteCount }

// AutoReconnect implements channel.Configuration.
func (c *Configuration) AutoReconnect() bool { return c.Reconnect }

// impl is the channel.Impl for the in-memory transport: it connects to
// the named endpoint directory on InitialOpen and releases its half of
// the pair on Dispose.
type impl struct {
	mu   sync.Mutex
	cfg  *Configuration
	src  *memSource
	sink *memSink

	disposeOnce sync.Once
}

var _ channel.Impl = (*impl)(nil)

// InitialOpen implements channel.Impl.
func (i *impl) InitialOpen(ctx context.Context, onOpen func(src stablepipe.ByteSource, sink stablepipe.ByteSink, readerBehavior, writerBehavior stablepipe.Behavior)) error {
	i.mu.Lock()
	name := i.cfg.EndpointName
	i.mu.Unlock()

	src, sink, err := connect(name)
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.src, i.sink = src, sink
	i.mu.Unlock()

	onOpen(src, sink, nil, nil)
	return nil
}

// DynamicReconfigure implements channel.Impl.
func (i *impl) DynamicReconfigure(cfg channel.Configuration) error {
	c, ok := cfg.(*Configuration)
	if !ok {
		return cherrors.ErrConfiguration
	}
	i.mu.Lock()
	i.cfg = c
	i.mu.Unlock()
	return nil
}

// Dispose implements channel.Impl. Guarded by sync.Once so each owned
// half is released exactly once.
func (i *impl) Dispose() error {
	i.disposeOnce.Do(func() {
		i.mu.Lock()
		src, sink := i.src, i.sink
		i.mu.Unlock()
		if src != nil {
			_ = src.Complete(nil)
		}
		if sink != nil {
			_ = sink.Complete(nil)
		}
	})
	return nil
}
