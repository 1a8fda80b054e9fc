// Package tcp implements a ChannelImpl backed by a real TCP socket,
// either dialing out or accepting on a listener, with an optional
// hot-reloading TLS keypair.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/signature-opensource/ck-commchannel/channel"
	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/netutil"
	"github.com/signature-opensource/ck-commchannel/rest/tlsconfig"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// Mode selects whether the transport dials out or accepts connections.
type Mode int

const (
	// ModeDial opens an outbound connection to Address on each
	// (re)open attempt.
	ModeDial Mode = iota
	// ModeListen accepts one inbound connection at a time on a
	// listener bound to Address, kept alive across reopen attempts.
	ModeListen
)

// Configuration is the channel.Configuration for the TCP transport.
type Configuration struct {
	Mode            Mode
	Address         string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RetryWriteCount int
	Reconnect       bool

	// TLSCertFile / TLSKeyFile, if both set, upgrade the connection to
	// TLS. TLSRootsFile is optional. TLSReloadInterval > 0 enables a
	// KeypairReloader (rest/tlsconfig) so the certificate can rotate on
	// disk without tearing the listener/connection down.
	TLSCertFile       string
	TLSKeyFile        string
	TLSRootsFile      string
	TLSReloadInterval time.Duration

	mu       sync.Mutex
	listener net.Listener
	reloader *tlsconfig.KeypairReloader
}

var _ channel.Configuration = (*Configuration)(nil)

// CheckValid implements channel.Configuration.
func (c *Configuration) CheckValid() error {
	if err := netutil.ValidateAddress(c.Address); err != nil {
		return cherrors.ErrConfiguration
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return cherrors.ErrConfiguration
	}
	return nil
}

// CanDynamicReconfigureWith implements channel.Configuration. A change
// to Mode, Address or the TLS material forces a restart; the generic
// knobs may change dynamically.
func (c *Configuration) CanDynamicReconfigureWith(other channel.Configuration) channel.ReconfigureKind {
	o, ok := other.(*Configuration)
	if !ok ||
		o.Mode != c.Mode ||
		o.Address != c.Address ||
		o.TLSCertFile != c.TLSCertFile ||
		o.TLSKeyFile != c.TLSKeyFile ||
		o.TLSRootsFile != c.TLSRootsFile {
		return channel.ReconfigureRestart
	}
	if o.DialTimeout == c.DialTimeout &&
		o.ReadTimeout == c.ReadTimeout &&
		o.WriteTimeout == c.WriteTimeout &&
		o.RetryWriteCount == c.RetryWriteCount &&
		o.Reconnect == c.Reconnect &&
		o.TLSReloadInterval == c.TLSReloadInterval {
		return channel.ReconfigureNone
	}
	return channel.ReconfigureDynamic
}

// CreateImpl implements channel.Configuration.
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

// Close releases the listener (and keypair reloader, if any) bound by
// ModeListen. The channel's reopen loop never calls this on its own;
// the listener is deliberately kept alive across reopen attempts so a
// restarted peer can reconnect to the same port. Callers must invoke
// it themselves once the Configuration is retired for good.
func (c *Configuration) Close() error {
	c.mu.Lock()
	ln := c.listener
	reloader := c.reloader
	c.listener = nil
	c.reloader = nil
	c.mu.Unlock()

	if reloader != nil {
		_ = reloader.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (c *Configuration) ensureListener() (net.Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return c.listener, nil
	}

	if c.TLSCertFile == "" {
		ln, err := net.Listen("tcp", c.Address)
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.listener = ln
		return ln, nil
	}

	if c.TLSReloadInterval > 0 {
		tlsCfg, reloader, err := tlsconfig.NewServerTLSWithReloader(
			c.TLSCertFile, c.TLSKeyFile, c.TLSRootsFile, 0, c.TLSReloadInterval)
		if err != nil {
			return nil, errors.Trace(err)
		}
		ln, err := net.Listen("tcp", c.Address)
		if err != nil {
			_ = reloader.Close()
			return nil, errors.Trace(err)
		}
		c.reloader = reloader
		c.listener = tls.NewListener(ln, tlsCfg)
		return c.listener, nil
	}

	tlsCfg, err := tlsconfig.NewServerTLSFromFiles(c.TLSCertFile, c.TLSKeyFile, c.TLSRootsFile, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ln, err := net.Listen("tcp", c.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c.listener = tls.NewListener(ln, tlsCfg)
	return c.listener, nil
}

// impl is the channel.Impl for the TCP transport.
type impl struct {
	mu   sync.Mutex
	cfg  *Configuration
	conn net.Conn

	disposeOnce sync.Once
}

var _ channel.Impl = (*impl)(nil)

// InitialOpen implements channel.Impl.
func (i *impl) InitialOpen(ctx context.Context, onOpen func(src stablepipe.ByteSource, sink stablepipe.ByteSink, readerBehavior, writerBehavior stablepipe.Behavior)) error {
	i.mu.Lock()
	cfg := i.cfg
	i.mu.Unlock()

	conn, err := i.dialOrAccept(ctx, cfg)
	if err != nil {
		if netutil.IsAddrInUse(err) {
			return cherrors.TransportError(errors.Annotate(err, "address in use"))
		}
		return cherrors.TransportError(err)
	}

	i.mu.Lock()
	i.conn = conn
	i.mu.Unlock()

	onOpen(newNetSource(conn), newNetSink(conn), nil, nil)
	return nil
}

func (i *impl) dialOrAccept(ctx context.Context, cfg *Configuration) (net.Conn, error) {
	switch cfg.Mode {
	case ModeListen:
		ln, err := cfg.ensureListener()
		if err != nil {
			return nil, err
		}
		return acceptContext(ctx, ln)
	default:
		dialer := &net.Dialer{Timeout: cfg.DialTimeout}
		if cfg.TLSCertFile == "" {
			return dialer.DialContext(ctx, "tcp", cfg.Address)
		}
		tlsCfg, err := tlsconfig.NewClientTLSFromFiles(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSRootsFile)
		if err != nil {
			return nil, err
		}
		rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}

// acceptContext bounds ln.Accept with ctx. A connection accepted after
// the deadline is closed rather than leaked.
func acceptContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
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

// Dispose implements channel.Impl: it closes only the current
// connection. The listener (ModeListen) deliberately outlives reopen
// attempts; see Configuration.Close.
func (i *impl) Dispose() error {
	i.disposeOnce.Do(func() {
		i.mu.Lock()
		conn := i.conn
		i.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}
