package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// netSource is the ByteSource side of a connected net.Conn. Cancellation
// is implemented the way net.Conn itself supports it: by forcing a read
// deadline, since net.Conn.Read has no context parameter to pass
// through directly.
type netSource struct {
	conn net.Conn

	mu         sync.Mutex
	completed  bool
	cancelCh   chan struct{}
	cancelOnce *sync.Once
}

func newNetSource(conn net.Conn) *netSource {
	return &netSource{conn: conn}
}

func (s *netSource) Read(ctx context.Context) (stablepipe.ReadResult, error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return stablepipe.ReadResult{IsCompleted: true}, nil
	}
	cancelCh := make(chan struct{})
	s.cancelCh = cancelCh
	s.cancelOnce = &sync.Once{}
	s.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 32*1024)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.conn.Read(buf)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return s.resolveRead(buf, r.n, r.err)
	case <-cancelCh:
		_ = s.conn.SetReadDeadline(time.Now())
		<-done
		return stablepipe.ReadResult{IsCanceled: true}, nil
	case <-ctx.Done():
		_ = s.conn.SetReadDeadline(time.Now())
		<-done
		return stablepipe.ReadResult{}, ctx.Err()
	}
}

func (s *netSource) resolveRead(buf []byte, n int, err error) (stablepipe.ReadResult, error) {
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return stablepipe.ReadResult{}, context.DeadlineExceeded
		}
		if err == io.EOF {
			s.mu.Lock()
			s.completed = true
			s.mu.Unlock()
			return stablepipe.ReadResult{IsCompleted: true}, nil
		}
		return stablepipe.ReadResult{}, cherrors.TransportError(err)
	}
	return stablepipe.ReadResult{Buffer: append([]byte(nil), buf[:n]...)}, nil
}

// AdvanceTo is a no-op: each Read already returns only the bytes the
// kernel handed back, so there is nothing partially consumed to track.
func (s *netSource) AdvanceTo(consumed, examined int) error { return nil }

func (s *netSource) CancelPendingRead() {
	s.mu.Lock()
	ch, once := s.cancelCh, s.cancelOnce
	s.mu.Unlock()
	if ch == nil || once == nil {
		return
	}
	once.Do(func() { close(ch) })
}

func (s *netSource) Complete(err error) error {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	_ = s.conn.Close()
	return nil
}

// netSink is the ByteSink side of a connected net.Conn.
type netSink struct {
	conn net.Conn

	mu        sync.Mutex
	completed bool
}

func newNetSink(conn net.Conn) *netSink {
	return &netSink{conn: conn}
}

func (s *netSink) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	completed := s.completed
	s.mu.Unlock()
	if completed {
		return 0, cherrors.ErrInvalidOperationWriter
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.conn.Write(p)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ne, ok := r.err.(net.Error); ok && ne.Timeout() {
				return r.n, context.DeadlineExceeded
			}
			return r.n, cherrors.TransportError(r.err)
		}
		return r.n, nil
	case <-ctx.Done():
		_ = s.conn.SetWriteDeadline(time.Now())
		<-done
		return 0, ctx.Err()
	}
}

// Flush is a no-op: Write already hands bytes straight to the kernel
// socket buffer, so there is nothing buffered at this layer to push.
func (s *netSink) Flush(ctx context.Context) (stablepipe.FlushResult, error) {
	s.mu.Lock()
	completed := s.completed
	s.mu.Unlock()
	return stablepipe.FlushResult{IsCompleted: completed}, nil
}

// CancelPendingFlush is a no-op for the same reason Flush never blocks.
func (s *netSink) CancelPendingFlush() {}

func (s *netSink) Complete(err error) error {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	_ = s.conn.Close()
	return nil
}
