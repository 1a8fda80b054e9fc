package memory

import (
	"context"
	"sync"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// memSource is the ByteSource half of a connected pair.
type memSource struct {
	in      <-chan []byte
	severed <-chan struct{}

	mu         sync.Mutex
	completed  bool
	cancelCh   chan struct{}
	cancelOnce *sync.Once
}

func newMemSource(in <-chan []byte, severed <-chan struct{}) *memSource {
	return &memSource{in: in, severed: severed}
}

func (s *memSource) Read(ctx context.Context) (stablepipe.ReadResult, error) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return stablepipe.ReadResult{IsCompleted: true}, nil
	}
	cancelCh := make(chan struct{})
	s.cancelCh = cancelCh
	s.cancelOnce = &sync.Once{}
	s.mu.Unlock()

	select {
	case <-s.severed:
		return stablepipe.ReadResult{}, cherrors.TransportError(errEndpointSevered)
	default:
	}

	select {
	case buf, ok := <-s.in:
		if !ok {
			s.mu.Lock()
			s.completed = true
			s.mu.Unlock()
			return stablepipe.ReadResult{IsCompleted: true}, nil
		}
		return stablepipe.ReadResult{Buffer: buf}, nil
	case <-s.severed:
		return stablepipe.ReadResult{}, cherrors.TransportError(errEndpointSevered)
	case <-cancelCh:
		return stablepipe.ReadResult{IsCanceled: true}, nil
	case <-ctx.Done():
		return stablepipe.ReadResult{}, ctx.Err()
	}
}

// AdvanceTo is a no-op: each Read already returns one self-contained
// chunk handed over by the peer's Write, so there is no partially
// consumed buffer for this transport to retain.
func (s *memSource) AdvanceTo(consumed, examined int) error { return nil }

func (s *memSource) CancelPendingRead() {
	s.mu.Lock()
	ch, once := s.cancelCh, s.cancelOnce
	s.mu.Unlock()
	if ch == nil || once == nil {
		return
	}
	once.Do(func() { close(ch) })
}

func (s *memSource) Complete(err error) error {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	return nil
}

// memSink is the ByteSink half of a connected pair.
type memSink struct {
	out     chan<- []byte
	severed <-chan struct{}

	mu        sync.Mutex
	completed bool
}

func newMemSink(out chan<- []byte, severed <-chan struct{}) *memSink {
	return &memSink{out: out, severed: severed}
}

func (s *memSink) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	completed := s.completed
	s.mu.Unlock()
	if completed {
		return 0, cherrors.ErrInvalidOperationWriter
	}

	select {
	case <-s.severed:
		return 0, cherrors.TransportError(errEndpointSevered)
	default:
	}

	buf := append([]byte(nil), p...)
	select {
	case s.out <- buf:
		return len(p), nil
	case <-s.severed:
		return 0, cherrors.TransportError(errEndpointSevered)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Flush is a no-op: Write already hands bytes to the peer's channel, so
// there is nothing buffered locally left to push out.
func (s *memSink) Flush(ctx context.Context) (stablepipe.FlushResult, error) {
	s.mu.Lock()
	completed := s.completed
	s.mu.Unlock()
	return stablepipe.FlushResult{IsCompleted: completed}, nil
}

// CancelPendingFlush is a no-op for the same reason: Flush never
// blocks, so there is nothing in flight to cancel.
func (s *memSink) CancelPendingFlush() {}

func (s *memSink) Complete(err error) error {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	return nil
}
