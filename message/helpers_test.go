package message_test

import (
	"context"
	"sync"

	"github.com/signature-opensource/ck-commchannel/stablepipe"
)

// loopback wires a stablepipe.Writer's flushed bytes directly to a
// stablepipe.Reader, modeling the in-memory transport's duplex pipe
// closely enough to exercise Message Reader/Writer framing end to end
// without pulling in the transport/memory package (which already has
// its own suite).
type loopback struct {
	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	closed   bool
	canceled bool
}

func newLoopback() *loopback {
	l := &loopback{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// sink side

type loopbackSink struct{ l *loopback }

func (s *loopbackSink) Write(ctx context.Context, p []byte) (int, error) {
	return len(p), nil
}

func (s *loopbackSink) Flush(ctx context.Context) (stablepipe.FlushResult, error) {
	return stablepipe.FlushResult{}, nil
}

func (s *loopbackSink) CancelPendingFlush() {}

func (s *loopbackSink) Complete(err error) error {
	s.l.mu.Lock()
	s.l.closed = true
	s.l.cond.Broadcast()
	s.l.mu.Unlock()
	return nil
}

// source side

type loopbackSource struct{ l *loopback }

func (s *loopbackSource) push(p []byte) {
	s.l.mu.Lock()
	s.l.chunks = append(s.l.chunks, append([]byte(nil), p...))
	s.l.cond.Broadcast()
	s.l.mu.Unlock()
}

func (s *loopbackSource) Read(ctx context.Context) (stablepipe.ReadResult, error) {
	s.l.mu.Lock()
	for len(s.l.chunks) == 0 && !s.l.closed && !s.l.canceled {
		s.l.cond.Wait()
	}
	if s.l.canceled {
		s.l.canceled = false
		s.l.mu.Unlock()
		return stablepipe.ReadResult{IsCanceled: true}, nil
	}
	if len(s.l.chunks) == 0 {
		s.l.mu.Unlock()
		return stablepipe.ReadResult{IsCompleted: true}, nil
	}
	chunk := s.l.chunks[0]
	s.l.chunks = s.l.chunks[1:]
	s.l.mu.Unlock()
	return stablepipe.ReadResult{Buffer: chunk}, nil
}

func (s *loopbackSource) AdvanceTo(consumed, examined int) error { return nil }

func (s *loopbackSource) CancelPendingRead() {
	s.l.mu.Lock()
	s.l.canceled = true
	s.l.cond.Broadcast()
	s.l.mu.Unlock()
}

func (s *loopbackSource) Complete(err error) error {
	s.l.mu.Lock()
	s.l.closed = true
	s.l.cond.Broadcast()
	s.l.mu.Unlock()
	return nil
}

// newLoopbackPair returns a Stable Writer whose flushed bytes become
// available, chunk per Flush call, to the returned Stable Reader.
func newLoopbackPair() (*stablepipe.Reader, *stablepipe.Writer) {
	l := newLoopback()
	src := &loopbackSource{l: l}
	sink := &loopbackSink{l: l}

	r := stablepipe.NewReader(nil, "test.reader")
	w := stablepipe.NewWriter(nil, "test.writer")
	r.SetInner(src, false)
	w.SetInner(sink, false)
	w.OnDataWritten(func(data []byte, _ *stablepipe.Writer) {
		src.push(data)
	})
	return r, w
}
