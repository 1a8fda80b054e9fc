package stablepipe_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink is a minimal ByteSink test double recording every Write and
// letting a test script the outcome of Flush.
type fakeSink struct {
	mu          sync.Mutex
	written     [][]byte
	flushResult stablepipe.FlushResult
	flushErr    error
	flushedN    int
	failWrites  int // number of Write calls to fail before succeeding
	block       chan struct{}
}

func (s *fakeSink) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return 0, assertErr
	}
	cp := append([]byte(nil), p...)
	s.written = append(s.written, cp)
	return len(p), nil
}

func (s *fakeSink) Flush(ctx context.Context) (stablepipe.FlushResult, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushedN++
	return s.flushResult, s.flushErr
}

func (s *fakeSink) CancelPendingFlush() {}

func (s *fakeSink) Complete(err error) error { return nil }

func (s *fakeSink) all() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, w := range s.written {
		out = append(out, w...)
	}
	return out
}

func Test_Writer_EmptyBufferFlushIsNoop(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	res, err := w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsCompleted)
}

func Test_Writer_FlushSendsBufferedData(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	sink := &fakeSink{}
	require.True(t, w.SetInner(sink, false))

	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)

	var written []byte
	w.OnDataWritten(func(data []byte, _ *stablepipe.Writer) {
		written = append([]byte(nil), data...)
	})

	res, err := w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsCanceled)
	assert.Equal(t, []byte("hello"), sink.all())
	assert.Equal(t, []byte("hello"), written)

	// buffer is discarded after a successful flush
	res, err = w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stablepipe.FlushResult{}, res)
	assert.Equal(t, []byte("hello"), sink.all())
}

func Test_Writer_BlocksUntilInnerAttached(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	_, _ = w.Write([]byte("queued"))

	done := make(chan stablepipe.FlushResult, 1)
	go func() {
		res, err := w.FlushAsync(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	sink := &fakeSink{}
	w.SetInner(sink, false)

	select {
	case <-done:
		assert.Equal(t, []byte("queued"), sink.all())
	case <-time.After(time.Second):
		t.Fatal("FlushAsync never unblocked after SetInner")
	}
}

func Test_Writer_AlreadyWriting(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	sink := &fakeSink{block: make(chan struct{})}
	require.True(t, w.SetInner(sink, false))
	_, _ = w.Write([]byte("x"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = w.FlushAsync(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := w.FlushAsync(context.Background())
	assert.True(t, cherrors.Is(err, cherrors.ErrAlreadyWriting))

	close(sink.block)
	wg.Wait()
}

func Test_Writer_ResumesFromFlushedPositionOnSameSink(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	sink := &fakeSink{}
	require.True(t, w.SetInner(sink, false))

	_, _ = w.Write([]byte("part1"))
	_, err := w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("part1"), sink.all())

	_, _ = w.Write([]byte("part2"))
	_, err = w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("part1part2"), sink.all())
}

// deadlineSink blocks every Flush until the context expires, then honors
// the deadline error, so a test can provoke the writer's flush timeout.
type deadlineSink struct {
	fakeSink
	timeouts int32
}

func (s *deadlineSink) Flush(ctx context.Context) (stablepipe.FlushResult, error) {
	<-ctx.Done()
	atomic.AddInt32(&s.timeouts, 1)
	return stablepipe.FlushResult{}, ctx.Err()
}

// Test_Writer_BufferPreservedAcrossTimeout checks a flush that times out
// (behavior throwing) leaves the buffer intact, and a later successful
// flush against a fresh sink emits the original bytes exactly once.
func Test_Writer_BufferPreservedAcrossTimeout(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	w.SetDefaultTimeout(50 * time.Millisecond)
	slow := &deadlineSink{}
	require.True(t, w.SetInner(slow, false))

	_, _ = w.Write([]byte("keepme"))
	_, err := w.FlushAsync(context.Background())
	assert.True(t, cherrors.IsTimeout(err), "got %v", err)
	assert.Equal(t, []byte("keepme"), w.Buffered())

	good := &fakeSink{}
	require.True(t, w.SetInner(good, false))
	_, err = w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("keepme"), good.all())
	assert.Empty(t, w.Buffered())
}

func Test_Writer_InnerCompletedDefaultsToComplete(t *testing.T) {
	w := stablepipe.NewWriter(nil, "test")
	sink := &fakeSink{flushResult: stablepipe.FlushResult{IsCompleted: true}}
	require.True(t, w.SetInner(sink, false))
	_, _ = w.Write([]byte("x"))

	res, err := w.FlushAsync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
	assert.True(t, w.IsCompleted())
}
