package stablepipe_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signature-opensource/ck-commchannel/cherrors"
	"github.com/signature-opensource/ck-commchannel/stablepipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal ByteSource test double: each call to Read pops
// the next scripted result/error off a queue, blocking if the queue is
// empty until one is pushed or the read is canceled.
type fakeSource struct {
	mu        sync.Mutex
	queue     []fakeReadStep
	cond      *sync.Cond
	canceled  chan struct{}
	completed bool
}

type fakeReadStep struct {
	result stablepipe.ReadResult
	err    error
}

func newFakeSource() *fakeSource {
	s := &fakeSource{canceled: make(chan struct{}, 8)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *fakeSource) push(step fakeReadStep) {
	s.mu.Lock()
	s.queue = append(s.queue, step)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *fakeSource) Read(ctx context.Context) (stablepipe.ReadResult, error) {
	s.mu.Lock()
	for len(s.queue) == 0 {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return stablepipe.ReadResult{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		s.mu.Lock()
	}
	step := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	return step.result, step.err
}

func (s *fakeSource) AdvanceTo(consumed, examined int) error { return nil }

func (s *fakeSource) CancelPendingRead() {
	select {
	case s.canceled <- struct{}{}:
	default:
	}
}

func (s *fakeSource) Complete(err error) error {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	return nil
}

func Test_Reader_ReadsFromAttachedInner(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")
	src := newFakeSource()
	src.push(fakeReadStep{result: stablepipe.ReadResult{Buffer: []byte("hello")}})
	require.True(t, r.SetInner(src, false))

	res, err := r.ReadAsync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Buffer)
}

func Test_Reader_BlocksUntilInnerAttached(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")

	done := make(chan stablepipe.ReadResult, 1)
	go func() {
		res, err := r.ReadAsync(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	src := newFakeSource()
	src.push(fakeReadStep{result: stablepipe.ReadResult{Buffer: []byte("later")}})
	r.SetInner(src, false)

	select {
	case res := <-done:
		assert.Equal(t, []byte("later"), res.Buffer)
	case <-time.After(time.Second):
		t.Fatal("ReadAsync never unblocked after SetInner")
	}
}

func Test_Reader_AlreadyReading(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")
	src := newFakeSource()
	require.True(t, r.SetInner(src, false))

	go func() { _, _ = r.ReadAsync(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	_, err := r.ReadAsync(context.Background())
	assert.True(t, cherrors.Is(err, cherrors.ErrAlreadyReading))
}

func Test_Reader_SwappedInnerErrorIsSwallowed(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")
	stale := newFakeSource()
	require.True(t, r.SetInner(stale, false))

	fresh := newFakeSource()
	fresh.push(fakeReadStep{result: stablepipe.ReadResult{Buffer: []byte("fresh")}})

	resultCh := make(chan stablepipe.ReadResult, 1)
	go func() {
		res, err := r.ReadAsync(context.Background())
		require.NoError(t, err)
		resultCh <- res
	}()

	time.Sleep(10 * time.Millisecond)
	stale.push(fakeReadStep{err: assertErr})
	r.SetInner(fresh, false)

	select {
	case res := <-resultCh:
		assert.Equal(t, []byte("fresh"), res.Buffer)
	case <-time.After(time.Second):
		t.Fatal("ReadAsync never recovered from the stale inner's error")
	}
}

func Test_Reader_InnerCompletedDefaultsToComplete(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")
	src := newFakeSource()
	src.push(fakeReadStep{result: stablepipe.ReadResult{IsCompleted: true}})
	require.True(t, r.SetInner(src, false))

	res, err := r.ReadAsync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)

	ok, tryRes := r.TryRead()
	assert.True(t, ok)
	assert.True(t, tryRes.IsCompleted)
}

func Test_Reader_AdvanceToAfterSwapIsSwallowed(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")
	first := &recordingSource{fakeSource: newFakeSource()}
	first.push(fakeReadStep{result: stablepipe.ReadResult{Buffer: []byte("a")}})
	require.True(t, r.SetInner(first, false))

	_, err := r.ReadAsync(context.Background())
	require.NoError(t, err)

	second := newFakeSource()
	r.SetInner(second, false)

	first.advanceErr = assertErr
	err = r.AdvanceTo(1, 1)
	require.NoError(t, err)
	assert.True(t, first.advanceCalled)
}

// Test_Reader_DefaultTimeoutRaises checks an idle read against a source
// with nothing to deliver raises the synthesized timeout within the
// configured window, and a later read with a caller-supplied deadline
// still returns data that arrives before that deadline.
func Test_Reader_DefaultTimeoutRaises(t *testing.T) {
	r := stablepipe.NewReader(nil, "test")
	r.SetDefaultTimeout(100 * time.Millisecond)
	src := newFakeSource()
	require.True(t, r.SetInner(src, false))

	start := time.Now()
	_, err := r.ReadAsync(context.Background())
	elapsed := time.Since(start)
	assert.True(t, cherrors.IsTimeout(err), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)

	// A cancellable caller context takes over timeout responsibility.
	go func() {
		time.Sleep(80 * time.Millisecond)
		src.push(fakeReadStep{result: stablepipe.ReadResult{Buffer: []byte("late")}})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res, err := r.ReadAsync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), res.Buffer)
}

type recordingSource struct {
	*fakeSource
	advanceErr    error
	advanceCalled bool
}

func (s *recordingSource) AdvanceTo(consumed, examined int) error {
	s.advanceCalled = true
	return s.advanceErr
}

var assertErr = errors.New("stale inner blew up")
