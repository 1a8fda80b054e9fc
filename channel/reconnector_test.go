package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Test_Backoff_Schedule checks the back-off delays after successive
// failures are 100, 150, 250, 250, 500 (x6), 1000, 1000, ... ms.
func Test_Backoff_Schedule(t *testing.T) {
	want := []time.Duration{
		100 * time.Millisecond,
		150 * time.Millisecond,
		250 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
		1000 * time.Millisecond,
	}
	for i, d := range want {
		assert.Equal(t, d, backoff(i+1), "attempt %d", i+1)
	}
}

// Test_Reconnector_PlansSuccessiveAttempts checks planNext indexes the
// back-off table by attempt number and fires onTick with the right
// attempt count, using a fake timer so the test runs instantly.
func Test_Reconnector_PlansSuccessiveAttempts(t *testing.T) {
	orig := makeTimer
	defer func() { makeTimer = orig }()

	fired := make(chan time.Duration, 16)
	makeTimer = func(d time.Duration) (func() bool, <-chan time.Time) {
		fired <- d
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return func() bool { return true }, ch
	}

	ticks := make(chan int, 16)
	r := newReconnector(func(attempt int) { ticks <- attempt })
	defer r.dispose()

	r.planNext(0)
	select {
	case d := <-fired:
		assert.Equal(t, 100*time.Millisecond, d)
	case <-time.After(time.Second):
		t.Fatal("timer never scheduled")
	}
	select {
	case a := <-ticks:
		assert.Equal(t, 1, a)
	case <-time.After(time.Second):
		t.Fatal("onTick never fired")
	}

	r.planNext(1)
	select {
	case d := <-fired:
		assert.Equal(t, 150*time.Millisecond, d)
	case <-time.After(time.Second):
		t.Fatal("timer never scheduled")
	}
	select {
	case a := <-ticks:
		assert.Equal(t, 2, a)
	case <-time.After(time.Second):
		t.Fatal("onTick never fired")
	}
}

// Test_Reconnector_DisposeStopsFurtherTicks checks disposing the
// reconnector prevents a scheduled tick from reaching onTick.
func Test_Reconnector_DisposeStopsFurtherTicks(t *testing.T) {
	orig := makeTimer
	defer func() { makeTimer = orig }()

	ch := make(chan time.Time)
	makeTimer = func(d time.Duration) (func() bool, <-chan time.Time) {
		return func() bool { return true }, ch
	}

	ticks := make(chan int, 1)
	r := newReconnector(func(attempt int) { ticks <- attempt })
	r.planNext(0)
	r.dispose()
	close(ch)

	select {
	case <-ticks:
		t.Fatal("onTick fired after dispose")
	case <-time.After(50 * time.Millisecond):
	}
}
