package countdown

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestExpiresOnce(t *testing.T) {
	var expired atomic.Int32
	var ticks atomic.Int32

	tm := Start(time.Now().Add(30*time.Millisecond), 5*time.Millisecond,
		func(time.Duration) { ticks.Add(1) },
		func() { expired.Add(1) },
	)

	select {
	case <-tm.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not finish")
	}

	if got := expired.Load(); got != 1 {
		t.Errorf("expire calls = %d, want 1", got)
	}
	if ticks.Load() == 0 {
		t.Error("expected at least one tick")
	}
	if !tm.Fired() {
		t.Error("Fired() = false after expiry")
	}

	// Stopping after expiry is harmless.
	tm.Stop()
	tm.Stop()
}

func TestStopPreventsExpiry(t *testing.T) {
	var expired atomic.Int32

	tm := Start(time.Now().Add(50*time.Millisecond), 5*time.Millisecond, nil, func() { expired.Add(1) })
	tm.Stop()

	select {
	case <-tm.Done():
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	time.Sleep(80 * time.Millisecond)

	if got := expired.Load(); got != 0 {
		t.Errorf("expire calls = %d, want 0", got)
	}
}

func TestPastDeadlineExpiresImmediately(t *testing.T) {
	ch := make(chan struct{}, 2)
	tm := Start(time.Now().Add(-time.Second), time.Hour, nil, func() { ch <- struct{}{} })

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expiry not fired for past deadline")
	}
	<-tm.Done()
	if len(ch) != 0 {
		t.Error("expiry fired more than once")
	}
}

func TestStopFromExpiryCallback(t *testing.T) {
	var tm *Timer
	ready := make(chan struct{})
	fired := make(chan struct{})

	tm = Start(time.Now().Add(10*time.Millisecond), time.Millisecond, nil, func() {
		<-ready
		tm.Stop()
		close(fired)
	})
	close(ready)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Stop inside callback blocked")
	}
}
