// Package countdown drives the session timer. It ticks with the remaining
// time and fires its expiry callback at most once.
package countdown

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timer is one running countdown toward a fixed deadline.
type Timer struct {
	deadline time.Time
	stop     chan struct{}
	stopOnce sync.Once
	fired    atomic.Bool
	done     chan struct{}
}

// Start begins counting toward deadline. onTick receives the remaining time
// on every tick; onExpire runs once when the deadline passes, unless Stop
// was called first. Both callbacks run on the timer goroutine.
func Start(deadline time.Time, tick time.Duration, onTick func(time.Duration), onExpire func()) *Timer {
	if tick <= 0 {
		tick = time.Second
	}
	t := &Timer{
		deadline: deadline,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run(tick, onTick, onExpire)
	return t
}

func (t *Timer) run(tick time.Duration, onTick func(time.Duration), onExpire func()) {
	defer close(t.done)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		remaining := time.Until(t.deadline)
		if remaining <= 0 {
			if t.fired.CompareAndSwap(false, true) && onExpire != nil {
				select {
				case <-t.stop:
				default:
					onExpire()
				}
			}
			return
		}
		if onTick != nil {
			onTick(remaining)
		}

		expiry := time.NewTimer(remaining)
		select {
		case <-t.stop:
			expiry.Stop()
			return
		case <-ticker.C:
		case <-expiry.C:
		}
		expiry.Stop()
	}
}

// Stop halts the countdown. It never blocks and is safe to call from the
// expiry callback itself.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the timer goroutine has exited.
func (t *Timer) Done() <-chan struct{} { return t.done }

// Fired reports whether the expiry callback has been invoked.
func (t *Timer) Fired() bool { return t.fired.Load() }

// Deadline returns the instant the timer expires.
func (t *Timer) Deadline() time.Time { return t.deadline }
