package history

import (
	"context"
	"sync"
	"time"
)

// throttle spaces outbound writes at least interval apart and coalesces
// rapid requests into one trailing run. Each Schedule supersedes the pending
// timer instead of queueing a second run. Scheduled runs also count the
// throttle's creation as a write, so the first one after startup waits a full
// interval; explicit writes through wait only honour real writes.
type throttle struct {
	interval time.Duration
	clock    Clock
	run      func()

	mu      sync.Mutex
	start   time.Time
	last    time.Time // last successful write
	pending Timer
}

func newThrottle(interval time.Duration, clock Clock, run func()) *throttle {
	return &throttle{interval: interval, clock: clock, run: run, start: clock.Now()}
}

// remaining returns how long until the next write may happen.
func (t *throttle) remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remainingLocked(t.last)
}

func (t *throttle) remainingLocked(since time.Time) time.Duration {
	if since.IsZero() {
		return 0
	}

	wait := t.interval - t.clock.Now().Sub(since)
	if wait < 0 {
		return 0
	}

	return wait
}

// Schedule arranges for run to execute once the interval has elapsed,
// replacing any run already pending.
func (t *throttle) Schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
	}

	since := t.last
	if since.IsZero() {
		since = t.start
	}

	var timer Timer
	timer = t.clock.AfterFunc(t.remainingLocked(since), func() {
		t.mu.Lock()
		if t.pending == timer {
			t.pending = nil
		}
		t.mu.Unlock()

		t.run()
	})
	t.pending = timer
}

// cancelPending drops a scheduled run because the caller is about to write.
func (t *throttle) cancelPending() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// wait blocks until a write is allowed or ctx ends. Pending scheduled runs
// are superseded by the caller's write.
func (t *throttle) wait(ctx context.Context) error {
	t.cancelPending()

	d := t.remaining()
	if d <= 0 {
		return nil
	}

	ready := make(chan struct{})
	timer := t.clock.AfterFunc(d, func() { close(ready) })

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}

// markWritten records a successful write. Failed writes leave the previous
// mark so a retry is not delayed.
func (t *throttle) markWritten() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = t.clock.Now()
}

// hasPending reports whether a scheduled run is waiting.
func (t *throttle) hasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pending != nil
}
