package scheduler

import (
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the loop needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock creates timers. Tests swap in a FakeClock to drive ticks by hand.
type Clock interface {
	NewTimer(d time.Duration) Timer
}

// RealClock is backed by the time package.
type RealClock struct{}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// NewTimer returns a wall clock timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

// FakeClock is a manually advanced Clock. Timers fire only from Advance.
type FakeClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	c        chan time.Time
}

// NewFakeClock starts at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	fc := &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	fc.cond = sync.NewCond(&fc.mu)
	return fc
}

// NewTimer registers a timer that fires once the clock passes now+d.
func (fc *FakeClock) NewTimer(d time.Duration) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	t := &fakeTimer{clock: fc, deadline: fc.now.Add(d), c: make(chan time.Time, 1)}
	if d <= 0 {
		t.c <- fc.now
		return t
	}
	fc.pending = append(fc.pending, t)
	fc.cond.Broadcast()
	return t
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	fc := t.clock
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for i, p := range fc.pending {
		if p == t {
			fc.pending = append(fc.pending[:i], fc.pending[i+1:]...)
			fc.cond.Broadcast()
			return true
		}
	}
	return false
}

// Now returns the fake time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// Advance moves time forward and fires every timer that became due.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)
	kept := fc.pending[:0]
	for _, t := range fc.pending {
		if t.deadline.After(fc.now) {
			kept = append(kept, t)
			continue
		}
		t.c <- fc.now
	}
	fc.pending = kept
	fc.cond.Broadcast()
}

// BlockUntil waits until at least n timers are pending.
func (fc *FakeClock) BlockUntil(n int) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for len(fc.pending) < n {
		fc.cond.Wait()
	}
}

// Pending reports how many timers have not fired or been stopped.
func (fc *FakeClock) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.pending)
}
