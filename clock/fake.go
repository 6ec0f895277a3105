package clock

import (
	"sync"
	"time"
)

// Fake is a manual clock for tests. Time stands still until Advance is
// called; everything due by the new time fires in deadline order, so tests
// never sleep to observe timed behavior.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	seq     int
}

type waiter struct {
	clk      *Fake
	deadline time.Time
	period   time.Duration // 0 for one-shot
	ch       chan time.Time
	fn       func()
	dead     bool
	seq      int
}

// NewFake returns a Fake frozen at a fixed arbitrary instant.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(d, 0, nil).ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTimer{f.add(d, 0, fn)}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeTicker{f.add(d, d, nil)}
}

func (f *Fake) Sleep(d time.Duration) { <-f.After(d) }

// add registers a waiter. Callers hold mu.
func (f *Fake) add(d, period time.Duration, fn func()) *waiter {
	f.seq++
	w := &waiter{
		clk:      f,
		deadline: f.now.Add(d),
		period:   period,
		ch:       make(chan time.Time, 1),
		fn:       fn,
		seq:      f.seq,
	}
	f.waiters = append(f.waiters, w)
	return w
}

// Advance moves the clock forward by d. Due waiters fire one at a time in
// deadline order (ties by creation order); AfterFunc callbacks run on the
// calling goroutine, and may themselves arm timers that fire within the
// same window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.next(target)
		if w == nil {
			break
		}
		f.now = w.deadline
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			w.dead = true
			f.remove(w)
		}
		if w.fn != nil {
			f.mu.Unlock()
			w.fn()
			f.mu.Lock()
		} else {
			select {
			case w.ch <- f.now:
			default:
			}
		}
	}
	f.now = target
	f.mu.Unlock()
}

// next returns the earliest live waiter due by target, or nil.
func (f *Fake) next(target time.Time) *waiter {
	var best *waiter
	for _, w := range f.waiters {
		if w.dead || w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

func (f *Fake) remove(w *waiter) {
	for i, x := range f.waiters {
		if x == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// PendingCount reports how many timers and tickers are armed.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.dead {
			n++
		}
	}
	return n
}

// WaitForTimers blocks until at least n waiters are armed. Tests use it to
// sync with goroutines that schedule work before advancing the clock.
func (f *Fake) WaitForTimers(n int) {
	for f.PendingCount() < n {
		time.Sleep(time.Millisecond)
	}
}

func (w *waiter) halt() bool {
	w.clk.mu.Lock()
	defer w.clk.mu.Unlock()
	if w.dead {
		return false
	}
	w.dead = true
	w.clk.remove(w)
	return true
}

type fakeTimer struct{ w *waiter }

func (t fakeTimer) Stop() bool { return t.w.halt() }

type fakeTicker struct{ w *waiter }

func (t fakeTicker) C() <-chan time.Time { return t.w.ch }
func (t fakeTicker) Stop()               { t.w.halt() }
