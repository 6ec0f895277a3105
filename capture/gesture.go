package capture

import (
	"sync"
	"time"

	"orb/clock"
)

// DefaultLongPress is how long a press must be held to count as a long
// press instead of a tap.
const DefaultLongPress = 500 * time.Millisecond

// Gesture splits a press-and-release pair into exactly one of two outcomes:
// a release before the hold threshold fires onTap, holding past it fires
// onLong and swallows the release. A long press never also toggles.
type Gesture struct {
	clk   clock.Clock
	delay time.Duration

	onTap  func()
	onLong func()

	mu        sync.Mutex
	pressed   bool
	longFired bool
	timer     clock.Timer
}

func NewGesture(clk clock.Clock, delay time.Duration, onTap, onLong func()) *Gesture {
	if clk == nil {
		clk = clock.Real()
	}
	if delay <= 0 {
		delay = DefaultLongPress
	}
	if onTap == nil {
		onTap = func() {}
	}
	if onLong == nil {
		onLong = func() {}
	}
	return &Gesture{clk: clk, delay: delay, onTap: onTap, onLong: onLong}
}

// Press starts the hold timer. Repeat events while held are ignored.
func (g *Gesture) Press() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pressed {
		return
	}
	g.pressed = true
	g.longFired = false
	g.timer = g.clk.AfterFunc(g.delay, g.fireLong)
}

// Release ends the press: a tap if the hold timer has not fired, nothing
// more if it has.
func (g *Gesture) Release() {
	g.mu.Lock()
	if !g.pressed {
		g.mu.Unlock()
		return
	}
	g.pressed = false
	timer := g.timer
	g.timer = nil
	fired := g.longFired
	g.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if !fired {
		g.onTap()
	}
}

func (g *Gesture) fireLong() {
	g.mu.Lock()
	if !g.pressed || g.longFired {
		g.mu.Unlock()
		return
	}
	g.longFired = true
	g.mu.Unlock()
	g.onLong()
}
