// Package bus carries process-wide signals between the channel and the
// capture machine without either holding a reference to the other.
package bus

import "sync"

// Event identifies a broadcast signal. Events carry no payload.
type Event int

const (
	// StartListening asks the capture machine to begin a session. Fired
	// after a spoken question finishes playing.
	StartListening Event = iota
	// TurnComplete announces that the agent finished its turn.
	TurnComplete
)

func (e Event) String() string {
	switch e {
	case StartListening:
		return "start-listening"
	case TurnComplete:
		return "turn-complete"
	}
	return "unknown"
}

type Bus struct {
	mu   sync.Mutex
	subs map[Event][]chan struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[Event][]chan struct{})}
}

// Subscribe returns a signal channel for ev plus a cancel func that releases
// it. The channel is buffered one deep; publishing while an earlier signal
// is still unread coalesces the two.
func (b *Bus) Subscribe(ev Event) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ev] = append(b.subs[ev], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[ev]
		for i, c := range list {
			if c == ch {
				b.subs[ev] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Publish signals every subscriber of ev without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
