// Package capture turns gestures and recognizer output into user prompts:
// a state machine owns the listening session, an auto-stop watchdog ends it
// after silence, and a gesture discriminator separates taps from long
// presses.
package capture

import "sync"

// EventKind tags one engine event.
type EventKind int

const (
	// EventInterim is a provisional transcript for the in-flight utterance.
	EventInterim EventKind = iota
	// EventFinal is a committed transcript fragment.
	EventFinal
	// EventLevel is a microphone level update in [0,1].
	EventLevel
	// EventWarn is a user-visible notice, e.g. no voice detected.
	EventWarn
	// EventEnd reports that the engine finished a session: every fragment
	// for it has been delivered.
	EventEnd
	// EventError reports a session that died. No EventEnd follows.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventLevel:
		return "level"
	case EventWarn:
		return "warn"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Event struct {
	Kind  EventKind
	Text  string
	Level float64
	Err   error
}

// Engine is the capture backend: microphone plus recognizer. Start and Stop
// bracket one session; events for it arrive on Events until EventEnd or
// EventError. Stop is asynchronous: committed fragments already in flight
// are still delivered before EventEnd.
type Engine interface {
	Start(language string) error
	Stop()
	Events() <-chan Event
}

// FakeEngine scripts engine behavior for tests and headless runs.
type FakeEngine struct {
	events chan Event

	mu       sync.Mutex
	running  bool
	startErr error
	holdEnd  bool
	language string
	starts   int
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{events: make(chan Event, 64)}
}

// FailStart makes the next Start calls return err.
func (f *FakeEngine) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// HoldEnd stops Stop from emitting EventEnd on its own, so the driver can
// slip trailing fragments in first and end the session with EndSession.
func (f *FakeEngine) HoldEnd(hold bool) {
	f.mu.Lock()
	f.holdEnd = hold
	f.mu.Unlock()
}

func (f *FakeEngine) Start(language string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.language = language
	f.starts++
	return nil
}

func (f *FakeEngine) Stop() {
	f.mu.Lock()
	running := f.running
	f.running = false
	hold := f.holdEnd
	f.mu.Unlock()
	if running && !hold {
		f.push(Event{Kind: EventEnd})
	}
}

func (f *FakeEngine) Events() <-chan Event { return f.events }

func (f *FakeEngine) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Language reports what the last Start asked for.
func (f *FakeEngine) Language() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.language
}

func (f *FakeEngine) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Driver methods below inject events as a live session would.

func (f *FakeEngine) Interim(text string) { f.push(Event{Kind: EventInterim, Text: text}) }

func (f *FakeEngine) Final(text string) { f.push(Event{Kind: EventFinal, Text: text}) }

func (f *FakeEngine) Level(level float64) { f.push(Event{Kind: EventLevel, Level: level}) }

func (f *FakeEngine) Warn(text string) { f.push(Event{Kind: EventWarn, Text: text}) }

// EndSession emits EventEnd, ending the session from the engine side.
func (f *FakeEngine) EndSession() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.push(Event{Kind: EventEnd})
}

// Fail emits EventError, killing the session from the engine side.
func (f *FakeEngine) Fail(err error) {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.push(Event{Kind: EventError, Err: err})
}

func (f *FakeEngine) push(ev Event) {
	select {
	case f.events <- ev:
	default:
	}
}
