package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orb/bus"
	"orb/clock"
	"orb/log"
	"orb/settings"
)

// watchdogTick is how often a live session is checked against the auto-stop
// timeout, bounding the extra latency past the configured silence window.
const watchdogTick = 500 * time.Millisecond

// PromptSender routes a finished transcript to the agent.
type PromptSender interface {
	SendUserPrompt(text string) error
}

// Sink receives machine output for display. Calls come from the machine's
// run goroutine and must not block.
type Sink interface {
	ListeningChanged(on bool)
	WaitingChanged(on bool)
	TranscriptChanged(text string)
	LevelChanged(level float64)
	Notice(text string)
	CaptureError(err error)
}

type noopSink struct{}

func (noopSink) ListeningChanged(bool)    {}
func (noopSink) WaitingChanged(bool)      {}
func (noopSink) TranscriptChanged(string) {}
func (noopSink) LevelChanged(float64)     {}
func (noopSink) Notice(string)            {}
func (noopSink) CaptureError(error)       {}

type Config struct {
	Engine Engine
	Clock  clock.Clock
	Bus    *bus.Bus

	// Settings is read at session start and on every watchdog check, so
	// language and auto-stop changes take effect without a restart.
	Settings func() settings.Settings

	Prompts PromptSender
	Sink    Sink
}

type machineState int

const (
	stIdle machineState = iota
	stListening
	stStopping
)

type command int

const (
	cmdToggle command = iota
	cmdStart
	cmdStop
)

// Machine owns the listening session: it starts and stops the engine,
// accumulates committed transcript fragments, stops itself after the
// configured silence window, and flushes the result as one user prompt.
// All session state lives on a single run goroutine; the exported methods
// only post commands to it.
type Machine struct {
	cfg Config

	cmds      chan command
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	listening bool
	waiting   bool

	// Run-goroutine state, touched nowhere else.
	st          machineState
	sessionID   string
	accumulated string
	interim     string
	lastSpeech  time.Time
	stopReason  string
	ticker      clock.Ticker
}

func New(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	if cfg.Settings == nil {
		cfg.Settings = func() settings.Settings {
			return settings.Settings{
				Language:        settings.DefaultLanguage,
				AutoStopTimeout: settings.DefaultAutoStopTimeout,
				AutoStopEnabled: true,
			}
		}
	}
	m := &Machine{
		cfg:    cfg,
		cmds:   make(chan command, 8),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	// Subscribe before the run goroutine exists: Publish is fire-and-forget,
	// so a start-listening landing right after New must already have a
	// subscriber.
	startCh, cancelStart := cfg.Bus.Subscribe(bus.StartListening)
	turnCh, cancelTurn := cfg.Bus.Subscribe(bus.TurnComplete)
	go m.run(startCh, cancelStart, turnCh, cancelTurn)
	return m
}

// Toggle starts listening when idle and stops the live session otherwise.
// Tap gestures land here.
func (m *Machine) Toggle() { m.send(cmdToggle) }

// Start begins a session if none is live.
func (m *Machine) Start() { m.send(cmdStart) }

// Stop ends the live session and flushes its transcript.
func (m *Machine) Stop() { m.send(cmdStop) }

func (m *Machine) send(c command) {
	select {
	case m.cmds <- c:
	case <-m.closed:
	}
}

func (m *Machine) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// Waiting reports whether a prompt is out with no turn-complete back yet.
func (m *Machine) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// Close ends any live session and stops the run loop. The engine, bus
// subscriptions, and watchdog are all released.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	<-m.done
}

func (m *Machine) run(startCh <-chan struct{}, cancelStart func(), turnCh <-chan struct{}, cancelTurn func()) {
	defer close(m.done)
	defer cancelStart()
	defer cancelTurn()
	events := m.cfg.Engine.Events()

	for {
		var tickC <-chan time.Time
		if m.ticker != nil {
			tickC = m.ticker.C()
		}
		select {
		case <-m.closed:
			if m.st == stListening {
				m.cfg.Engine.Stop()
			}
			m.stopTicker()
			return
		case cmd := <-m.cmds:
			switch cmd {
			case cmdToggle:
				if m.st == stIdle {
					m.begin()
				} else if m.st == stListening {
					m.halt("tap")
				}
			case cmdStart:
				if m.st == stIdle {
					m.begin()
				}
			case cmdStop:
				if m.st == stListening {
					m.halt("stop")
				}
			}
		case <-startCh:
			if m.st == stIdle {
				m.begin()
			}
		case <-turnCh:
			m.setWaiting(false)
		case ev := <-events:
			m.handleEvent(ev)
		case <-tickC:
			m.checkAutoStop()
		}
	}
}

func (m *Machine) begin() {
	s := m.cfg.Settings()
	if err := m.cfg.Engine.Start(s.Language); err != nil {
		log.Errorf("capture: engine start: %v", err)
		m.cfg.Sink.CaptureError(err)
		return
	}
	m.st = stListening
	m.sessionID = uuid.NewString()
	m.accumulated = ""
	m.interim = ""
	m.lastSpeech = m.cfg.Clock.Now()
	m.ticker = m.cfg.Clock.NewTicker(watchdogTick)
	m.setListening(true)
	m.cfg.Sink.TranscriptChanged("")
	log.CaptureStart(m.sessionID, s.Language)
}

// halt asks the engine to stop. The flush waits for EventEnd so committed
// fragments still in flight make it into the prompt.
func (m *Machine) halt(reason string) {
	m.st = stStopping
	m.stopReason = reason
	m.stopTicker()
	m.cfg.Engine.Stop()
}

func (m *Machine) handleEvent(ev Event) {
	switch ev.Kind {
	case EventLevel:
		m.cfg.Sink.LevelChanged(ev.Level)
	case EventWarn:
		m.cfg.Sink.Notice(ev.Text)
	case EventInterim:
		if m.st == stIdle {
			return
		}
		m.interim = ev.Text
		m.pushTranscript()
	case EventFinal:
		if m.st == stIdle {
			return
		}
		if ev.Text != "" {
			if m.accumulated == "" {
				m.accumulated = ev.Text
			} else {
				m.accumulated += " " + ev.Text
			}
		}
		m.interim = ""
		m.pushTranscript()
	case EventEnd:
		if m.st == stIdle {
			return
		}
		reason := m.stopReason
		if m.st == stListening {
			reason = "engine-ended"
		}
		m.finish(reason)
	case EventError:
		log.Errorf("capture: engine: %v", ev.Err)
		m.cfg.Sink.CaptureError(ev.Err)
		if m.st == stIdle {
			return
		}
		if m.st == stListening {
			m.cfg.Engine.Stop()
		}
		m.stopTicker()
		m.accumulated = ""
		m.interim = ""
		m.st = stIdle
		m.setListening(false)
		log.CaptureStop(m.sessionID, "error", 0)
	}
}

// pushTranscript shows accumulated+interim and, when anything is visible,
// refreshes the silence deadline.
func (m *Machine) pushTranscript() {
	text := strings.TrimSpace(m.accumulated)
	if m.interim != "" {
		if text == "" {
			text = m.interim
		} else {
			text += " " + m.interim
		}
	}
	if text != "" {
		m.lastSpeech = m.cfg.Clock.Now()
	}
	m.cfg.Sink.TranscriptChanged(text)
}

// finish completes a stop: flush the committed transcript as one prompt and
// go idle. Buffers clear whether or not anything was sent; interim text is
// display-only and never flushed.
func (m *Machine) finish(reason string) {
	text := strings.TrimSpace(m.accumulated)
	m.accumulated = ""
	m.interim = ""
	m.stopTicker()
	m.st = stIdle
	m.setListening(false)
	log.CaptureStop(m.sessionID, reason, len(text))
	if text == "" {
		return
	}
	if m.cfg.Prompts == nil {
		log.Warnf("capture: no prompt sender, dropping %d chars", len(text))
		return
	}
	if err := m.cfg.Prompts.SendUserPrompt(text); err != nil {
		log.Errorf("capture: prompt not sent: %v", err)
		m.cfg.Sink.Notice("prompt not sent: " + err.Error())
		return
	}
	m.setWaiting(true)
}

func (m *Machine) checkAutoStop() {
	if m.st != stListening {
		return
	}
	s := m.cfg.Settings()
	if !s.AutoStopEnabled {
		return
	}
	if m.cfg.Clock.Since(m.lastSpeech) >= s.AutoStopTimeout {
		m.halt("auto-stop")
	}
}

func (m *Machine) setListening(on bool) {
	m.mu.Lock()
	changed := m.listening != on
	m.listening = on
	m.mu.Unlock()
	if changed {
		m.cfg.Sink.ListeningChanged(on)
	}
}

func (m *Machine) setWaiting(on bool) {
	m.mu.Lock()
	changed := m.waiting != on
	m.waiting = on
	m.mu.Unlock()
	if changed {
		m.cfg.Sink.WaitingChanged(on)
	}
}

func (m *Machine) stopTicker() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}
