package main

import "time"

const (
	levelTick        = 100 * time.Millisecond
	voiceWarnEvery   = 8 * time.Second
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)
)

type voiceEvent int

const (
	voiceNone    voiceEvent = iota
	voiceWarn               // no voice detected over the window
	voiceCleared            // speech resumed after a warning
	voiceRepeat             // still silent, nudge again
)

// voiceMonitor turns per-tick VAD verdicts into no-voice warnings over a
// sliding window. Stopping the session is not its job; the capture watchdog
// does that from transcript activity.
type voiceMonitor struct {
	windowSz int

	ticks       int
	window      []bool
	speechCount int
	warned      bool
	lastWarn    int
}

func newVoiceMonitor() *voiceMonitor {
	sz := int(voiceWarnEvery / levelTick)
	return &voiceMonitor{
		windowSz: sz,
		window:   make([]bool, sz),
	}
}

func (m *voiceMonitor) ratio() float64 {
	n := m.windowSz
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	return float64(m.speechCount) / float64(n)
}

func (m *voiceMonitor) Tick(hasSpeech bool) voiceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	r := m.ratio()

	if !m.warned {
		if m.ticks >= m.windowSz && r < speechMinRatio {
			m.warned = true
			m.lastWarn = m.ticks
			return voiceWarn
		}
		return voiceNone
	}
	if r >= speechClearRatio {
		m.warned = false
		return voiceCleared
	}
	if m.ticks-m.lastWarn >= m.windowSz {
		m.lastWarn = m.ticks
		return voiceRepeat
	}
	return voiceNone
}
