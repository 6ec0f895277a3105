package main

import (
	"fmt"
	"sync"

	"orb/beep"
	"orb/settings"
)

// orbSink fans capture and channel output out to the TUI, the audio cues,
// and the shared state the session capabilities report. Console mode echoes
// the conversation to stdout instead of the TUI.
type orbSink struct {
	store   *settings.Store
	console bool

	mu        sync.Mutex
	listening bool
	speaking  bool
}

func newOrbSink(store *settings.Store, console bool) *orbSink {
	return &orbSink{store: store, console: console}
}

// setFlags recomputes the published state. Listening wins over speaking so
// barge-in shows as listening.
func (s *orbSink) setFlags(listen, speak *bool) {
	s.mu.Lock()
	if listen != nil {
		s.listening = *listen
	}
	if speak != nil {
		s.speaking = *speak
	}
	st := settings.StateIdle
	switch {
	case s.listening:
		st = settings.StateListening
	case s.speaking:
		st = settings.StateSpeaking
	}
	s.mu.Unlock()
	s.store.SetState(st)
}

// capture.Sink

func (s *orbSink) ListeningChanged(on bool) {
	s.setFlags(&on, nil)
	if on {
		go beep.PlayStart()
	} else {
		go beep.PlayEnd()
	}
	tuiSend(ListeningMsg{On: on})
	if s.console {
		if on {
			fmt.Println("listening...")
		} else {
			fmt.Println("stopped")
		}
	}
}

func (s *orbSink) WaitingChanged(on bool) {
	tuiSend(WaitingMsg{On: on})
}

func (s *orbSink) TranscriptChanged(text string) {
	tuiSend(TranscriptMsg{Text: text})
}

func (s *orbSink) LevelChanged(level float64) {
	tuiSend(AudioLevelMsg{Level: level})
}

func (s *orbSink) Notice(text string) {
	tuiSend(NoticeMsg{Text: text})
	if text == "" {
		return
	}
	go beep.PlayError()
	if s.console {
		fmt.Println("⚠ " + text)
	}
}

func (s *orbSink) CaptureError(err error) {
	tuiSend(NoticeMsg{Text: err.Error()})
	go beep.PlayError()
	if s.console {
		fmt.Println("capture error: " + err.Error())
	}
}

// channel.StatusSink

func (s *orbSink) AgentReply(text string) {
	tuiSend(ReplyMsg{Text: text})
	if s.console {
		fmt.Println("agent: " + text)
	}
}

func (s *orbSink) AgentBusy(message string) {
	if message == "" {
		message = "agent is busy"
	}
	tuiSend(NoticeMsg{Text: message})
	if s.console {
		fmt.Println("⚠ " + message)
	}
}

func (s *orbSink) AgentError(message string) {
	tuiSend(NoticeMsg{Text: "agent error: " + message})
	go beep.PlayError()
	if s.console {
		fmt.Println("agent error: " + message)
	}
}

// SpeakingChanged is driven by the playback adapter.
func (s *orbSink) SpeakingChanged(on bool) {
	s.setFlags(nil, &on)
	tuiSend(SpeakingMsg{On: on})
}
