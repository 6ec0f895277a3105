package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"orb/audio"
	"orb/capture"
	"orb/clock"
	"orb/speech"
)

type engineRig struct {
	eng *liveEngine
	fc  *audio.FakeCapture
	rec *speech.FakeRecognizer
	clk *clock.Fake
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()
	actx := audio.NewFakeContext()
	dev, err := actx.NewCapture(nil, audio.CaptureConfig{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := speech.NewFakeRecognizer()
	clk := clock.NewFake()
	return &engineRig{
		eng: newLiveEngine(dev, rec, clk),
		fc:  actx.Last(),
		rec: rec,
		clk: clk,
	}
}

// drainEvents collects non-level events until the session ends one way or
// the other.
func drainEvents(t *testing.T, eng *liveEngine) []capture.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var out []capture.Event
	for {
		select {
		case ev := <-eng.Events():
			if ev.Kind == capture.EventLevel {
				continue
			}
			out = append(out, ev)
			if ev.Kind == capture.EventEnd || ev.Kind == capture.EventError {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far", len(out))
		}
	}
}

func TestEngineFeedsRecognizer(t *testing.T) {
	r := newEngineRig(t)
	if err := r.eng.Start("nl-NL"); err != nil {
		t.Fatal(err)
	}
	defer r.eng.Stop()
	if !r.fc.Started() {
		t.Fatal("device not started")
	}

	cfg := r.rec.LastConfig()
	if cfg.Language != "nl-NL" {
		t.Errorf("language = %q, want nl-NL", cfg.Language)
	}
	if cfg.SampleRate != audio.SampleRate || cfg.Channels != audio.Channels {
		t.Errorf("audio config = %d/%d, want %d/%d",
			cfg.SampleRate, cfg.Channels, audio.SampleRate, audio.Channels)
	}

	pcm := genTone(440, 100)
	r.fc.Push(pcm)
	sess := r.rec.Last()
	if got := sess.FedBytes(); got != len(pcm) {
		t.Errorf("fed %d bytes, want %d", got, len(pcm))
	}

	// The same push must surface a level event.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.eng.Events():
			if ev.Kind == capture.EventLevel {
				if ev.Level <= 0 {
					t.Errorf("level = %v, want > 0", ev.Level)
				}
				return
			}
		case <-deadline:
			t.Fatal("no level event")
		}
	}
}

func TestEngineForwardsTranscriptOrder(t *testing.T) {
	r := newEngineRig(t)
	if err := r.eng.Start("en-US"); err != nil {
		t.Fatal(err)
	}
	sess := r.rec.Last()
	sess.Interim("turn")
	sess.Final("turn on")
	r.eng.Stop()

	evs := drainEvents(t, r.eng)
	want := []capture.Event{
		{Kind: capture.EventInterim, Text: "turn"},
		{Kind: capture.EventFinal, Text: "turn on"},
		{Kind: capture.EventEnd},
	}
	if len(evs) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(evs), len(want), evs)
	}
	for i := range want {
		if evs[i].Kind != want[i].Kind || evs[i].Text != want[i].Text {
			t.Errorf("event %d = %v %q, want %v %q",
				i, evs[i].Kind, evs[i].Text, want[i].Kind, want[i].Text)
		}
	}
}

func TestEngineStopReleasesDeviceBeforeDrain(t *testing.T) {
	r := newEngineRig(t)
	if err := r.eng.Start("en-US"); err != nil {
		t.Fatal(err)
	}
	sess := r.rec.Last()
	sess.Final("turn on the lights")
	r.eng.Stop()

	if r.fc.Started() {
		t.Error("device still running after stop")
	}
	evs := drainEvents(t, r.eng)
	if evs[0].Kind != capture.EventFinal || evs[0].Text != "turn on the lights" {
		t.Errorf("first event = %v %q, want the buffered final", evs[0].Kind, evs[0].Text)
	}
	if evs[len(evs)-1].Kind != capture.EventEnd {
		t.Errorf("last event = %v, want end", evs[len(evs)-1].Kind)
	}

	// Audio pushed after stop must not reach a session.
	r.fc.Push(genTone(440, 20))
	if got := sess.FedBytes(); got != 0 {
		t.Errorf("fed %d bytes after stop", got)
	}
}

func TestEngineSessionDeathReportsError(t *testing.T) {
	r := newEngineRig(t)
	if err := r.eng.Start("en-US"); err != nil {
		t.Fatal(err)
	}
	r.rec.Last().Fail(errors.New("socket closed"))

	evs := drainEvents(t, r.eng)
	last := evs[len(evs)-1]
	if last.Kind != capture.EventError {
		t.Fatalf("last event = %v, want error", last.Kind)
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "socket closed") {
		t.Errorf("err = %v, want the session error", last.Err)
	}

	// The machine responds to the error by stopping the engine.
	r.eng.Stop()
	if r.fc.Started() {
		t.Error("device still running after stop")
	}
}

func TestEngineDoubleStartRejected(t *testing.T) {
	r := newEngineRig(t)
	if err := r.eng.Start("en-US"); err != nil {
		t.Fatal(err)
	}
	defer r.eng.Stop()
	if err := r.eng.Start("en-US"); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestEngineStartFailurePropagates(t *testing.T) {
	r := newEngineRig(t)
	r.rec.FailStart(errors.New("401 unauthorized"))
	if err := r.eng.Start("en-US"); err == nil {
		t.Fatal("expected start error")
	}
	if r.fc.Started() {
		t.Error("device started despite recognizer failure")
	}

	r.rec.FailStart(nil)
	if err := r.eng.Start("en-US"); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
	r.eng.Stop()
}

func TestEngineNoVoiceWarning(t *testing.T) {
	r := newEngineRig(t)
	if err := r.eng.Start("en-US"); err != nil {
		t.Fatal(err)
	}
	defer r.eng.Stop()
	r.clk.WaitForTimers(1)

	// Silence only: after the warn window of ticks the monitor must raise
	// the no-voice warning. Ticks are advanced one at a time so the watch
	// goroutine keeps up with the fake ticker.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.clk.Advance(levelTick)
		select {
		case ev := <-r.eng.Events():
			if ev.Kind == capture.EventWarn && ev.Text != "" {
				if ev.Text != "no voice detected" {
					t.Errorf("warn text = %q", ev.Text)
				}
				return
			}
		case <-time.After(2 * time.Millisecond):
		}
	}
	t.Fatal("no warning during sustained silence")
}
