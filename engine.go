package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"orb/audio"
	"orb/capture"
	"orb/clock"
	"orb/log"
	"orb/speech"
)

// liveEngine binds the capture device to a streaming recognizer and adapts
// the pair to the capture.Engine contract. The device is opened once and
// reused; Start and Stop only toggle it around a recognition session.
type liveEngine struct {
	device audio.CaptureDevice
	rec    speech.Recognizer
	clk    clock.Clock
	events chan capture.Event

	mu  sync.Mutex
	cur *engineSession
}

type engineSession struct {
	sess speech.Session
	vp   *vadProcessor
	stop chan struct{}

	// requested flips when Stop is asked for, so errors surfacing during
	// the drain are not reported as session failures.
	requested atomic.Bool
}

func newLiveEngine(device audio.CaptureDevice, rec speech.Recognizer, clk clock.Clock) *liveEngine {
	return &liveEngine{
		device: device,
		rec:    rec,
		clk:    clk,
		events: make(chan capture.Event, 64),
	}
}

func (e *liveEngine) Events() <-chan capture.Event { return e.events }

func (e *liveEngine) Start(language string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != nil {
		return errors.New("capture already running")
	}

	vp, err := newVADProcessor()
	if err != nil {
		return fmt.Errorf("vad init: %w", err)
	}
	sess, err := e.rec.Start(context.Background(), speech.Config{
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Language:   language,
	})
	if err != nil {
		return err
	}
	es := &engineSession{sess: sess, vp: vp, stop: make(chan struct{})}

	e.device.SetCallback(func(data []byte, frameCount uint32) {
		if len(data) == 0 {
			return
		}
		pcm := make([]byte, len(data))
		copy(pcm, data)
		sess.Feed(pcm)
		e.pushLevel(rmsLevel(data))
		vp.Process(data)
	})
	if err := e.device.Start(); err != nil {
		e.device.ClearCallback()
		go sess.Close()
		return err
	}

	go e.forward(es)
	go e.watch(es)
	e.cur = es
	return nil
}

// Stop releases the device immediately and closes the session in the
// background. Fragments the finalize drain surfaces still flow through
// forward, so EventEnd arrives after them.
func (e *liveEngine) Stop() {
	e.mu.Lock()
	es := e.cur
	e.cur = nil
	e.mu.Unlock()
	if es == nil {
		return
	}
	es.requested.Store(true)
	close(es.stop)
	e.device.Stop()
	e.device.ClearCallback()
	log.Infof("capture: stopping, voice detected=%v", es.vp.VoiceDetected())
	go es.sess.Close()
}

// forward relays transcript updates until the session ends, then reports
// how it ended.
func (e *liveEngine) forward(es *engineSession) {
	for res := range es.sess.Results() {
		kind := capture.EventInterim
		if res.Final {
			kind = capture.EventFinal
		}
		e.push(capture.Event{Kind: kind, Text: res.Text})
	}
	if err := es.sess.Err(); err != nil && !es.requested.Load() {
		e.push(capture.Event{Kind: capture.EventError, Err: err})
		return
	}
	e.push(capture.Event{Kind: capture.EventEnd})
}

// watch runs the no-voice warning off VAD verdicts while the session lives.
func (e *liveEngine) watch(es *engineSession) {
	mon := newVoiceMonitor()
	ticker := e.clk.NewTicker(levelTick)
	defer ticker.Stop()
	for {
		select {
		case <-es.stop:
			return
		case <-ticker.C():
			switch mon.Tick(es.vp.HasSpeechTick()) {
			case voiceWarn, voiceRepeat:
				log.Warn("capture: no voice detected")
				e.push(capture.Event{Kind: capture.EventWarn, Text: "no voice detected"})
			case voiceCleared:
				e.push(capture.Event{Kind: capture.EventWarn, Text: ""})
			}
		}
	}
}

func (e *liveEngine) push(ev capture.Event) {
	e.events <- ev
}

// pushLevel drops when the consumer lags; it runs on the audio callback
// and must never block there.
func (e *liveEngine) pushLevel(level float64) {
	select {
	case e.events <- capture.Event{Kind: capture.EventLevel, Level: level}:
	default:
	}
}

func rmsLevel(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(len(data)/2))
}
