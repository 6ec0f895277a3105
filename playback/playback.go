// Package playback turns base64 mp3 payloads from the agent into audible
// clips and reports their progress. A clip with a speech id gets a
// completion signal shortly before the audio runs out so the peer can
// prepare its next utterance while the tail is still playing.
package playback

import (
	"time"

	"github.com/google/uuid"

	"orb/clock"
	"orb/log"
)

const (
	// completionThreshold is how far before the end of a clip the
	// completion signal fires.
	completionThreshold = 500 * time.Millisecond

	// watchTick is the progress poll interval. Five polls fit inside the
	// threshold window, so the signal cannot be skipped on a live clip.
	watchTick = 100 * time.Millisecond
)

// Player is one running clip on an audio output.
type Player interface {
	IsPlaying() bool
	Stop()
}

// Output owns the audio device and starts players on it.
type Output interface {
	Play(sampleRate int, pcm []byte) (Player, error)
}

// Manager decodes and plays agent speech. completed is called with the
// speech id the first time a clip's remaining duration drops into the
// completion window.
type Manager struct {
	out       Output
	clk       clock.Clock
	completed func(speechID string)
	decode    func(audioB64 string) (decoded, error)
}

type decoded struct {
	pcm        []byte
	sampleRate int
	duration   time.Duration
}

func New(out Output, clk clock.Clock, completed func(speechID string)) *Manager {
	if completed == nil {
		completed = func(string) {}
	}
	return &Manager{out: out, clk: clk, completed: completed, decode: decodeMP3}
}

// Clip is one playing utterance. Done is closed when playback ends on any
// path: natural end, early Stop, or a dead output.
type Clip struct {
	ID       string
	SpeechID string
	Duration time.Duration

	player Player
	done   chan struct{}
}

func (c *Clip) Done() <-chan struct{} { return c.done }

// Stop halts the clip early. A stopped clip never sends its completion
// signal; the peer treats the reply that follows as the real signal.
func (c *Clip) Stop() { c.player.Stop() }

// Play decodes audioB64 and starts it on the output. It returns nil on any
// decode or device failure: speech is presentation, and a broken speaker
// must not put the caller on an error path.
func (m *Manager) Play(audioB64, message, speechID string) *Clip {
	dec, err := m.decode(audioB64)
	if err != nil {
		log.Errorf("playback: decode failed: %v", err)
		return nil
	}

	player, err := m.out.Play(dec.sampleRate, dec.pcm)
	if err != nil {
		log.Errorf("playback: output failed: %v", err)
		return nil
	}

	c := &Clip{
		ID:       uuid.NewString(),
		SpeechID: speechID,
		Duration: dec.duration,
		player:   player,
		done:     make(chan struct{}),
	}
	log.PlaybackStart(c.ID, speechID, dec.duration.Seconds())
	if message != "" {
		log.Infof("playback: speaking %q", message)
	}
	go m.watch(c)
	return c
}

// watch polls the clip until it stops playing. The completion signal fires
// the first time remaining duration is inside (0, completionThreshold];
// end-of-clip jitter cannot double-fire it, and a clip that dies before the
// window never fires it at all.
func (m *Manager) watch(c *Clip) {
	defer close(c.done)
	defer c.player.Stop()

	t := m.clk.NewTicker(watchTick)
	defer t.Stop()

	start := m.clk.Now()
	sent := false
	for range t.C() {
		if !c.player.IsPlaying() {
			break
		}
		if sent || c.SpeechID == "" {
			continue
		}
		remaining := c.Duration - m.clk.Since(start)
		if remaining > 0 && remaining <= completionThreshold {
			sent = true
			m.completed(c.SpeechID)
		}
	}
	log.PlaybackEnd(c.ID, sent)
}
