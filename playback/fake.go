package playback

import "sync"

// FakeOutput stands in for the audio device. Players it hands out report
// playing until driven otherwise.
type FakeOutput struct {
	mu      sync.Mutex
	err     error
	players []*FakePlayer
}

func NewFakeOutput() *FakeOutput { return &FakeOutput{} }

// Fail makes subsequent Play calls return err.
func (o *FakeOutput) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *FakeOutput) Play(sampleRate int, pcm []byte) (Player, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	p := &FakePlayer{playing: true, rate: sampleRate}
	o.players = append(o.players, p)
	return p, nil
}

func (o *FakeOutput) Players() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.players)
}

func (o *FakeOutput) Last() *FakePlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.players) == 0 {
		return nil
	}
	return o.players[len(o.players)-1]
}

// FakePlayer is a driver-controlled Player. Polls counts IsPlaying calls so
// tests can step a fake clock in lockstep with the progress watcher.
type FakePlayer struct {
	mu      sync.Mutex
	playing bool
	stopped bool
	polls   int
	rate    int
}

func (p *FakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	return p.playing
}

func (p *FakePlayer) Stop() {
	p.mu.Lock()
	p.playing = false
	p.stopped = true
	p.mu.Unlock()
}

// Finish simulates the device draining the clip to its natural end.
func (p *FakePlayer) Finish() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// Stopped reports whether the player was released.
func (p *FakePlayer) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *FakePlayer) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func (p *FakePlayer) Rate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}
