package playback

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// otoOutput is the process-wide audio device. oto allows a single context
// per process at a fixed rate, so the first clip pins the rate and later
// clips must match it.
type otoOutput struct {
	mu   sync.Mutex
	ctx  *oto.Context
	rate int
}

func NewOutput() Output { return &otoOutput{} }

func (o *otoOutput) Play(sampleRate int, pcm []byte) (Player, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		<-ready
		o.ctx = ctx
		o.rate = sampleRate
	}
	if sampleRate != o.rate {
		return nil, fmt.Errorf("clip rate %d Hz, device pinned at %d Hz", sampleRate, o.rate)
	}

	p := o.ctx.NewPlayer(bytes.NewReader(pcm))
	p.Play()
	return &otoPlayer{p: p}, nil
}

type otoPlayer struct {
	p    *oto.Player
	once sync.Once
}

func (w *otoPlayer) IsPlaying() bool { return w.p.IsPlaying() }

func (w *otoPlayer) Stop() {
	w.once.Do(func() { w.p.Close() })
}
