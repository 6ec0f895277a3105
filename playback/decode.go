package playback

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// decodeMP3 expands a base64 mp3 payload to 16-bit little-endian PCM.
// go-mp3 always emits two channels, so a frame is four bytes regardless of
// the source layout.
func decodeMP3(audioB64 string) (decoded, error) {
	raw, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return decoded{}, fmt.Errorf("base64: %w", err)
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return decoded{}, fmt.Errorf("mp3: %w", err)
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return decoded{}, fmt.Errorf("mp3 read: %w", err)
	}

	rate := dec.SampleRate()
	frames := len(pcm) / 4
	return decoded{
		pcm:        pcm,
		sampleRate: rate,
		duration:   time.Duration(frames) * time.Second / time.Duration(rate),
	}, nil
}
