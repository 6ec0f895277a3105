// Package beep plays the short feedback cues around a listening session:
// a high tick when capture starts, a lower one when it stops, and a double
// buzz on errors.
package beep

import "math"

var disabled bool

// Disable turns all cues off for the process. Headless and script runs use
// it.
func Disable() { disabled = true }

const (
	sampleRate = 44100

	// Start cue: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End cue: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error cue: low pitch double buzz
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

// tone renders a sine tick with an exponential decay envelope as mono
// int16 samples. Durations are per platform; the synthesis is not.
func tone(freq, duration, volume, decay float64) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

// doubleTone is two identical ticks separated by gapDur of silence.
func doubleTone(freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := tone(freq, beepDur, volume, decay)
	gap := make([]int16, int(sampleRate*gapDur))
	result := make([]int16, 0, len(beep)*2+len(gap))
	result = append(result, beep...)
	result = append(result, gap...)
	result = append(result, beep...)
	return result
}
