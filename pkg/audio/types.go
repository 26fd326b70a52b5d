// Package audio holds the PCM primitives shared by the voice pipeline:
// sample conversion, resampling, WAV containers and Opus encoding.
//
// All PCM in this package is signed 16-bit little-endian. Unless a function
// says otherwise, data is mono.
package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playback length of n bytes of 16-bit PCM.
func Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
