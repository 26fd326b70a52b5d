package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// OpusFrameMs is the frame duration used for outbound Opus packets.
const OpusFrameMs = 20

// OpusEncoder turns mono PCM into a sequence of 20 ms Opus packets. Opus
// only accepts 8, 12, 16, 24 and 48 kHz input; other rates are resampled to
// 48 kHz first.
//
// An OpusEncoder keeps codec state between calls and must not be shared
// between goroutines.
type OpusEncoder struct {
	enc  *gopus.Encoder
	rate int
}

// NewOpusEncoder creates a mono encoder for sampleRate.
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	rate := sampleRate
	if !opusRate(rate) {
		rate = 48000
	}
	enc, err := gopus.NewEncoder(rate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, rate: rate}, nil
}

// SampleRate returns the rate the encoder actually runs at.
func (e *OpusEncoder) SampleRate() int { return e.rate }

// Encode splits pcm (at srcRate) into 20 ms frames and encodes each one. The
// last partial frame is padded with silence.
func (e *OpusEncoder) Encode(pcm []byte, srcRate int) ([][]byte, error) {
	pcm = ResampleMono16(pcm, srcRate, e.rate)
	samples := Int16s(pcm)
	frameSize := e.rate * OpusFrameMs / 1000

	var packets [][]byte
	for start := 0; start < len(samples); start += frameSize {
		frame := samples[start:min(start+frameSize, len(samples))]
		if len(frame) < frameSize {
			padded := make([]int16, frameSize)
			copy(padded, frame)
			frame = padded
		}
		pkt, err := e.enc.Encode(frame, frameSize, frameSize*2)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

func opusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}
