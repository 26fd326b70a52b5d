package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter brings client audio to the pipeline's mono capture format.
// It logs once on the first mismatch. Create one per stream; it is not
// designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm in the target format. Input already in the target
// format is returned unchanged without copying. Data with an odd byte count
// is dropped and nil is returned.
func (c *FormatConverter) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping chunk", "bytes", len(pcm))
		})
		return nil
	}
	if src == c.Target {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio: format mismatch, converting", "from", src, "to", c.Target)
	})

	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
}

// String implements fmt.Stringer, e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// StereoToMono averages interleaved left/right samples.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]int16, frames)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		out[i] = int16((l + r) / 2)
	}
	return Bytes(out)
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]int16, dstN)
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(sampleAt(pcm, idx))
		s1 := s0
		if idx+1 < srcN {
			s1 = float64(sampleAt(pcm, idx+1))
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return Bytes(out)
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
}
