package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVInfo describes a parsed RIFF/WAVE container.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int
	// DataSize is the length of the PCM payload in bytes.
	DataSize int
}

// ErrNotWAV is returned by [ParseWAV] for input that is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// ParseWAV walks the RIFF chunks of wav and locates the fmt and data chunks.
// Servers that stream WAV often write a zero or oversized data length; the
// payload is then clamped to the bytes actually present.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	foundFmt := false
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size < 16 || offset+8+16 > len(wav) {
				return WAVInfo{}, fmt.Errorf("audio: truncated fmt chunk (%d bytes)", size)
			}
			f := wav[offset+8:]
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			info.DataSize = len(wav) - info.DataOffset
			if size > 0 && size < info.DataSize {
				info.DataSize = size
			}
			return info, nil
		}

		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: WAV has no data chunk")
}

// WAVPCM returns the PCM payload and format of a 16-bit WAV file.
func WAVPCM(wav []byte) ([]byte, Format, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, Format{}, err
	}
	if info.BitsPerSample != 16 {
		return nil, Format{}, fmt.Errorf("audio: unsupported bit depth %d", info.BitsPerSample)
	}
	pcm := wav[info.DataOffset : info.DataOffset+info.DataSize]
	return pcm, Format{SampleRate: info.SampleRate, Channels: info.Channels}, nil
}
