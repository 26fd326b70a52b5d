// Package energy implements [vad.Engine] with a root-mean-square energy
// endpoint detector.
//
// Each frame is classified as speech when its normalised RMS energy exceeds
// the configured threshold. A session moves from silence to speech on the
// first loud frame and back once the signal has stayed quiet for longer than
// the silence duration. Utterances shorter than the minimum speech duration
// are reported as [vad.VADSpeechDiscarded] instead of [vad.VADSpeechEnd].
//
// Time is measured on the stream clock (frame count × frame duration), so
// detection is deterministic and independent of how fast frames arrive.
package energy

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/provider/vad"
)

// Defaults applied by [Engine.NewSession] for zero-valued config fields.
const (
	DefaultSampleRate        = 16000
	DefaultFrameSizeMs       = 20
	DefaultEnergyThreshold   = 0.01
	DefaultSilenceDuration   = 800 * time.Millisecond
	DefaultMinSpeechDuration = 300 * time.Millisecond
)

// Engine creates energy detector sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession fills zero config fields with defaults, validates the result and
// returns a fresh session in the silence state.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy vad: %w", err)
	}
	return &Session{
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
		frameDur:   cfg.FrameDuration(),
	}, nil
}

// WithDefaults returns cfg with zero fields replaced by package defaults.
func WithDefaults(cfg vad.Config) vad.Config {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSizeMs == 0 {
		cfg.FrameSizeMs = DefaultFrameSizeMs
	}
	if cfg.EnergyThreshold == 0 {
		cfg.EnergyThreshold = DefaultEnergyThreshold
	}
	if cfg.SilenceDuration == 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.MinSpeechDuration == 0 {
		cfg.MinSpeechDuration = DefaultMinSpeechDuration
	}
	return cfg
}

type state int

const (
	stateSilence state = iota
	stateSpeech
)

// Session is a single-stream endpoint detector. ProcessFrame, Reset and
// Close are guarded by a mutex so that a websocket reader and a cancel path
// may share one session.
type Session struct {
	cfg        vad.Config
	frameBytes int
	frameDur   time.Duration

	mu    sync.Mutex
	state state
	now   time.Duration // stream clock at the end of the last frame

	speechStartedAt  time.Duration
	silenceStartedAt time.Duration
	silencePending   bool
	closed           bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame classifies one frame and advances the stream clock.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.VADEvent{}, vad.ErrSessionClosed
	}
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	// The frame starts at the current clock value.
	at := s.now
	s.now += s.frameDur

	e := audio.RMS(frame)
	ev := vad.VADEvent{Energy: e, Offset: s.now}
	speech := e > s.cfg.EnergyThreshold

	switch s.state {
	case stateSilence:
		if !speech {
			ev.Type = vad.VADSilence
			return ev, nil
		}
		s.state = stateSpeech
		s.speechStartedAt = at
		s.silencePending = false
		ev.Type = vad.VADSpeechStart
		return ev, nil

	default:
		if speech {
			s.silencePending = false
			ev.Type = vad.VADSpeechContinue
			return ev, nil
		}
		if !s.silencePending {
			s.silencePending = true
			s.silenceStartedAt = at
		}
		if s.now-s.silenceStartedAt <= s.cfg.SilenceDuration {
			ev.Type = vad.VADSpeechContinue
			return ev, nil
		}

		// Measure the voiced span only; the trailing silence would otherwise
		// push every burst past the minimum.
		ev.SpeechDuration = s.silenceStartedAt - s.speechStartedAt
		s.state = stateSilence
		s.silencePending = false
		if ev.SpeechDuration > s.cfg.MinSpeechDuration {
			ev.Type = vad.VADSpeechEnd
		} else {
			ev.Type = vad.VADSpeechDiscarded
		}
		return ev, nil
	}
}

// Reset returns the session to silence and restarts the stream clock.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateSilence
	s.now = 0
	s.speechStartedAt = 0
	s.silenceStartedAt = 0
	s.silencePending = false
}

// Close marks the session closed. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
