// Package vad defines the Engine interface for voice activity endpoint
// detection.
//
// A VAD engine consumes a continuous stream of fixed-size PCM frames and
// surfaces discrete utterance boundaries: a speech-start event when a person
// begins talking and a speech-end event once they have been quiet for long
// enough. Each session keeps its own state so that independent audio streams
// never influence each other.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection
// result, so it can sit directly in the audio receive loop without delaying
// capture.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size. Typical: 20.
	FrameSizeMs int

	// EnergyThreshold is the normalised RMS level (0.0–1.0, relative to full
	// scale) above which a frame counts as speech. Typical: 0.01.
	EnergyThreshold float64

	// SilenceDuration is how long the signal must stay below the threshold
	// before an active utterance ends. Typical: 800ms.
	SilenceDuration time.Duration

	// MinSpeechDuration is the shortest utterance that is reported. Anything
	// shorter is treated as a false trigger and discarded. Typical: 300ms.
	MinSpeechDuration time.Duration
}

// FrameBytes returns the size in bytes of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// FrameDuration returns the duration of a single frame.
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameSizeMs) * time.Millisecond
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %dms", c.FrameSizeMs))
	}
	if c.EnergyThreshold <= 0 || c.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("energy threshold must be in (0, 1), got %g", c.EnergyThreshold))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("silence duration must be positive, got %s", c.SilenceDuration))
	}
	if c.MinSpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("min speech duration must not be negative, got %s", c.MinSpeechDuration))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection result.
	// The frame must be raw little-endian PCM16 mono at the SampleRate and
	// FrameSizeMs configured when the session was created.
	//
	// This method is designed to be called synchronously in the audio pipeline loop;
	// it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	// Use this when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The session
	// is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")
