// Package mock provides a scripted voice activity detector for tests that
// need exact control over where an utterance starts and ends.
package mock

import (
	"sync"

	"github.com/MrWong99/lectern/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh empty Session when it is nil.
type Engine struct {
	Session *Session

	// Err fails NewSession.
	Err error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession records cfg.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session == nil {
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns the configuration of every session created so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session reports one scripted event per frame. When the script runs out it
// reports Idle, which defaults to [vad.VADSilence].
type Session struct {
	Script []vad.VADEvent
	Idle   vad.VADEvent

	// FrameErr fails every ProcessFrame call.
	FrameErr error

	mu     sync.Mutex
	frames int
	resets int
	closed bool
}

// Speech builds a script of silence frames, a start, talk frames of
// continued speech and an end.
func Speech(silence, talk int) []vad.VADEvent {
	script := make([]vad.VADEvent, 0, silence+talk+2)
	for range silence {
		script = append(script, vad.VADEvent{Type: vad.VADSilence})
	}
	script = append(script, vad.VADEvent{Type: vad.VADSpeechStart})
	for range talk {
		script = append(script, vad.VADEvent{Type: vad.VADSpeechContinue})
	}
	return append(script, vad.VADEvent{Type: vad.VADSpeechEnd})
}

// ProcessFrame pops the next scripted event.
func (s *Session) ProcessFrame([]byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrSessionClosed
	}
	s.frames++
	if s.FrameErr != nil {
		return vad.VADEvent{}, s.FrameErr
	}
	if len(s.Script) == 0 {
		return s.Idle, nil
	}
	ev := s.Script[0]
	s.Script = s.Script[1:]
	return ev, nil
}

// Reset counts the call; the remaining script is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Frames is the number of frames processed.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Resets is the number of Reset calls.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
