// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a local speech synthesis server and turns one
// speakable unit of text (usually a single sentence) into a complete WAV
// file. Streaming happens one level up: the pipeline synthesizes sentence
// units concurrently and the delivery queue releases them in order.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrUnknownVoice is returned when a requested voice is not in the
// provider's catalogue.
var ErrUnknownVoice = errors.New("tts: unknown voice")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a RIFF/WAVE file containing 16-bit PCM.
	// An empty voice ID selects the provider's default voice.
	//
	// Implementations must abort promptly when ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// ListVoices returns every voice available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}
