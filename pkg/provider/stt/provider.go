// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Utterance boundaries are decided upstream by the endpoint detector, so a
// provider only ever sees one complete utterance at a time: a contiguous
// block of 16-bit little-endian mono PCM. Local engines such as whisper.cpp
// are batch engines, which is why the interface is a single request/response
// call rather than a stream.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Config describes the audio format and recognition hints for one
// transcription request.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Zero means 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g. "en", "de").
	// An empty string uses the provider's configured default.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one utterance of PCM audio into text. An utterance
	// that contains no recognisable speech yields a Transcript with empty Text
	// and a nil error.
	//
	// Implementations must abort promptly when ctx is cancelled and return an
	// error wrapping ctx.Err().
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (Transcript, error)
}
