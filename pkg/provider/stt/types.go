package stt

import "time"

// DefaultSampleRate is used when [Config.SampleRate] is zero.
const DefaultSampleRate = 16000

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech content, trimmed of surrounding
	// whitespace.
	Text string

	// Language is the language the engine recognised, when reported.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Duration is the length of the submitted audio.
	Duration time.Duration
}

// WithDefaults returns cfg with zero fields replaced by defaults.
func (cfg Config) WithDefaults() Config {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	return cfg
}
