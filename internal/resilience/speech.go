package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lectern/pkg/provider/stt"
	"github.com/MrWong99/lectern/pkg/provider/tts"
)

// ErrNoAudio is reported for a backend that answered a synthesis request
// with zero bytes. It counts as a failure, so the next voice is tried.
var ErrNoAudio = errors.New("tts backend returned no audio")

var (
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// ── Transcription ────────────────────────────────────────────────────────────

// STTFallback transcribes each utterance with the first transcriber whose
// breaker admits the call.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a transcriber tried after the ones already registered.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// States reports the breaker state per transcriber.
func (f *STTFallback) States() map[string]State { return f.group.States() }

func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, pcm, cfg)
	})
}

// ── Synthesis ────────────────────────────────────────────────────────────────

// TTSFallback synthesises each sentence on the first healthy backend. A
// backend that answers with empty audio fails over like one that errors.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a synthesiser tried after the ones already registered.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// States reports the breaker state per synthesiser.
func (f *TTSFallback) States() map[string]State { return f.group.States() }

func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]byte, error) {
		out, err := p.Synthesize(ctx, text, voice)
		if err == nil && len(out) == 0 {
			return nil, ErrNoAudio
		}
		return out, err
	})
}

func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}
