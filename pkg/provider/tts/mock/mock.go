// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio to the pipeline and to verify which
// sentence units and voices reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("RIFF...")}
//	wav, _ := p.Synthesize(ctx, "Hello.", tts.Voice{ID: "v1"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by Synthesize. When nil, Synthesize returns a short
	// silent 16 kHz mono WAV.
	Audio []byte

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// Block, if non-nil, makes Synthesize wait until the channel is closed or
	// ctx is cancelled.
	Block chan struct{}

	// SynthesizeFunc, if set, overrides Audio and SynthesizeErr.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.Voice) ([]byte, error)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	synthesizeCalls []SynthesizeCall
	listVoicesCalls int
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio, SynthesizeErr.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	p.synthesizeCalls = append(p.synthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	block, fn, wav, err := p.Block, p.SynthesizeFunc, p.Audio, p.SynthesizeErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	if wav == nil {
		// 20 ms of silence.
		return audio.EncodeWAV(make([]byte, 640), 16000, 1), nil
	}
	return slices.Clone(wav), nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listVoicesCalls++
	return slices.Clone(p.ListVoicesResult), p.ListVoicesErr
}

// SynthesizeCalls returns a copy of all recorded Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCalls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.synthesizeCalls)
}

// Texts returns the text of every Synthesize call in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.synthesizeCalls))
	for i, c := range p.synthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// ListVoicesCallCount returns the number of ListVoices calls.
func (p *Provider) ListVoicesCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listVoicesCalls
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthesizeCalls = nil
	p.listVoicesCalls = 0
}
