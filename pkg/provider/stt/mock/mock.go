// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello"}}
//	got, _ := p.Transcribe(ctx, pcm, stt.Config{})
//	if p.CallCount() != 1 { … }
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lectern/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Block, if non-nil, makes Transcribe wait until the channel is closed or
	// ctx is cancelled, whichever happens first.
	Block chan struct{}

	// TranscribeFunc, if set, overrides Result and Err.
	TranscribeFunc func(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error)

	calls []TranscribeCall
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	p.mu.Lock()
	p.calls = append(p.calls, TranscribeCall{PCM: slices.Clone(pcm), Cfg: cfg})
	block, fn, res, err := p.Block, p.TranscribeFunc, p.Result, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, pcm, cfg)
	}
	return res, err
}

// Calls returns a copy of all recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
