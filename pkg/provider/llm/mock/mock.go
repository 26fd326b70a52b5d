// Package mock is a scripted llm.Provider for tests.
//
//	p := &mock.Provider{StreamChunks: mock.Tokens("Page two. ", "It covers setup.")}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider replays StreamChunks on every StreamCompletion. Configure it
// before use; the recorders are safe to read concurrently.
type Provider struct {
	StreamChunks []llm.Chunk
	// StreamErr fails StreamCompletion before any chunk.
	StreamErr error
	// Stall keeps the stream open after the last chunk until the request
	// context ends, like a model that keeps thinking.
	Stall bool
	// StreamFunc replaces the scripted behaviour entirely.
	StreamFunc func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)

	ModelsResult []llm.Model
	ModelsErr    error

	mu        sync.Mutex
	requests  []llm.Request
	cancelled int
}

// Tokens turns text fragments into chunks.
func Tokens(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, len(parts))
	for i, p := range parts {
		out[i].Text = p
	}
	return out
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.StreamFunc != nil {
		return p.StreamFunc(ctx, req)
	}
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				p.noteCancel()
				return
			}
		}
		if p.Stall {
			<-ctx.Done()
			p.noteCancel()
		}
	}()
	return ch, nil
}

func (p *Provider) noteCancel() {
	p.mu.Lock()
	p.cancelled++
	p.mu.Unlock()
}

func (p *Provider) ListModels(context.Context) ([]llm.Model, error) {
	return slices.Clone(p.ModelsResult), p.ModelsErr
}

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Cancelled counts streams that ended because their context did.
func (p *Provider) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}
