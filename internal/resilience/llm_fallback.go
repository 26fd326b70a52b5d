package resilience

import (
	"context"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
//
// A stream counts as started once its first text chunk arrives. Errors before
// that point are retried and failed over; errors after it are forwarded to
// the caller, because the text already spoken cannot be taken back.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every backend.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// StreamCompletion opens a stream on the first healthy provider that produces
// text.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		return startStream(ctx, p, req)
	})
}

// ListModels returns the model list of the first healthy provider.
func (f *LLMFallback) ListModels(ctx context.Context) ([]llm.Model, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) ([]llm.Model, error) {
		return p.ListModels(ctx)
	})
}

// startStream opens a stream and waits for its first text chunk. A stream
// that fails or ends before producing text is reported as an error.
func startStream(ctx context.Context, p llm.Provider, req llm.Request) (<-chan llm.Chunk, error) {
	src, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	var head []llm.Chunk
	for {
		select {
		case c, ok := <-src:
			if !ok {
				// Empty completion; hand back what there is.
				return replay(ctx, head, nil), nil
			}
			if c.Err != nil {
				go drain(src)
				return nil, c.Err
			}
			head = append(head, c)
			if c.Text != "" {
				return replay(ctx, head, src), nil
			}
		case <-ctx.Done():
			go drain(src)
			return nil, ctx.Err()
		}
	}
}

// replay emits head and then forwards the rest of src.
func replay(ctx context.Context, head []llm.Chunk, src <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk, len(head)+8)
	for _, c := range head {
		out <- c
	}
	if src == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		for c := range src {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(src)
				return
			}
		}
	}()
	return out
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
