// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a local model server (Ollama, llama.cpp, llamafile or
// any OpenAI-compatible endpoint) and exposes a uniform streaming interface
// to the pipeline without coupling it to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any LLM backend.
//
// Each method should propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that occur
	// after the channel is opened are surfaced as a final Chunk with Err set;
	// the initial error return is non-nil only for failures that prevent the
	// stream from starting (unreachable server, unknown model).
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) ([]Model, error)
}

// Collect drains a stream into a single string. It returns the first chunk
// error, or ctx.Err() if the context ends before the stream does.
func Collect(ctx context.Context, ch <-chan Chunk) (string, error) {
	var out []byte
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return string(out), ctx.Err()
			}
			if c.Err != nil {
				return string(out), c.Err
			}
			out = append(out, c.Text...)
		case <-ctx.Done():
			return string(out), ctx.Err()
		}
	}
}
