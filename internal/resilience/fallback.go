package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result, either because it failed or because its breaker was open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is applied to every entry of a [FallbackGroup]. Each entry
// gets its own breaker built from CircuitBreaker, named after the entry, and
// is retried per Retry before the next entry is tried.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryPolicy
}

type member[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup holds backends of one provider type in preference order,
// e.g. "llm/ollama" before "llm/openai". Register every entry before the
// group is used concurrently.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends backend behind the entries already registered.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, backend: backend, breaker: NewCircuitBreaker(bc)})
}

// Primary returns the first entry.
func (g *FallbackGroup[T]) Primary() T {
	return g.members[0].backend
}

// States maps each entry name to its breaker state.
func (g *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(g.members))
	for _, m := range g.members {
		states[m.name] = m.breaker.State()
	}
	return states
}

// Execute is [ExecuteWithResult] for calls without a result.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(ctx context.Context, backend T) (struct{}, error) {
		return struct{}{}, fn(ctx, backend)
	})
	return err
}

// ExecuteWithResult calls fn on each entry in order until one succeeds.
// Entries with an open breaker are skipped. Once ctx is done the walk stops
// and the cancellation error is returned as is; otherwise exhausting the
// group returns [ErrAllFailed] wrapping the last entry's error.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var last error
	for _, m := range g.members {
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = Retry(ctx, g.cfg.Retry, func(ctx context.Context) (R, error) {
				return fn(ctx, m.backend)
			})
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil, errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		default:
			slog.Warn("provider failed, falling back", "provider", m.name, "err", err)
		}
		last = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, last)
}
