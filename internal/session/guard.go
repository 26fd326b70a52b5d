package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes the history operations used during a
// pipeline run non-fatal. If the underlying store fails, Append and History
// log a warning and report success (History returns an empty slice), so a
// database outage costs the conversation its memory but not its answer.
//
// [ErrNotFound] is still returned; a missing session is a caller error, not an
// outage. All other methods pass through unchanged.
//
// All methods are safe for concurrent use.
type Guard struct {
	Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard creates a Guard around store.
func NewGuard(store Store) *Guard {
	return &Guard{Store: store}
}

// Append attempts to append entries. Failures other than [ErrNotFound] are
// logged and swallowed and mark the guard degraded; success clears the flag.
func (g *Guard) Append(ctx context.Context, id string, entries ...Entry) error {
	err := g.Store.Append(ctx, id, entries...)
	if err == nil || errors.Is(err, ErrNotFound) {
		g.degraded.Store(false)
		return err
	}
	g.degraded.Store(true)
	slog.Warn("session guard: append failed, swallowing error", "session_id", id, "entries", len(entries), "err", err)
	return nil
}

// History attempts to read history. Failures other than [ErrNotFound] yield
// an empty slice and mark the guard degraded.
func (g *Guard) History(ctx context.Context, id string, limit int) ([]Entry, error) {
	entries, err := g.Store.History(ctx, id, limit)
	if err == nil || errors.Is(err, ErrNotFound) {
		g.degraded.Store(false)
		return entries, err
	}
	g.degraded.Store(true)
	slog.Warn("session guard: history failed, returning empty", "session_id", id, "err", err)
	return []Entry{}, nil
}

// IsDegraded reports whether the most recent guarded operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
