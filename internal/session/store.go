// Package session manages conversation threads: their titles, the retrieval
// toggle and the message history fed back to the language model.
//
// A [Store] persists sessions; [MemStore] keeps them in memory and the
// postgres sub-package keeps them in PostgreSQL. The [Manager] layers the
// behaviour on top that does not belong in storage: automatic titles, history
// windows and dropping a session's conversation memory on delete.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session: not found")

// Session is one conversation thread.
type Session struct {
	ID        string    `json:"session_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// RetrievalEnabled toggles document and conversation retrieval for runs in
	// this session. Verbatim page reads are unaffected.
	RetrievalEnabled bool `json:"rag_enabled"`

	// MessageCount is the number of history entries. Stores fill it in on
	// reads; it is ignored on writes.
	MessageCount int `json:"message_count"`
}

// Entry is one message in a session's history.
type Entry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Message converts e for a generation request.
func (e Entry) Message() llm.Message {
	return llm.Message{Role: e.Role, Content: e.Content}
}

// Store persists sessions and their history.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Create inserts s. The caller assigns ID and timestamps.
	Create(ctx context.Context, s Session) error

	// Get returns the session with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (Session, error)

	// List returns every session, most recently updated first.
	List(ctx context.Context) ([]Session, error)

	// Update replaces the title, retrieval flag and UpdatedAt of an existing
	// session. Returns [ErrNotFound] for an unknown id.
	Update(ctx context.Context, s Session) error

	// Delete removes a session and its history. Returns [ErrNotFound] for an
	// unknown id.
	Delete(ctx context.Context, id string) error

	// Append adds entries to the end of a session's history and sets the
	// session's UpdatedAt to the CreatedAt of the last entry.
	Append(ctx context.Context, id string, entries ...Entry) error

	// History returns up to limit of the most recent entries, oldest first.
	// A limit below 1 returns the whole history.
	History(ctx context.Context, id string, limit int) ([]Entry, error)
}
