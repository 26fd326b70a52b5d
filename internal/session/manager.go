package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

const (
	// DefaultTitle is the title of a session until its first user message.
	DefaultTitle = "New chat"

	// DefaultTitleLength is the number of characters of the first user
	// message kept as the automatic title.
	DefaultTitleLength = 60

	// DefaultHistoryExchanges is how many user/assistant exchanges are fed
	// back to the language model.
	DefaultHistoryExchanges = 10
)

// Forgetter drops the conversation memory of a session.
type Forgetter interface {
	Forget(ctx context.Context, sessionID string) (int, error)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithForgetter makes [Manager.Delete] also drop the session's conversation
// memory.
func WithForgetter(f Forgetter) Option {
	return func(m *Manager) { m.forget = f }
}

// WithTitleLength overrides [DefaultTitleLength].
func WithTitleLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.titleLen = n
		}
	}
}

// WithHistoryExchanges overrides [DefaultHistoryExchanges].
func WithHistoryExchanges(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.exchanges = n
		}
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager implements the session operations exposed to clients.
type Manager struct {
	store     Store
	forget    Forgetter
	titleLen  int
	exchanges int
	now       func() time.Time
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		titleLen:  DefaultTitleLength,
		exchanges: DefaultHistoryExchanges,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a new session. An empty title becomes [DefaultTitle].
func (m *Manager) Create(ctx context.Context, title string) (Session, error) {
	return m.create(ctx, uuid.NewString(), title)
}

func (m *Manager) create(ctx context.Context, id, title string) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	now := m.now().UTC()
	s := Session{
		ID:               id,
		Title:            title,
		CreatedAt:        now,
		UpdatedAt:        now,
		RetrievalEnabled: true,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	slog.Info("session created", "session_id", s.ID)
	return s, nil
}

// Get returns a session or [ErrNotFound].
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("session: get %s: %w", id, err)
	}
	return s, nil
}

// GetOrCreate returns the session with id, creating it under that id if it
// does not exist. An empty id always creates a new session.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return m.Create(ctx, "")
	}
	s, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return m.create(ctx, id, "")
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: get %s: %w", id, err)
	}
	return s, nil
}

// List returns all sessions, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	out, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return out, nil
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Title            *string `json:"title"`
	RetrievalEnabled *bool   `json:"rag_enabled"`
}

// Update applies p to the session and returns the result.
func (m *Manager) Update(ctx context.Context, id string, p Patch) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("session: update %s: %w", id, err)
	}
	if p.Title != nil {
		if t := strings.TrimSpace(*p.Title); t != "" {
			s.Title = t
		}
	}
	if p.RetrievalEnabled != nil {
		s.RetrievalEnabled = *p.RetrievalEnabled
	}
	s.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, s); err != nil {
		return Session{}, fmt.Errorf("session: update %s: %w", id, err)
	}
	return s, nil
}

// Delete removes a session, its history and its conversation memory. The
// session stays deleted when dropping the memory fails.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("session: delete %s: %w", id, err)
	}
	if m.forget == nil {
		slog.Info("session deleted", "session_id", id)
		return nil
	}
	n, err := m.forget.Forget(ctx, id)
	if err != nil {
		return fmt.Errorf("session: drop conversation memory of %s: %w", id, err)
	}
	slog.Info("session deleted", "session_id", id, "exchanges_forgotten", n)
	return nil
}

// AppendExchange records a completed user/assistant exchange. A session still
// carrying [DefaultTitle] is renamed after the user message.
func (m *Manager) AppendExchange(ctx context.Context, id, user, assistant string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("session: append to %s: %w", id, err)
	}
	now := m.now().UTC()
	entries := []Entry{
		{Role: llm.RoleUser, Content: user, CreatedAt: now},
		{Role: llm.RoleAssistant, Content: assistant, CreatedAt: now},
	}
	if err := m.store.Append(ctx, id, entries...); err != nil {
		return fmt.Errorf("session: append to %s: %w", id, err)
	}

	if s.Title != DefaultTitle || strings.TrimSpace(user) == "" {
		return nil
	}
	s.Title = AutoTitle(user, m.titleLen)
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s); err != nil {
		return fmt.Errorf("session: auto-title %s: %w", id, err)
	}
	return nil
}

// History returns the most recent exchanges of a session as generation
// messages, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]llm.Message, error) {
	entries, err := m.store.History(ctx, id, m.exchanges*2)
	if err != nil {
		return nil, fmt.Errorf("session: history of %s: %w", id, err)
	}
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message())
	}
	return out, nil
}

// Entries returns the full stored history of a session.
func (m *Manager) Entries(ctx context.Context, id string) ([]Entry, error) {
	entries, err := m.store.History(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("session: history of %s: %w", id, err)
	}
	return entries, nil
}

// AutoTitle derives a title from the first user message: its first n
// characters, trimmed, with "..." appended when the message was longer.
func AutoTitle(content string, n int) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	r := []rune(content)
	return strings.TrimSpace(string(r[:n])) + "..."
}
