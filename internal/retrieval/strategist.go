// Package retrieval decides what grounding a query gets before generation.
//
// A [Strategist] first checks whether the query asks for a page to be read
// out verbatim ("read page 3 of the manual"). If the page can be resolved it
// returns a bypass result and generation is skipped entirely. Otherwise it
// runs hybrid retrieval: whole pages first, document chunks when no page
// matches, and past conversation exchanges appended last.
//
// Retrieval degrades rather than fails. A missing or failing vector store or
// embedder yields an empty context; only cancellation of the caller's context
// is reported as an error.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
)

// Default result counts and limits.
const (
	DefaultPageTopK         = 3
	DefaultChunkTopK        = 3
	DefaultConversationTopK = 2
	DefaultTimeout          = 5 * time.Second
)

// Kind identifies which collection a [RetrievedUnit] came from.
type Kind int

const (
	KindPage Kind = iota
	KindChunk
	KindConversation
)

// String returns the collection-style name of k.
func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindChunk:
		return "chunk"
	case KindConversation:
		return "conversation"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Scope restricts retrieval to one session's documents and history.
type Scope struct {
	// SessionID filters every query. Empty means unscoped.
	SessionID string

	// Disabled turns off hybrid retrieval for the session. Verbatim page
	// reads still work.
	Disabled bool
}

// PageRef is a resolved verbatim page.
type PageRef struct {
	DocID    string
	Filename string
	Page     int
	Text     string
}

// RetrievedUnit is one piece of context handed to generation.
type RetrievedUnit struct {
	SourceID string
	Kind     Kind

	// Label is "filename, page N", "filename" or "conversation".
	Label string
	Text  string
	Score float64

	DocID     string
	Filename  string
	Page      int
	CreatedAt time.Time
}

// Result is the outcome of [Strategist.Resolve]. Exactly one of Bypass and
// Context is meaningful: when Bypass is non-nil, Context is empty.
type Result struct {
	Bypass  *PageRef
	Context []RetrievedUnit
}

// IsBypass reports whether the result is a verbatim page read.
func (r Result) IsBypass() bool { return r.Bypass != nil }

// Option configures a [Strategist].
type Option func(*Strategist)

// WithTopK overrides the per-collection result counts. Values below 1 keep
// the default.
func WithTopK(pages, chunks, conversations int) Option {
	return func(s *Strategist) {
		if pages > 0 {
			s.pageK = pages
		}
		if chunks > 0 {
			s.chunkK = chunks
		}
		if conversations > 0 {
			s.convK = conversations
		}
	}
}

// WithTimeout bounds the total time one Resolve call spends on the store and
// embedder. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(s *Strategist) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger used for degraded-retrieval warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategist) { s.log = l }
}

// WithChunking overrides the ingestion chunk size and overlap.
func WithChunking(size, overlap int) Option {
	return func(s *Strategist) {
		if size > 0 && overlap >= 0 && overlap < size {
			s.chunkSize = size
			s.chunkOverlap = overlap
		}
	}
}

// Strategist resolves queries against a [memory.VectorStore]. It also owns
// document ingestion and conversation memory so that ids and metadata stay
// consistent between writers and readers.
//
// A Strategist is safe for concurrent use.
type Strategist struct {
	store    memory.VectorStore
	embedder embeddings.Provider
	log      *slog.Logger

	pageK, chunkK, convK int
	timeout              time.Duration
	chunkSize            int
	chunkOverlap         int

	mu sync.Mutex
	// lastDoc is the most recently referenced document per session.
	lastDoc map[string]string
}

// New creates a Strategist. store and embedder may be nil, in which case
// hybrid retrieval always returns an empty context.
func New(store memory.VectorStore, embedder embeddings.Provider, opts ...Option) *Strategist {
	s := &Strategist{
		store:        store,
		embedder:     embedder,
		log:          slog.Default(),
		pageK:        DefaultPageTopK,
		chunkK:       DefaultChunkTopK,
		convK:        DefaultConversationTopK,
		timeout:      DefaultTimeout,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		lastDoc:      make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve returns either a verbatim page or an ordered context for query.
// The only error it returns is the caller's context error.
func (s *Strategist) Resolve(ctx context.Context, query string, scope Scope) (Result, error) {
	if s.store == nil {
		return Result{}, ctx.Err()
	}
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if req, ok := ParsePageRequest(query); ok {
		if page, ok := s.resolvePage(rctx, req, scope); ok {
			return Result{Bypass: page}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if scope.Disabled || s.embedder == nil {
		return Result{}, nil
	}

	units := s.hybrid(rctx, query, scope)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	for _, u := range units {
		if u.Kind != KindConversation {
			s.touch(scope.SessionID, u.DocID)
			break
		}
	}
	return Result{Context: units}, nil
}

// resolvePage finds the document a page request refers to and fetches the
// page. Any miss reports false so the caller falls through to hybrid
// retrieval.
func (s *Strategist) resolvePage(ctx context.Context, req PageRequest, scope Scope) (*PageRef, bool) {
	docs, err := s.ListDocuments(ctx, scope.SessionID)
	if err != nil {
		s.log.Warn("retrieval: list documents for page read", "session_id", scope.SessionID, "err", err)
		return nil, false
	}
	doc, ok := s.pickDocument(docs, req.Hint, scope.SessionID)
	if !ok {
		return nil, false
	}
	page, err := s.Page(ctx, doc.DocID, req.Page)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			s.log.Warn("retrieval: fetch page", "doc_id", doc.DocID, "page", req.Page, "err", err)
		}
		return nil, false
	}
	s.touch(scope.SessionID, doc.DocID)
	return &page, true
}

// pickDocument applies the document resolution order: hint, then the only
// document in scope, then the most recently referenced one. An ambiguous hint
// is a miss; a hint that matches nothing falls back to the rest of the order.
func (s *Strategist) pickDocument(docs []DocumentInfo, hint, sessionID string) (DocumentInfo, bool) {
	if len(docs) == 0 {
		return DocumentInfo{}, false
	}
	if hint != "" {
		d, n := matchHint(docs, hint)
		switch {
		case n == 1:
			return d, true
		case n > 1:
			return DocumentInfo{}, false
		}
	}
	if len(docs) == 1 {
		return docs[0], true
	}

	s.mu.Lock()
	last := s.lastDoc[sessionID]
	s.mu.Unlock()
	if i := slices.IndexFunc(docs, func(d DocumentInfo) bool { return d.DocID == last }); i >= 0 {
		return docs[i], true
	}
	return DocumentInfo{}, false
}

func (s *Strategist) touch(sessionID, docID string) {
	if docID == "" {
		return
	}
	s.mu.Lock()
	s.lastDoc[sessionID] = docID
	s.mu.Unlock()
}

// hybrid embeds the query once and runs the document and conversation
// lookups concurrently. Failures on either side are logged and yield no
// units for that side.
func (s *Strategist) hybrid(ctx context.Context, query string, scope Scope) []RetrievedUnit {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.log.Warn("retrieval: embed query", "session_id", scope.SessionID, "err", err)
		return nil
	}
	filter := memory.Filter{SessionID: scope.SessionID}

	var docs, convs []RetrievedUnit
	var eg errgroup.Group
	eg.Go(func() error {
		pages, err := s.store.Query(ctx, memory.CollectionPages, vec, s.pageK, filter)
		if err != nil {
			s.log.Warn("retrieval: query pages", "session_id", scope.SessionID, "err", err)
		}
		if len(pages) > 0 {
			docs = toUnits(pages, KindPage)
			return nil
		}
		chunks, err := s.store.Query(ctx, memory.CollectionChunks, vec, s.chunkK, filter)
		if err != nil {
			s.log.Warn("retrieval: query chunks", "session_id", scope.SessionID, "err", err)
		}
		docs = toUnits(chunks, KindChunk)
		return nil
	})
	eg.Go(func() error {
		matches, err := s.store.Query(ctx, memory.CollectionConversations, vec, s.convK, filter)
		if err != nil {
			s.log.Warn("retrieval: query conversations", "session_id", scope.SessionID, "err", err)
		}
		convs = toUnits(matches, KindConversation)
		return nil
	})
	_ = eg.Wait()

	out := rank(docs)
	return append(out, rank(convs)...)
}

func toUnits(matches []memory.Match, kind Kind) []RetrievedUnit {
	out := make([]RetrievedUnit, 0, len(matches))
	for _, m := range matches {
		u := RetrievedUnit{
			SourceID:  m.ID,
			Kind:      kind,
			Label:     m.Filename,
			Text:      m.Text,
			Score:     m.Score,
			DocID:     m.DocID,
			Filename:  m.Filename,
			Page:      m.PageNumber,
			CreatedAt: m.CreatedAt,
		}
		switch {
		case kind == KindConversation:
			u.Label = "conversation"
		case m.HasPage():
			u.Label = fmt.Sprintf("%s, page %d", m.Filename, m.PageNumber)
		}
		out = append(out, u)
	}
	return out
}

// rank deduplicates by source id, keeping the best score, and orders by
// score, then recency, then source id.
func rank(units []RetrievedUnit) []RetrievedUnit {
	best := make(map[string]int, len(units))
	out := units[:0:0]
	for _, u := range units {
		if i, ok := best[u.SourceID]; ok {
			if u.Score > out[i].Score {
				out[i] = u
			}
			continue
		}
		best[u.SourceID] = len(out)
		out = append(out, u)
	}
	slices.SortStableFunc(out, func(a, b RetrievedUnit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceID, b.SourceID)
	})
	return out
}
