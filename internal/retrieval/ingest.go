package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Chunking defaults, in characters.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// embedBatchSize caps how many texts go to the embedder in one request.
const embedBatchSize = 32

// pageBreak separates pages in plain-text uploads.
const pageBreak = "\f"

var (
	// ErrUnsupportedType is returned by [Strategist.Ingest] for file types
	// other than plain text and markdown.
	ErrUnsupportedType = errors.New("retrieval: unsupported file type")

	// ErrEmptyDocument is returned by [Strategist.Ingest] when the upload has
	// no text after trimming.
	ErrEmptyDocument = errors.New("retrieval: document has no text")

	// ErrUnavailable is returned by write operations when no vector store or
	// embedder is configured.
	ErrUnavailable = errors.New("retrieval: vector store unavailable")
)

// Document is an upload to ingest.
type Document struct {
	Filename  string
	SessionID string
	Data      []byte
}

// DocumentInfo summarises an ingested document.
type DocumentInfo struct {
	DocID      string    `json:"doc_id"`
	Filename   string    `json:"filename"`
	SourceType string    `json:"source_type"`
	SessionID  string    `json:"session_id,omitempty"`
	Chunks     int       `json:"chunks"`
	PageCount  int       `json:"page_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SupportedExtensions lists the file extensions [Strategist.Ingest] accepts.
var SupportedExtensions = []string{".txt", ".md", ".text"}

func sourceTypeFor(filename string) (string, bool) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text":
		return memory.SourceText, true
	case ".md":
		return memory.SourceMarkdown, true
	}
	return "", false
}

// Ingest splits doc into pages and chunks, embeds them and stores them under a
// fresh document id. Pages are delimited by form feeds and numbered from 1;
// text without form feeds is stored as chunks only.
func (s *Strategist) Ingest(ctx context.Context, doc Document) (DocumentInfo, error) {
	if s.store == nil || s.embedder == nil {
		return DocumentInfo{}, ErrUnavailable
	}
	sourceType, ok := sourceTypeFor(doc.Filename)
	if !ok {
		return DocumentInfo{}, fmt.Errorf("%w: %q", ErrUnsupportedType, filepath.Ext(doc.Filename))
	}
	text := strings.ToValidUTF8(string(doc.Data), "\uFFFD")
	if strings.TrimSpace(text) == "" {
		return DocumentInfo{}, ErrEmptyDocument
	}

	info := DocumentInfo{
		DocID:      uuid.NewString(),
		Filename:   doc.Filename,
		SourceType: sourceType,
		SessionID:  doc.SessionID,
		CreatedAt:  time.Now().UTC(),
	}
	base := memory.Record{
		DocID:      info.DocID,
		Filename:   info.Filename,
		SessionID:  info.SessionID,
		SourceType: info.SourceType,
		CreatedAt:  info.CreatedAt,
	}

	var pages, chunks []memory.Record
	if strings.Contains(text, pageBreak) {
		for i, raw := range strings.Split(text, pageBreak) {
			pageText := strings.TrimSpace(raw)
			if pageText == "" {
				continue
			}
			n := i + 1
			p := base
			p.ID = fmt.Sprintf("%s_page_%d", info.DocID, n)
			p.Text = pageText
			p.PageNumber = n
			pages = append(pages, p)

			for j, c := range chunkText(pageText, s.chunkSize, s.chunkOverlap) {
				r := base
				r.ID = fmt.Sprintf("%s_page%d_chunk_%d", info.DocID, n, j)
				r.Text = c
				r.PageNumber = n
				r.ChunkIndex = len(chunks)
				chunks = append(chunks, r)
			}
		}
	} else {
		for j, c := range chunkText(text, s.chunkSize, s.chunkOverlap) {
			r := base
			r.ID = fmt.Sprintf("%s_chunk_%d", info.DocID, j)
			r.Text = c
			r.PageNumber = memory.NoPage
			r.ChunkIndex = j
			chunks = append(chunks, r)
		}
	}
	if len(chunks) == 0 {
		return DocumentInfo{}, ErrEmptyDocument
	}

	if err := s.embedRecords(ctx, pages); err != nil {
		return DocumentInfo{}, fmt.Errorf("retrieval: embed pages: %w", err)
	}
	if err := s.embedRecords(ctx, chunks); err != nil {
		return DocumentInfo{}, fmt.Errorf("retrieval: embed chunks: %w", err)
	}
	if len(pages) > 0 {
		if err := s.store.Upsert(ctx, memory.CollectionPages, pages); err != nil {
			return DocumentInfo{}, fmt.Errorf("retrieval: store pages: %w", err)
		}
	}
	if err := s.store.Upsert(ctx, memory.CollectionChunks, chunks); err != nil {
		if len(pages) > 0 {
			if _, derr := s.store.Delete(context.WithoutCancel(ctx), memory.CollectionPages, memory.Filter{DocID: info.DocID}); derr != nil {
				s.log.Warn("retrieval: roll back pages", "doc_id", info.DocID, "err", derr)
			}
		}
		return DocumentInfo{}, fmt.Errorf("retrieval: store chunks: %w", err)
	}

	info.Chunks = len(chunks)
	info.PageCount = len(pages)
	s.log.Info("document ingested",
		"doc_id", info.DocID,
		"filename", info.Filename,
		"session_id", info.SessionID,
		"pages", info.PageCount,
		"chunks", info.Chunks,
	)
	return info, nil
}

// embedRecords fills in the Embedding of every record, in batches.
func (s *Strategist) embedRecords(ctx context.Context, recs []memory.Record) error {
	for start := 0; start < len(recs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(recs))
		texts := make([]string, 0, end-start)
		for _, r := range recs[start:end] {
			texts = append(texts, r.Text)
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		for i, v := range vecs {
			recs[start+i].Embedding = v
		}
	}
	return nil
}

// chunkText slices text into windows of size characters that overlap by
// overlap characters. Windows are trimmed and empty ones dropped.
func chunkText(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ListDocuments returns the documents ingested into session, newest first.
// An empty session lists every document.
func (s *Strategist) ListDocuments(ctx context.Context, sessionID string) ([]DocumentInfo, error) {
	if s.store == nil {
		return nil, ErrUnavailable
	}
	recs, err := s.store.Scan(ctx, memory.CollectionChunks, memory.Filter{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("retrieval: list documents: %w", err)
	}

	byID := make(map[string]*DocumentInfo)
	pages := make(map[string]map[int]struct{})
	var order []string
	for _, r := range recs {
		d, ok := byID[r.DocID]
		if !ok {
			d = &DocumentInfo{
				DocID:      r.DocID,
				Filename:   r.Filename,
				SourceType: r.SourceType,
				SessionID:  r.SessionID,
				CreatedAt:  r.CreatedAt,
			}
			byID[r.DocID] = d
			pages[r.DocID] = make(map[int]struct{})
			order = append(order, r.DocID)
		}
		d.Chunks++
		if r.HasPage() {
			pages[r.DocID][r.PageNumber] = struct{}{}
		}
		if r.CreatedAt.Before(d.CreatedAt) {
			d.CreatedAt = r.CreatedAt
		}
	}

	out := make([]DocumentInfo, 0, len(order))
	for _, id := range order {
		d := byID[id]
		d.PageCount = len(pages[id])
		out = append(out, *d)
	}
	slices.SortStableFunc(out, func(a, b DocumentInfo) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.DocID, b.DocID)
	})
	return out, nil
}

// DeleteDocument removes a document's pages and chunks. It reports false when
// nothing was stored under docID.
func (s *Strategist) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	if s.store == nil {
		return false, ErrUnavailable
	}
	if docID == "" {
		return false, nil
	}
	f := memory.Filter{DocID: docID}
	nc, err := s.store.Delete(ctx, memory.CollectionChunks, f)
	if err != nil {
		return false, fmt.Errorf("retrieval: delete chunks of %s: %w", docID, err)
	}
	np, err := s.store.Delete(ctx, memory.CollectionPages, f)
	if err != nil {
		return false, fmt.Errorf("retrieval: delete pages of %s: %w", docID, err)
	}

	s.mu.Lock()
	for sid, id := range s.lastDoc {
		if id == docID {
			delete(s.lastDoc, sid)
		}
	}
	s.mu.Unlock()
	return nc+np > 0, nil
}

// Page returns page n of a document, or an error wrapping
// [memory.ErrNotFound].
func (s *Strategist) Page(ctx context.Context, docID string, n int) (PageRef, error) {
	if s.store == nil {
		return PageRef{}, ErrUnavailable
	}
	r, err := s.store.FetchByID(ctx, memory.CollectionPages, fmt.Sprintf("%s_page_%d", docID, n))
	if err != nil {
		return PageRef{}, fmt.Errorf("retrieval: page %d of %s: %w", n, docID, err)
	}
	return PageRef{DocID: r.DocID, Filename: r.Filename, Page: r.PageNumber, Text: r.Text}, nil
}

// Remember stores one completed exchange in the session's conversation
// memory.
func (s *Strategist) Remember(ctx context.Context, sessionID, user, assistant string) error {
	if s.store == nil || s.embedder == nil {
		return ErrUnavailable
	}
	text := fmt.Sprintf("User: %s\nAssistant: %s", user, assistant)
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("retrieval: embed exchange: %w", err)
	}
	rec := memory.Record{
		ID:         uuid.NewString(),
		Text:       text,
		Embedding:  vec,
		SessionID:  sessionID,
		PageNumber: memory.NoPage,
		SourceType: memory.SourceConversation,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Upsert(ctx, memory.CollectionConversations, []memory.Record{rec}); err != nil {
		return fmt.Errorf("retrieval: store exchange: %w", err)
	}
	return nil
}

// Forget deletes the conversation memory of a session and returns how many
// exchanges were removed.
func (s *Strategist) Forget(ctx context.Context, sessionID string) (int, error) {
	if s.store == nil {
		return 0, ErrUnavailable
	}
	if sessionID == "" {
		return 0, fmt.Errorf("retrieval: forget: %w", memory.ErrEmptyFilter)
	}
	n, err := s.store.Delete(ctx, memory.CollectionConversations, memory.Filter{SessionID: sessionID})
	if err != nil {
		return 0, fmt.Errorf("retrieval: forget session %s: %w", sessionID, err)
	}
	s.mu.Lock()
	delete(s.lastDoc, sessionID)
	s.mu.Unlock()
	return n, nil
}
