// Package memory defines the vector store that backs retrieval: embedded
// document pages, document chunks and past conversation exchanges, each kept
// in its own collection.
//
// Every record carries the metadata needed to cite it (document, filename,
// page) and to scope it (session). Similarity is cosine; [Match.Score] is
// 1 - cosine distance, so higher is more relevant.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// Collection names.
const (
	// CollectionPages holds one record per document page, embedded whole.
	CollectionPages = "pages"

	// CollectionChunks holds overlapping fixed-size slices of document text.
	CollectionChunks = "chunks"

	// CollectionConversations holds one record per completed exchange.
	CollectionConversations = "conversations"
)

// Source types stored in [Record.SourceType].
const (
	SourceText         = "text"
	SourceMarkdown     = "md"
	SourceConversation = "conversation"
)

// NoPage is the page number of records that are not tied to a page.
const NoPage = -1

// ErrNotFound is returned by [VectorStore.FetchByID] when no record has the
// requested id.
var ErrNotFound = errors.New("memory: not found")

// ErrEmptyFilter is returned by [VectorStore.Delete] for a filter that would
// match every record in a collection.
var ErrEmptyFilter = errors.New("memory: delete requires a filter")

// Record is one embedded unit of text.
type Record struct {
	// ID is unique within its collection.
	ID string

	// Text is the stored content returned to callers verbatim.
	Text string

	// Embedding is the vector used for similarity search. It may be nil on
	// records returned from [VectorStore.Scan].
	Embedding []float32

	DocID      string
	Filename   string
	SessionID  string
	PageNumber int
	ChunkIndex int
	SourceType string

	CreatedAt time.Time
}

// HasPage reports whether the record is tied to a page.
func (r Record) HasPage() bool { return r.PageNumber != NoPage }

// Match is a [Record] returned from a similarity query.
type Match struct {
	Record

	// Distance is the cosine distance to the query vector (0..2).
	Distance float64

	// Score is 1 - Distance.
	Score float64
}

// Filter narrows queries, scans and deletes. Zero-value fields are ignored;
// non-zero fields are ANDed.
type Filter struct {
	IDs       []string
	DocID     string
	SessionID string
}

// IsZero reports whether the filter matches every record.
func (f Filter) IsZero() bool {
	return len(f.IDs) == 0 && f.DocID == "" && f.SessionID == ""
}

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r Record) bool {
	if f.DocID != "" && r.DocID != f.DocID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == r.ID {
				return true
			}
		}
		return false
	}
	return true
}

// VectorStore is the embedded-text persistence used by retrieval and
// ingestion.
type VectorStore interface {
	// Upsert inserts or replaces records by ID. Every record must carry an
	// embedding of the store's configured dimensionality.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Query returns up to k records closest to vec, best match first.
	// Returns an empty (non-nil) slice when nothing matches.
	Query(ctx context.Context, collection string, vec []float32, k int, filter Filter) ([]Match, error)

	// FetchByID returns the record with the given id or [ErrNotFound].
	FetchByID(ctx context.Context, collection, id string) (Record, error)

	// Delete removes every record matching filter and returns how many were
	// removed. A zero filter is rejected with [ErrEmptyFilter].
	Delete(ctx context.Context, collection string, filter Filter) (int, error)

	// Scan returns every record matching filter in insertion order, without
	// embeddings.
	Scan(ctx context.Context, collection string, filter Filter) ([]Record, error)
}

// ValidCollection reports whether name is one of the known collections.
func ValidCollection(name string) bool {
	switch name {
	case CollectionPages, CollectionChunks, CollectionConversations:
		return true
	}
	return false
}
