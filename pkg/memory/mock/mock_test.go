package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/mock"
)

func TestStore_QueryOrdersByDistance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := mock.New()

	err := s.Upsert(ctx, memory.CollectionChunks, []memory.Record{
		{ID: "a", Text: "far", Embedding: []float32{0, 1}, SessionID: "s1"},
		{ID: "b", Text: "near", Embedding: []float32{1, 0.1}, SessionID: "s1"},
		{ID: "c", Text: "other session", Embedding: []float32{1, 0}, SessionID: "s2"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(ctx, memory.CollectionChunks, []float32{1, 0}, 5, memory.Filter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d matches, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = [%s %s], want [b a]", got[0].ID, got[1].ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
}

func TestStore_UpsertReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := mock.New()

	_ = s.Upsert(ctx, memory.CollectionPages, []memory.Record{{ID: "p", Text: "old", Embedding: []float32{1}}})
	_ = s.Upsert(ctx, memory.CollectionPages, []memory.Record{{ID: "p", Text: "new", Embedding: []float32{1}}})

	if n := s.Len(memory.CollectionPages); n != 1 {
		t.Fatalf("got %d records, want 1", n)
	}
	r, err := s.FetchByID(ctx, memory.CollectionPages, "p")
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if r.Text != "new" {
		t.Errorf("got %q, want %q", r.Text, "new")
	}
	if _, err := s.FetchByID(ctx, memory.CollectionPages, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteAndScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := mock.New()

	_ = s.Upsert(ctx, memory.CollectionChunks, []memory.Record{
		{ID: "d1_chunk_0", DocID: "d1", Embedding: []float32{1}},
		{ID: "d1_chunk_1", DocID: "d1", Embedding: []float32{1}},
		{ID: "d2_chunk_0", DocID: "d2", Embedding: []float32{1}},
	})

	if _, err := s.Delete(ctx, memory.CollectionChunks, memory.Filter{}); !errors.Is(err, memory.ErrEmptyFilter) {
		t.Errorf("zero filter: got %v, want ErrEmptyFilter", err)
	}
	n, err := s.Delete(ctx, memory.CollectionChunks, memory.Filter{DocID: "d1"})
	if err != nil || n != 2 {
		t.Fatalf("Delete = %d, %v; want 2, nil", n, err)
	}

	recs, err := s.Scan(ctx, memory.CollectionChunks, memory.Filter{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "d2_chunk_0" {
		t.Errorf("Scan = %+v, want only d2_chunk_0", recs)
	}
	if recs[0].Embedding != nil {
		t.Error("Scan should not return embeddings")
	}
}

func TestStore_ErrorInjection(t *testing.T) {
	t.Parallel()
	s := mock.New()
	s.QueryErr = errors.New("down")

	if _, err := s.Query(context.Background(), memory.CollectionPages, []float32{1}, 3, memory.Filter{}); err == nil {
		t.Error("expected injected error")
	}
	if got := s.CallCount("Query"); got != 1 {
		t.Errorf("CallCount(Query) = %d, want 1", got)
	}
}

func TestCosineDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"length mismatch", []float32{1}, []float32{1, 0}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mock.CosineDistance(tc.a, tc.b)
			if d := got - tc.want; d > 1e-9 || d < -1e-9 {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
