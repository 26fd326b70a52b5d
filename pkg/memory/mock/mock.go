// Package mock provides an in-memory [memory.VectorStore] for tests.
//
// Unlike a pure stub, [Store] actually keeps the records it is given and
// answers queries by brute-force cosine similarity, so retrieval code can be
// exercised end to end without PostgreSQL. Every method call is recorded for
// assertion and each method can be forced to fail through its *Err field.
//
// Typical usage:
//
//	store := mock.New()
//	store.QueryErr = errors.New("unavailable")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Query"); got != 1 {
//	    t.Errorf("expected 1 Query call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a functional in-memory vector store. The zero value is not
// usable; call [New].
type Store struct {
	mu    sync.Mutex
	calls []Call

	collections map[string][]memory.Record

	UpsertErr    error
	QueryErr     error
	FetchByIDErr error
	DeleteErr    error
	ScanErr      error

	// Now stamps CreatedAt on records that have none. Defaults to time.Now.
	Now func() time.Time
}

var _ memory.VectorStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{collections: make(map[string][]memory.Record)}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Len returns the number of records held in collection.
func (m *Store) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Upsert implements [memory.VectorStore].
func (m *Store) Upsert(_ context.Context, collection string, records []memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Upsert", collection, records)
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	if !memory.ValidCollection(collection) {
		return fmt.Errorf("mock store: unknown collection %q", collection)
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	recs := m.collections[collection]
	for _, r := range records {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now()
		}
		r.Embedding = slices.Clone(r.Embedding)
		if i := slices.IndexFunc(recs, func(x memory.Record) bool { return x.ID == r.ID }); i >= 0 {
			recs[i] = r
			continue
		}
		recs = append(recs, r)
	}
	m.collections[collection] = recs
	return nil
}

// Query implements [memory.VectorStore].
func (m *Store) Query(_ context.Context, collection string, vec []float32, k int, filter memory.Filter) ([]memory.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Query", collection, vec, k, filter)
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	out := []memory.Match{}
	for _, r := range m.collections[collection] {
		if !filter.Matches(r) {
			continue
		}
		d := CosineDistance(vec, r.Embedding)
		out = append(out, memory.Match{Record: r, Distance: d, Score: 1 - d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// FetchByID implements [memory.VectorStore].
func (m *Store) FetchByID(_ context.Context, collection, id string) (memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FetchByID", collection, id)
	if m.FetchByIDErr != nil {
		return memory.Record{}, m.FetchByIDErr
	}
	for _, r := range m.collections[collection] {
		if r.ID == id {
			return r, nil
		}
	}
	return memory.Record{}, memory.ErrNotFound
}

// Delete implements [memory.VectorStore].
func (m *Store) Delete(_ context.Context, collection string, filter memory.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete", collection, filter)
	if m.DeleteErr != nil {
		return 0, m.DeleteErr
	}
	if filter.IsZero() {
		return 0, memory.ErrEmptyFilter
	}
	recs := m.collections[collection]
	kept := recs[:0]
	for _, r := range recs {
		if !filter.Matches(r) {
			kept = append(kept, r)
		}
	}
	n := len(recs) - len(kept)
	m.collections[collection] = kept
	return n, nil
}

// Scan implements [memory.VectorStore].
func (m *Store) Scan(_ context.Context, collection string, filter memory.Filter) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Scan", collection, filter)
	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	out := []memory.Record{}
	for _, r := range m.collections[collection] {
		if filter.Matches(r) {
			r.Embedding = nil
			out = append(out, r)
		}
	}
	return out, nil
}

// CosineDistance returns 1 - cos(a, b). Vectors of different length or zero
// magnitude are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
