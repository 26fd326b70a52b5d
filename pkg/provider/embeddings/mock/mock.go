// Package mock provides a test double for the embeddings.Provider interface.
//
// By default Provider produces deterministic bag-of-words vectors, so texts
// that share words are close in cosine space. That is enough to drive
// retrieval tests against the in-memory vector store without a live model.
//
// Example:
//
//	p := &mock.Provider{}
//	vec, _ := p.Embed(ctx, "page two covers setup")
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/lectern/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when DimensionsValue is zero.
const DefaultDimensions = 64

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedFunc, if set, replaces the bag-of-words embedding.
	EmbedFunc func(text string) []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions. Zero means DefaultDimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	embedTexts  []string
	batchInputs [][]string
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Embed records the call and returns the embedding of text, or EmbedErr.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.embedTexts = append(p.embedTexts, text)
	err, fn, dims := p.EmbedErr, p.EmbedFunc, p.dims()
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(text), nil
	}
	return BagOfWords(text, dims), nil
}

// EmbedBatch records the call and embeds every text, or returns EmbedBatchErr.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batchInputs = append(p.batchInputs, slices.Clone(texts))
	err, fn, dims := p.EmbedBatchErr, p.EmbedFunc, p.dims()
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if fn != nil {
			out[i] = fn(t)
		} else {
			out[i] = BagOfWords(t, dims)
		}
	}
	return out, nil
}

// Dimensions returns DimensionsValue or DefaultDimensions.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return DefaultDimensions
}

// ModelID returns ModelIDValue or "mock-embed".
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue == "" {
		return "mock-embed"
	}
	return p.ModelIDValue
}

// EmbedTexts returns the texts passed to Embed, in call order.
func (p *Provider) EmbedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.embedTexts)
}

// BatchInputs returns the text slices passed to EmbedBatch, in call order.
func (p *Provider) BatchInputs() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.batchInputs)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.embedTexts = nil
	p.batchInputs = nil
}

// BagOfWords hashes the lower-cased words of text into a unit vector of
// length dims. The zero text maps to the zero vector.
func BagOfWords(text string, dims int) []float32 {
	vec := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
