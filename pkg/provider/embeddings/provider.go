// Package embeddings defines the contract for text embedding backends.
//
// Lectern embeds the user's question before retrieval, every chunk and page
// of an ingested document, and each finished exchange so later turns can
// recall it. Vectors from one provider are compared by cosine distance, so a
// store must be filled and queried through the same model.
package embeddings

import "context"

// Provider maps text to dense vectors. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Embed returns the vector for text. Text is sent unchanged; any
	// model-specific query or passage prefix is the caller's business.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input in input order, or an error and
	// no vectors at all.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every vector this provider returns, or 0
	// while it is not yet known.
	Dimensions() int

	// ModelID names the model, e.g. "nomic-embed-text".
	ModelID() string
}
