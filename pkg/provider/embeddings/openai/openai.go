// Package openai embeds document chunks and queries through servers that
// speak the OpenAI /embeddings route: LM Studio, vLLM, or llama.cpp started
// with --embedding.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// ErrDimensionMismatch is returned when the server answers with vectors of
// another length than the provider declared.
var ErrDimensionMismatch = errors.New("openai embeddings: vector dimension mismatch")

type Provider struct {
	client oai.Client
	model  string
	dims   int
	// pinned is set when the caller fixed the length with WithDimensions;
	// the server is then asked to truncate to it.
	pinned bool
}

type options struct {
	apiKey  string
	timeout time.Duration
	dims    int
}

type Option func(*options)

// WithAPIKey sets the bearer token for servers that check one.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDimensions fixes the vector length and sends it as the dimensions
// request field, which Matryoshka models such as nomic-embed-text-v1.5 honour.
func WithDimensions(n int) Option {
	return func(o *options) { o.dims = n }
}

// New returns a Provider for the server at baseURL, e.g.
// http://localhost:1234/v1.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	switch {
	case baseURL == "":
		return nil, errors.New("openai embeddings: base URL must not be empty")
	case model == "":
		return nil, errors.New("openai embeddings: model must not be empty")
	}
	o := options{apiKey: "local"}
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/"),
		option.WithAPIKey(o.apiKey),
		option.WithMaxRetries(0),
	}
	if o.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: o.timeout}))
	}

	p := &Provider{client: oai.NewClient(reqOpts...), model: model, dims: o.dims, pinned: o.dims > 0}
	if !p.pinned {
		p.dims = knownDimensions(model)
	}
	return p, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)}, 1)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. The result follows the order of
// texts even when the server reorders its data array.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}, len(texts))
}

func (p *Provider) embed(ctx context.Context, input oai.EmbeddingNewParamsInputUnion, n int) ([][]float32, error) {
	params := oai.EmbeddingNewParams{Model: p.model, Input: input}
	if p.pinned {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", statusError(err))
	}
	if len(resp.Data) != n {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), n)
	}

	out := make([][]float32, n)
	for _, d := range resp.Data {
		i := int(d.Index)
		if i < 0 || i >= n || out[i] != nil {
			return nil, fmt.Errorf("openai embeddings: bad index %d in response", d.Index)
		}
		if len(d.Embedding) != p.dims {
			return nil, fmt.Errorf("%w: input %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(d.Embedding), p.dims)
		}
		out[i] = toFloat32(d.Embedding)
	}
	return out, nil
}

// Dimensions reports the declared vector length.
func (p *Provider) Dimensions() int { return p.dims }

func (p *Provider) ModelID() string { return p.model }

func statusError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &provider.StatusError{Provider: "openai embeddings", StatusCode: apiErr.StatusCode, Body: apiErr.Message}
	}
	return err
}

// knownDimensions maps common local embedding models to their vector length.
// Unrecognised models get 768, the most common size among them.
func knownDimensions(model string) int {
	m := strings.ToLower(model)
	for _, k := range []struct {
		substr string
		dims   int
	}{
		{"all-minilm", 384},
		{"bge-small", 384},
		{"mxbai-embed-large", 1024},
		{"bge-large", 1024},
		{"bge-m3", 1024},
	} {
		if strings.Contains(m, k.substr) {
			return k.dims
		}
	}
	return 768
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
