// Package ollama embeds text with a local Ollama server through its
// /api/embed endpoint, using models such as nomic-embed-text.
//
// Lectern calls it twice per voice turn (query and remembered exchange) and
// in batches while ingesting a document, so the provider asks Ollama to keep
// the model loaded between turns and to truncate over-long chunks instead of
// failing the whole batch.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
)

// DefaultBaseURL is the address of a locally running Ollama.
const DefaultBaseURL = "http://localhost:11434"

// DefaultKeepAlive is how long Ollama keeps the model loaded after a request.
const DefaultKeepAlive = 30 * time.Minute

// probeTimeout bounds the request Dimensions issues for unknown models.
const probeTimeout = 10 * time.Second

// ErrDimensionMismatch is returned when the model produces vectors of another
// length than the one configured with [WithDimensions].
var ErrDimensionMismatch = errors.New("ollama embeddings: vector dimension mismatch")

var _ embeddings.Provider = (*Provider)(nil)

// Provider is an embeddings.Provider backed by Ollama. It is safe for
// concurrent use.
type Provider struct {
	baseURL    string
	model      string
	keepAlive  time.Duration
	httpClient *http.Client

	// want is the dimension set with WithDimensions; every vector is checked
	// against it.
	want int

	mu   sync.Mutex
	dims int
}

type config struct {
	timeout    time.Duration
	dimensions int
	keepAlive  time.Duration
}

// Option configures a Provider.
type Option func(*config)

// WithTimeout bounds a single HTTP request. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions fixes the vector length, typically to the width of the
// vector column. Responses of another length fail with
// [ErrDimensionMismatch].
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithKeepAlive sets how long Ollama keeps the model in memory after a
// request. The default is [DefaultKeepAlive]; a negative value keeps it
// loaded indefinitely.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// New returns a Provider for model on the Ollama at baseURL. An empty baseURL
// means [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg := config{keepAlive: DefaultKeepAlive}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("ollama embeddings: negative dimensions %d", cfg.dimensions)
	}

	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		keepAlive:  cfg.keepAlive,
		httpClient: &http.Client{Timeout: cfg.timeout},
		want:       cfg.dimensions,
		dims:       cfg.dimensions,
	}
	if p.dims == 0 {
		p.dims = knownDimensions(model)
	}
	return p, nil
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	Truncate  bool     `json:"truncate"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector of one text. Text is sent verbatim; model-specific
// task prefixes are up to the caller.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order, from a single request.
// An empty batch returns (nil, nil) without contacting the server.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	return vecs, nil
}

// Dimensions returns the vector length: the configured one, the known length
// of the model, or the length of a probe vector. It returns 0 while the
// server cannot be reached, and probes again on the next call.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dims != 0 {
		return p.dims
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	vecs, err := p.request(ctx, []string{"dimension probe"})
	if err == nil {
		p.dims = len(vecs[0])
	}
	return p.dims
}

// ModelID returns the Ollama model name.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.request(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(vecs), len(texts))
	}
	if p.want > 0 {
		for i, v := range vecs {
			if len(v) != p.want {
				return nil, fmt.Errorf("%w: input %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), p.want)
			}
		}
	}
	return vecs, nil
}

func (p *Provider) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model:     p.model,
		Input:     texts,
		Truncate:  true,
		KeepAlive: keepAliveParam(p.keepAlive),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse("ollama embeddings", resp); err != nil {
		return nil, err
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("response has no embeddings")
	}
	return out.Embeddings, nil
}

// keepAliveParam renders d as the duration string Ollama parses. Any negative
// duration keeps the model loaded.
func keepAliveParam(d time.Duration) string {
	switch {
	case d < 0:
		return "-1m"
	case d == 0:
		return ""
	}
	return d.String()
}

// knownDimensions returns the output length of common embedding models, or
// 0 when the model is not recognised.
func knownDimensions(model string) int {
	name := strings.ToLower(model)
	switch {
	case strings.Contains(name, "nomic-embed-text"):
		return 768
	case strings.Contains(name, "all-minilm"):
		return 384
	case strings.Contains(name, "mxbai-embed-large"),
		strings.Contains(name, "bge-m3"),
		strings.Contains(name, "snowflake-arctic-embed"):
		return 1024
	}
	return 0
}
