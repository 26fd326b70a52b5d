// Package anyllm provides an LLM provider for local model servers backed by
// github.com/mozilla-ai/any-llm-go.
//
// Only backends that run on the user's machine are exposed: Ollama, a
// llama.cpp server and llamafile.
//
// Usage:
//
//	p, err := anyllm.NewOllama("llama3.2:3b")
//	p, err := anyllm.New("llamacpp", "qwen2.5", anyllm.WithBaseURL("http://127.0.0.1:8080/v1"))
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"

	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// Supported backend names.
const (
	BackendOllama    = "ollama"
	BackendLlamaCpp  = "llamacpp"
	BackendLlamaFile = "llamafile"
)

// Default server addresses, used for model listing when no base URL is set.
var defaultBaseURLs = map[string]string{
	BackendOllama:    "http://localhost:11434",
	BackendLlamaCpp:  "http://127.0.0.1:8080/v1",
	BackendLlamaFile: "http://127.0.0.1:8080/v1",
}

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend    anyllmlib.Provider
	name       string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the backend at a non-default server address.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey sets the key for servers started with authentication.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithTimeout bounds model listing requests. Completion streams are bounded
// by their context only.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New creates a new Provider for the named backend.
//
// backendName is one of "ollama", "llamacpp" or "llamafile". model is the
// default model used when a request does not name one.
func New(backendName, model string, opts ...Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	cfg := config{timeout: 10 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	var libOpts []anyllmlib.Option
	if cfg.baseURL != "" {
		libOpts = append(libOpts, anyllmlib.WithBaseURL(cfg.baseURL))
	}
	if cfg.apiKey != "" {
		libOpts = append(libOpts, anyllmlib.WithAPIKey(cfg.apiKey))
	}

	name := strings.ToLower(backendName)
	backend, err := createBackend(name, libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	baseURL := cfg.baseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[name]
	}
	return &Provider{
		backend:    backend,
		name:       name,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.timeout},
	}, nil
}

// NewOllama creates a Provider backed by Ollama.
// Without options, it connects to http://localhost:11434.
func NewOllama(model string, opts ...Option) (*Provider, error) {
	return New(BackendOllama, model, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...Option) (*Provider, error) {
	return New(BackendLlamaCpp, model, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
func NewLlamaFile(model string, opts ...Option) (*Provider, error) {
	return New(BackendLlamaFile, model, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given backend name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch name {
	case BackendOllama:
		return ollama.New(opts...)
	case BackendLlamaCpp:
		return llamacpp.New(opts...)
	case BackendLlamaFile:
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: ollama, llamacpp, llamafile", name)
	}
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anyllm: request has no messages")
	}
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			select {
			case ch <- llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Err: fmt.Errorf("anyllm: %s stream: %w", p.name, err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams converts our Request into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.Request) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// convertMessage converts our llm.Message to anyllm.Message.
func convertMessage(m llm.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}

// ListModels implements llm.Provider. Ollama is asked through /api/tags,
// llama.cpp and llamafile through the OpenAI-style /models listing.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	if p.name == BackendOllama {
		return p.listOllamaModels(ctx)
	}
	return p.listOpenAIModels(ctx)
}

type ollamaTags struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

func (p *Provider) listOllamaModels(ctx context.Context) ([]llm.Model, error) {
	var tags ollamaTags
	if err := p.getJSON(ctx, strings.TrimSuffix(p.baseURL, "/v1")+"/api/tags", &tags); err != nil {
		return nil, err
	}
	out := make([]llm.Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, llm.Model{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt})
	}
	return out, nil
}

type openAIModels struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
	} `json:"data"`
}

func (p *Provider) listOpenAIModels(ctx context.Context) ([]llm.Model, error) {
	var list openAIModels
	if err := p.getJSON(ctx, p.baseURL+"/models", &list); err != nil {
		return nil, err
	}
	out := make([]llm.Model, 0, len(list.Data))
	for _, m := range list.Data {
		model := llm.Model{Name: m.ID}
		if m.Created > 0 {
			model.ModifiedAt = time.Unix(m.Created, 0).UTC()
		}
		out = append(out, model)
	}
	return out, nil
}

func (p *Provider) getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("anyllm: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anyllm: list models: %w", err)
	}
	defer resp.Body.Close()

	if err := provider.CheckResponse("anyllm", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("anyllm: decode model list: %w", err)
	}
	return nil
}
