// Package openai streams chat completions from local servers that speak the
// OpenAI API: vLLM, LM Studio, llama.cpp's server or Ollama's /v1 routes.
//
// Servers running a reasoning parser stream the model's thoughts in a
// separate reasoning_content field. The provider folds them back into the
// text as a <think> block so downstream think stripping treats every backend
// alike.
package openai

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is an llm.Provider over an OpenAI-compatible endpoint.
type Provider struct {
	client oai.Client
	model  string
}

type options struct {
	apiKey  string
	timeout time.Duration
}

// Option configures a Provider.
type Option func(*options)

// WithAPIKey sets the bearer token. Most local servers ignore it.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithTimeout bounds each HTTP request, streaming included.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// New returns a Provider for the server at baseURL, e.g.
// http://localhost:8000/v1. There is no default base URL, so a missing
// setting never reaches a hosted API.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	switch {
	case baseURL == "":
		return nil, errors.New("openai: base URL must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}
	o := options{apiKey: "local"}
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/"),
		option.WithAPIKey(o.apiKey),
		// internal/resilience retries; the SDK must not.
		option.WithMaxRetries(0),
	}
	if o.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: o.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion starts a streaming chat completion. Errors before the
// first chunk are returned directly; later ones arrive on the final chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai: start stream: %w", statusError(err))
	}

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		thinking := false
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			choice := cur.Choices[0]

			var text strings.Builder
			if r := reasoning(choice.Delta); r != "" {
				if !thinking {
					text.WriteString("<think>")
					thinking = true
				}
				text.WriteString(r)
			}
			if thinking && (choice.Delta.Content != "" || choice.FinishReason != "") {
				text.WriteString("</think>")
				thinking = false
			}
			text.WriteString(choice.Delta.Content)

			if text.Len() == 0 && choice.FinishReason == "" {
				continue
			}
			if !send(llm.Chunk{Text: text.String(), FinishReason: choice.FinishReason}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(llm.Chunk{FinishReason: "error", Err: fmt.Errorf("openai: stream: %w", statusError(err))})
		}
	}()
	return out, nil
}

// ListModels lists the server's /models.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", statusError(err))
	}
	models := make([]llm.Model, len(page.Data))
	for i, m := range page.Data {
		models[i].Name = m.ID
		if m.Created > 0 {
			models[i].ModifiedAt = time.Unix(m.Created, 0).UTC()
		}
	}
	return models, nil
}

// reasoning returns the reasoning_content of a delta, which is not part of
// the SDK's typed fields.
func reasoning(d oai.ChatCompletionChunkChoiceDelta) string {
	f, ok := d.JSON.ExtraFields["reasoning_content"]
	if !ok || !f.Valid() {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(f.Raw()), &s); err != nil {
		return ""
	}
	return s
}

// statusError turns SDK API errors into *provider.StatusError so retry
// classification sees the HTTP status.
func statusError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &provider.StatusError{Provider: "openai", StatusCode: apiErr.StatusCode, Body: apiErr.Message}
	}
	return err
}

func (p *Provider) params(req llm.Request) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	model := cmp.Or(req.Model, p.model)
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		// max_tokens rather than max_completion_tokens: more local servers
		// understand it.
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
