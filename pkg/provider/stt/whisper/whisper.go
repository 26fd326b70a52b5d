// Package whisper transcribes utterances with whisper.cpp, either through a
// running whisper-server ([Provider]) or by linking the library in-process
// ([NativeProvider]).
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	t, err := p.Transcribe(ctx, pcm, stt.Config{SampleRate: 16000})
package whisper

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Provider posts utterances to whisper-server's /inference route.
type Provider struct {
	baseURL  string
	model    string
	language string
	client   *http.Client
}

type Option func(*Provider)

// WithModel names the model to request. Most whisper-server builds serve
// the model they were started with and ignore this.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a request carries none.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: base URL must not be empty")
	}
	p := &Provider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: defaultLanguage,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// inference is whisper-server's verbose_json answer. Servers that predate
// verbose_json reply with text only.
type inference struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Text         string  `json:"text"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe uploads pcm as a WAV file and returns the recognised speech.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	cfg = cfg.WithDefaults()
	lang := cmp.Or(cfg.Language, p.language)

	body, contentType, err := p.form(pcm, cfg.SampleRate, lang)
	if err != nil {
		return stt.Transcript{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/inference", body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse("whisper", resp); err != nil {
		return stt.Transcript{}, err
	}

	var out inference
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: decode inference: %w", err)
	}

	segs := []segment{{text: out.Text}}
	if len(out.Segments) > 0 {
		segs = make([]segment, len(out.Segments))
		for i, s := range out.Segments {
			segs[i] = segment{text: s.Text, noSpeech: s.NoSpeechProb}
			if s.AvgLogprob != 0 {
				segs[i].prob = math.Exp(s.AvgLogprob)
			}
		}
	}
	return assemble(segs, cmp.Or(out.Language, lang), audio.Duration(len(pcm)/2, cfg.SampleRate, 1)), nil
}

// form encodes the multipart body of an inference request.
func (p *Provider) form(pcm []byte, rate int, lang string) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, rate, 1)); err != nil {
		return nil, "", fmt.Errorf("whisper: form file: %w", err)
	}
	for _, f := range [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", "0.0"},
		{"language", lang},
		{"model", p.model},
	} {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: form field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close form: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
