// Package coqui synthesizes sentence units with a local Coqui TTS server.
//
// Two server flavours are spoken. The standard server (ghcr.io/coqui-ai/tts)
// synthesizes on GET /api/tts and describes its model on GET /details. The
// XTTS v2 API server synthesizes on POST /tts_to_audio/ and lists its studio
// speakers on GET /studio_speakers. Either way one request yields one WAV,
// which the provider turns into mono 16-bit PCM at the configured rate.
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithOutputSampleRate(24000))
//	wav, err := p.Synthesize(ctx, "Chapter two covers setup.", tts.Voice{})
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// maxWAVBytes caps one synthesized response; a sentence never comes close.
const maxWAVBytes = 32 << 20

// Provider is safe for concurrent use.
type Provider struct {
	base         string
	mode         APIMode
	language     string
	defaultVoice string
	// outputRate is the sample rate of returned audio, 0 for the model's own.
	outputRate int
	client     *http.Client
}

type Option func(*Provider)

// WithLanguage sets the language for voices that carry none. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each request. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// WithDefaultVoice names the voice used when a request leaves it empty. The
// XTTS server cannot synthesize without one.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) { p.defaultVoice = id }
}

func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL must not be empty")
	}
	p := &Provider{
		base:     strings.TrimRight(baseURL, "/"),
		mode:     APIModeStandard,
		language: "en",
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
		return p, nil
	}
	return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
}

// Synthesize returns text spoken by voice as a mono 16-bit WAV.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	voice.ID = cmp.Or(voice.ID, p.defaultVoice)
	voice.Language = cmp.Or(voice.Language, p.language)

	var (
		req *http.Request
		err error
	)
	if p.mode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, text, voice)
	} else {
		req, err = p.standardRequest(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse("coqui", resp); err != nil {
		return nil, err
	}
	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	return p.normalize(wav)
}

func (p *Provider) standardRequest(ctx context.Context, text string, voice tts.Voice) (*http.Request, error) {
	q := url.Values{"text": {text}, "language_id": {voice.Language}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/api/tts?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	return req, nil
}

func (p *Provider) xttsRequest(ctx context.Context, text string, voice tts.Voice) (*http.Request, error) {
	if voice.ID == "" {
		return nil, errors.New("coqui: xtts needs a voice and none is configured")
	}
	body, err := json.Marshal(struct {
		Text       string  `json:"text"`
		SpeakerWav string  `json:"speaker_wav"`
		Language   string  `json:"language"`
		Speed      float64 `json:"speed,omitempty"`
	}{text, voice.ID, voice.Language, voice.SpeedFactor})
	if err != nil {
		return nil, fmt.Errorf("coqui: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// normalize downmixes and resamples wav to mono at the output rate. Audio
// already in that shape is returned untouched.
func (p *Provider) normalize(wav []byte) ([]byte, error) {
	pcm, f, err := audio.WAVPCM(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	rate := cmp.Or(p.outputRate, f.SampleRate)
	if f.Channels == 1 && rate == f.SampleRate {
		return wav, nil
	}
	if f.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.EncodeWAV(audio.ResampleMono16(pcm, f.SampleRate, rate), rate, 1), nil
}

// ListVoices returns the server's speakers sorted by name. A single-speaker
// standard model is listed as one voice with an empty ID.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	if p.mode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := p.getJSON(ctx, "/studio_speakers", &speakers); err != nil {
			return nil, err
		}
		var voices []tts.Voice
		for _, name := range slices.Sorted(maps.Keys(speakers)) {
			voices = append(voices, p.voice(name, name, p.language, "studio", ""))
		}
		return voices, nil
	}

	var details struct {
		ModelName string   `json:"model_name"`
		Language  string   `json:"language"`
		Speakers  []string `json:"speakers"`
	}
	if err := p.getJSON(ctx, "/details", &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return []tts.Voice{p.voice("", name, details.Language, "single-speaker", name)}, nil
	}
	voices := make([]tts.Voice, 0, len(details.Speakers))
	for _, spk := range slices.Sorted(slices.Values(details.Speakers)) {
		voices = append(voices, p.voice(spk, spk, details.Language, "speaker", details.ModelName))
	}
	return voices, nil
}

func (p *Provider) voice(id, name, lang, kind, model string) tts.Voice {
	v := tts.Voice{ID: id, Name: name, Provider: "coqui", Language: lang, Metadata: map[string]string{"type": kind}}
	if model != "" {
		v.Metadata["model_name"] = model
	}
	return v
}

func (p *Provider) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := provider.CheckResponse("coqui", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}
