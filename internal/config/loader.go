package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names each kind is built with. Other
// names pass validation with a warning.
var ValidProviderNames = map[string][]string{
	"llm":        {"ollama", "llamacpp", "llamafile", "openai"},
	"stt":        {"whisper", "whisper-native"},
	"tts":        {"coqui"},
	"embeddings": {"ollama", "openai"},
	"vad":        {"energy"},
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown keys, then applies
// defaults and validates. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// problems collects every validation failure so one run reports them all.
type problems []error

func (p *problems) when(bad bool, format string, args ...any) {
	if bad {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

// Validate reports every incoherent value in cfg as one joined error.
func Validate(cfg *Config) error {
	var p problems
	p.server(cfg.Server)
	p.providers(cfg.Providers)
	p.pipeline(cfg.Pipeline)
	p.retrieval(cfg.Retrieval)

	p.when(cfg.Memory.EmbeddingDimensions < 0, "memory.embedding_dimensions must not be negative")
	p.when(cfg.Memory.MaxConns < 0, "memory.max_conns must not be negative")
	p.when(cfg.Sessions.TitleLength < 0, "sessions.title_length must not be negative")

	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; document upload and grounded answers are disabled")
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; documents are disabled and sessions are kept in process memory")
	}
	return errors.Join(p...)
}

func (p *problems) server(s ServerConfig) {
	p.when(s.LogLevel != "" && !s.LogLevel.IsValid(),
		"server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel)
	p.when(s.AudioFormat != "" && !s.AudioFormat.IsValid(),
		"server.audio_format %q is invalid; valid values: wav, opus", s.AudioFormat)
	p.when(s.MaxUploadBytes < 0, "server.max_upload_bytes must not be negative")
	p.when(s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == ""),
		"server.tls requires both cert_file and key_file")
}

func (p *problems) providers(ps ProvidersConfig) {
	for _, required := range []struct {
		kind  string
		entry ProviderEntry
	}{{"llm", ps.LLM}, {"stt", ps.STT}, {"tts", ps.TTS}} {
		p.when(required.entry.Name == "", "providers.%s.name is required", required.kind)
	}
	p.when(ps.STT.Name == "whisper-native" && ps.STT.Model == "",
		"providers.stt.model must name the model file for whisper-native")
	for i, fb := range ps.LLMFallbacks {
		p.when(fb.Name == "", "providers.llm_fallbacks[%d].name is required", i)
		warnUnknownProvider("llm", fb.Name)
	}

	warnUnknownProvider("llm", ps.LLM.Name)
	warnUnknownProvider("stt", ps.STT.Name)
	warnUnknownProvider("tts", ps.TTS.Name)
	warnUnknownProvider("embeddings", ps.Embeddings.Name)
	warnUnknownProvider("vad", ps.VAD.Name)
}

func (p *problems) pipeline(c PipelineConfig) {
	p.when(c.Temperature < 0 || c.Temperature > 2, "pipeline.temperature %.2f is out of range [0, 2]", c.Temperature)
	p.when(c.MaxTokens < 0, "pipeline.max_tokens must not be negative")
	p.when(c.SegmentMinLength < 0 || c.SegmentMaxLength < 0, "pipeline segment lengths must not be negative")
	p.when(c.SegmentMaxLength > 0 && c.SegmentMinLength > c.SegmentMaxLength,
		"pipeline.segment_min_length %d exceeds segment_max_length %d", c.SegmentMinLength, c.SegmentMaxLength)
	p.when(c.SynthesisWorkers < 0, "pipeline.synthesis_workers must not be negative")
	p.when(c.VAD.Silence < 0 || c.VAD.MinSpeech < 0 || c.MaxUtterance < 0, "pipeline durations must not be negative")

	p.when(c.VAD.EnergyThreshold < 0 || c.VAD.EnergyThreshold > 1,
		"pipeline.vad.energy_threshold %.3f is out of range [0, 1]", c.VAD.EnergyThreshold)
	p.when(!slices.Contains([]int{0, 10, 20, 30}, c.VAD.FrameSizeMs),
		"pipeline.vad.frame_size_ms %d is invalid; valid values: 10, 20, 30", c.VAD.FrameSizeMs)
}

func (p *problems) retrieval(r RetrievalConfig) {
	p.when(r.PageTopK < 0 || r.ChunkTopK < 0 || r.ConversationTopK < 0, "retrieval top-k values must not be negative")
	p.when(r.ChunkSize > 0 && r.ChunkOverlap >= r.ChunkSize,
		"retrieval.chunk_overlap %d must be smaller than chunk_size %d", r.ChunkOverlap, r.ChunkSize)
}

// warnUnknownProvider logs names missing from [ValidProviderNames]; they may
// be typos.
func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name", "kind", kind, "name", name, "known", ValidProviderNames[kind])
}
