package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/session"
	memorymock "github.com/MrWong99/lectern/pkg/memory/mock"
	embmock "github.com/MrWong99/lectern/pkg/provider/embeddings/mock"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	llmmock "github.com/MrWong99/lectern/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/lectern/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/lectern/pkg/provider/tts/mock"
)

// testConfig returns a minimal valid config for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:     "127.0.0.1:0",
			LogLevel:       config.LogInfo,
			AllowedOrigins: []string{"*"},
		},
		Providers: config.ProvidersConfig{
			LLM:        config.ProviderEntry{Name: "ollama", Model: "llama3.2"},
			STT:        config.ProviderEntry{Name: "whisper"},
			TTS:        config.ProviderEntry{Name: "coqui"},
			Embeddings: config.ProviderEntry{Name: "ollama"},
		},
		Pipeline: config.PipelineConfig{Model: "llama3.2"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// testProviders returns mock providers for every slot.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM:        &llmmock.Provider{ModelsResult: []llm.Model{{Name: "llama3.2"}}},
		STT:        &sttmock.Provider{},
		TTS:        &ttsmock.Provider{},
		Embeddings: &embmock.Provider{},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	application, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })
	return application
}

func getJSON(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("GET %s: decode %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestNew_RequiresCoreProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("expected error without stt and tts providers, got nil")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	application := newApp(t, testConfig(),
		app.WithVectorStore(memorymock.New()),
		app.WithSessionStore(session.NewMemStore()),
	)

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := getJSON(t, application.Handler(), "/readyz", &ready); code != http.StatusOK {
		t.Fatalf("readyz: got status %d, want 200", code)
	}
	if ready.Status != "ok" {
		t.Errorf("readyz status = %q, checks %v", ready.Status, ready.Checks)
	}
	for _, name := range []string{"llm", "stt", "tts", "embeddings", "sessions", "retrieval"} {
		if ready.Checks[name] != "ok" {
			t.Errorf("check %q = %q, want ok", name, ready.Checks[name])
		}
	}

	var docs struct {
		Documents []json.RawMessage `json:"documents"`
	}
	if code := getJSON(t, application.Handler(), "/api/documents", &docs); code != http.StatusOK {
		t.Errorf("documents: got status %d, want 200", code)
	}
}

func TestNew_WithoutVectorStoreDegrades(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Memory.PostgresDSN = ""
	application := newApp(t, cfg)

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := getJSON(t, application.Handler(), "/readyz", &ready); code != http.StatusOK {
		t.Fatalf("readyz: got status %d, want 200", code)
	}
	if ready.Status != "degraded" {
		t.Errorf("readyz status = %q, want degraded", ready.Status)
	}

	// Sessions still work from process memory.
	s, err := application.Sessions().Create(context.Background(), "offline")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := application.Sessions().Delete(context.Background(), s.ID); err != nil {
		t.Errorf("Delete without conversation memory: %v", err)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	cfg := testConfig()
	application := newApp(t, cfg, app.WithLevelVar(level))

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Pipeline.Model = "qwen3"
	application.Reload(cfg, &next, config.Diff(cfg, &next))

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	var models struct {
		Current string `json:"current"`
	}
	getJSON(t, application.Handler(), "/api/models", &models)
	if models.Current != "qwen3" {
		t.Errorf("current model after reload = %q, want qwen3", models.Current)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	application, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: got status %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := application.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Shutdown is idempotent.
	if err := application.Shutdown(sctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
