// Package app wires all Lectern subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithVectorStore, WithSessionStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/pipeline"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/server"
	"github.com/MrWong99/lectern/internal/session"
	sessionpg "github.com/MrWong99/lectern/internal/session/postgres"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/postgres"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	"github.com/MrWong99/lectern/pkg/provider/stt"
	"github.com/MrWong99/lectern/pkg/provider/tts"
	"github.com/MrWong99/lectern/pkg/provider/vad"
	"github.com/MrWong99/lectern/pkg/provider/vad/energy"
)

// NamedLLM is a language model fallback with the name used in logs and
// breaker metrics.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []NamedLLM
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	metricsHandler http.Handler

	// Providers behind circuit breakers.
	llm *resilience.LLMFallback
	stt *resilience.STTFallback
	tts *resilience.TTSFallback
	emb *resilience.EmbeddingsFallback

	// Subsystems; initialised in New, torn down in Shutdown.
	vectors    memory.VectorStore
	pg         *postgres.Store
	sessStore  session.Store
	guard      *session.Guard
	strategist *retrieval.Strategist
	sessions   *session.Manager
	health     *health.Handler
	server     *server.Server
	httpServer *http.Server

	// pipeCfg is the hot-reloadable part of the config.
	mu      sync.RWMutex
	pipeCfg config.PipelineConfig

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVectorStore injects a vector store instead of connecting to PostgreSQL.
func WithVectorStore(s memory.VectorStore) Option {
	return func(a *App) { a.vectors = s }
}

// WithSessionStore injects a session store instead of creating one from
// config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessStore = s }
}

// WithMetrics sets the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable that log level reloads update.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		pipeCfg:   cfg.Pipeline,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.providers.VAD == nil {
		a.providers.VAD = energy.New()
	}
	a.adoptClosers()

	// ── 1. Providers behind breakers ─────────────────────────────────────
	a.initResilience()

	// ── 2. Vector store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 3. Retrieval ─────────────────────────────────────────────────────
	a.initRetrieval()

	// ── 4. Sessions ──────────────────────────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// adoptClosers registers the providers that hold resources, such as a loaded
// whisper model.
func (a *App) adoptClosers() {
	for _, p := range []any{a.providers.LLM, a.providers.STT, a.providers.TTS, a.providers.Embeddings, a.providers.VAD} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
	for _, fb := range a.providers.LLMFallbacks {
		if c, ok := fb.Provider.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
}

// initResilience puts every provider behind a circuit breaker. Breaker
// transitions are logged and counted.
func (a *App) initResilience() {
	breaker := resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}
	// The pipeline retries transient failures itself; the groups only fail
	// over.
	fc := resilience.FallbackConfig{CircuitBreaker: breaker}
	ps := a.cfg.Providers

	a.llm = resilience.NewLLMFallback(a.providers.LLM, "llm/"+ps.LLM.Name, fc)
	for _, fb := range a.providers.LLMFallbacks {
		a.llm.AddFallback("llm/"+fb.Name, fb.Provider)
	}
	a.stt = resilience.NewSTTFallback(a.providers.STT, "stt/"+ps.STT.Name, fc)
	a.tts = resilience.NewTTSFallback(a.providers.TTS, "tts/"+ps.TTS.Name, fc)

	if a.providers.Embeddings != nil {
		// Retrieval calls the embedder directly, so it gets the retry policy.
		efc := fc
		efc.Retry = a.retryPolicy(a.cfg.Pipeline)
		a.emb = resilience.NewEmbeddingsFallback(a.providers.Embeddings, "embeddings/"+ps.Embeddings.Name, efc)
	}
}

// initMemory connects the pgvector store unless one was injected. Without a
// DSN the server runs without documents and conversation memory.
func (a *App) initMemory(ctx context.Context) error {
	if a.vectors != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("memory.postgres_dsn not set: documents and conversation memory are disabled")
		return nil
	}
	var popts []postgres.Option
	if n := a.cfg.Memory.MaxConns; n > 0 {
		popts = append(popts, postgres.WithMaxConns(n))
	}
	store, err := postgres.NewStore(ctx, dsn, a.cfg.Memory.EmbeddingDimensions, popts...)
	if err != nil {
		return err
	}
	a.pg = store
	a.vectors = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initRetrieval() {
	rc := a.cfg.Retrieval
	ropts := []retrieval.Option{
		retrieval.WithTopK(rc.PageTopK, rc.ChunkTopK, rc.ConversationTopK),
		retrieval.WithChunking(rc.ChunkSize, rc.ChunkOverlap),
	}
	if rc.Timeout > 0 {
		ropts = append(ropts, retrieval.WithTimeout(rc.Timeout))
	}
	// Nil interfaces, not typed nils, keep the strategist in its degraded mode.
	var emb embeddings.Provider
	if a.emb != nil {
		emb = a.emb
	}
	if a.vectors == nil || emb == nil {
		slog.Warn("retrieval disabled: needs both a vector store and an embeddings provider",
			"vector_store", a.vectors != nil, "embeddings", emb != nil)
	}
	a.strategist = retrieval.New(a.vectors, emb, ropts...)
}

// initSessions picks the session store: the injected one, PostgreSQL next to
// the vector store, or process memory.
func (a *App) initSessions(ctx context.Context) error {
	if a.sessStore == nil {
		if a.pg != nil {
			st, err := sessionpg.New(ctx, a.pg.Pool())
			if err != nil {
				return err
			}
			a.sessStore = st
		} else {
			a.sessStore = session.NewMemStore()
		}
	}
	a.guard = session.NewGuard(a.sessStore)
	sopts := []session.Option{
		session.WithTitleLength(a.cfg.Sessions.TitleLength),
		session.WithHistoryExchanges(a.cfg.Pipeline.HistoryExchanges),
	}
	if a.vectors != nil {
		sopts = append(sopts, session.WithForgetter(a.strategist))
	}
	a.sessions = session.NewManager(a.guard, sopts...)
	return nil
}

func (a *App) initServer() error {
	checks := []health.Checker{
		health.Breakers("llm", a.llm.States),
		health.Breakers("stt", a.stt.States),
		health.Breakers("tts", a.tts.States),
		health.Flag("sessions", "session history store failing", a.guard.IsDegraded),
		{
			Name:     "retrieval",
			Optional: true,
			Check: func(context.Context) error {
				if a.vectors == nil || a.emb == nil {
					return errors.New("no vector store or embeddings provider configured")
				}
				return nil
			},
		},
	}
	if a.emb != nil {
		checks = append(checks, health.Breakers("embeddings", a.emb.States))
	}
	if a.pg != nil {
		checks = append(checks, health.Checker{Name: "database", Check: a.pg.Ping})
	}
	a.health = health.New(checks...)

	var docs server.Documents
	if a.vectors != nil {
		docs = a.strategist
	}
	srv, err := server.New(server.Config{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		AudioFormat:    a.cfg.Server.AudioFormat,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
	}, server.Deps{
		Sessions:       a.sessions,
		Documents:      docs,
		LLM:            a.llm,
		TTS:            a.tts,
		Pipeline:       a.pipelineSettings,
		Health:         a.health,
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
	})
	if err != nil {
		return err
	}
	a.server = srv
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	a.httpServer.RegisterOnShutdown(srv.CloseConnections)
	return nil
}

// pipelineSettings returns the pipeline config and collaborators for a new
// connection or chat request, reflecting the latest reload.
func (a *App) pipelineSettings() (pipeline.Config, pipeline.Deps) {
	a.mu.RLock()
	pc := a.pipeCfg
	a.mu.RUnlock()

	cfg := pipeline.Config{
		VAD: energy.WithDefaults(vad.Config{
			FrameSizeMs:       pc.VAD.FrameSizeMs,
			EnergyThreshold:   pc.VAD.EnergyThreshold,
			SilenceDuration:   pc.VAD.Silence,
			MinSpeechDuration: pc.VAD.MinSpeech,
		}),
		Voice:            tts.Voice{ID: pc.Voice},
		Language:         pc.Language,
		SystemPrompt:     pc.SystemPrompt,
		Model:            pc.Model,
		Temperature:      pc.Temperature,
		MaxTokens:        pc.MaxTokens,
		SegmentMinLength: pc.SegmentMinLength,
		SegmentMaxLength: pc.SegmentMaxLength,
		SynthesisWorkers: pc.SynthesisWorkers,
		MaxUtterance:     pc.MaxUtterance,
		Retry:            a.retryPolicy(pc),
		Providers: pipeline.ProviderNames{
			STT: a.cfg.Providers.STT.Name,
			LLM: a.cfg.Providers.LLM.Name,
			TTS: a.cfg.Providers.TTS.Name,
		},
	}
	deps := pipeline.Deps{
		VAD:      a.providers.VAD,
		STT:      a.stt,
		LLM:      a.llm,
		TTS:      a.tts,
		Sessions: a.sessions,
		Metrics:  a.metrics,
	}
	if a.vectors != nil && a.emb != nil {
		deps.Retriever = a.strategist
		deps.Memory = a.strategist
	}
	return cfg, deps
}

func (a *App) retryPolicy(pc config.PipelineConfig) resilience.RetryPolicy {
	if pc.Retries < 0 {
		return resilience.RetryPolicy{}
	}
	p := resilience.DefaultRetryPolicy
	p.MaxRetries = pc.Retries
	return p
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a changed config: the log level
// and pipeline tuning. It matches [config.ChangeFunc].
func (a *App) Reload(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.mu.Lock()
		a.pipeCfg = d.NewPipeline
		a.mu.Unlock()
		slog.Info("pipeline settings reloaded; applies to new connections")
	}
}

// Handler returns the HTTP handler of the app.
func (a *App) Handler() http.Handler { return a.server }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is cancelled
// or the listener fails. When ctx is done, Run returns context.Canceled (or
// the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.httpServer.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.Serve(ln)
		}
		errCh <- err
	}()

	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, waiting for open requests until ctx ends,
// and closes all subsystems in reverse order. It is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if serr := a.httpServer.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("app: http shutdown: %w", serr)
		}
		err = errors.Join(err, a.closeAll())
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
