// Package server exposes the voice pipeline over HTTP: a REST API for
// sessions, documents, voices and text chat, and the /ws/voice websocket that
// drives one [pipeline.Pipeline] per connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/pipeline"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/session"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	"github.com/MrWong99/lectern/pkg/provider/tts"
)

// Sessions is the session API used by the handlers. *session.Manager
// satisfies it.
type Sessions interface {
	Create(ctx context.Context, title string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	GetOrCreate(ctx context.Context, id string) (session.Session, error)
	List(ctx context.Context) ([]session.Session, error)
	Update(ctx context.Context, id string, p session.Patch) (session.Session, error)
	Delete(ctx context.Context, id string) error
	Entries(ctx context.Context, id string) ([]session.Entry, error)
}

// Documents is the document API used by the handlers. *retrieval.Strategist
// satisfies it.
type Documents interface {
	Ingest(ctx context.Context, doc retrieval.Document) (retrieval.DocumentInfo, error)
	ListDocuments(ctx context.Context, sessionID string) ([]retrieval.DocumentInfo, error)
	DeleteDocument(ctx context.Context, docID string) (bool, error)
	Page(ctx context.Context, docID string, n int) (retrieval.PageRef, error)
}

var (
	_ Sessions  = (*session.Manager)(nil)
	_ Documents = (*retrieval.Strategist)(nil)
)

// Config holds the transport settings of a [Server].
type Config struct {
	// AllowedOrigins lists the origins allowed for CORS and the websocket
	// handshake. "*" allows every origin.
	AllowedOrigins []string

	// AudioFormat selects how synthesized audio is sent to voice clients.
	AudioFormat config.AudioFormat

	// MaxUploadBytes caps document uploads.
	MaxUploadBytes int64
}

// Deps are the collaborators of a [Server]. Sessions, LLM, TTS and Pipeline
// are required; Documents may be nil when no vector store is configured.
type Deps struct {
	Sessions  Sessions
	Documents Documents
	LLM       llm.Provider
	TTS       tts.Provider

	// Pipeline returns the current pipeline settings. It is called for every
	// websocket connection and chat request so reloaded settings apply to the
	// next one.
	Pipeline func() (pipeline.Config, pipeline.Deps)

	Health         *health.Handler
	Metrics        *observe.Metrics
	MetricsHandler http.Handler
}

// Server routes HTTP requests. Create one with [New].
type Server struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics
	log     *slog.Logger
	handler http.Handler

	// voice is the voice new connections start with; PUT /api/voices also
	// applies it to open connections.
	voice atomic.Pointer[tts.Voice]

	mu    sync.Mutex
	conns map[*voiceConn]struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a Server and its routes.
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Sessions == nil || deps.LLM == nil || deps.TTS == nil || deps.Pipeline == nil {
		return nil, errors.New("server: sessions, LLM, TTS and pipeline settings are required")
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = config.AudioWAV
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = config.DefaultMaxUploadBytes
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		log:     slog.Default(),
		conns:   make(map[*voiceConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	pc, _ := deps.Pipeline()
	voice := pc.Voice
	s.voice.Store(&voice)

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = observe.Middleware(s.metrics)(s.cors(mux))
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.updateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)

	mux.HandleFunc("POST /api/documents", s.uploadDocument)
	mux.HandleFunc("GET /api/documents", s.listDocuments)
	mux.HandleFunc("DELETE /api/documents/{id}", s.deleteDocument)
	mux.HandleFunc("GET /api/documents/{id}/pages/{n}", s.documentPage)

	mux.HandleFunc("GET /api/voices", s.listVoices)
	mux.HandleFunc("PUT /api/voices", s.setVoice)
	mux.HandleFunc("GET /api/models", s.listModels)
	mux.HandleFunc("POST /api/chat", s.chat)

	mux.HandleFunc("GET /ws/voice", s.voiceSocket)

	if s.deps.Health != nil {
		s.deps.Health.Register(mux)
	}
	if s.deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Voice returns the voice new connections start with.
func (s *Server) Voice() tts.Voice {
	return *s.voice.Load()
}

// Connections returns the number of open voice websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *voiceConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), 1)
}

func (s *Server) untrack(c *voiceConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
}

// CloseConnections tells every open voice client that the server is going
// away. Their handlers return once the close handshake is done.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := slices.Collect(maps.Keys(s.conns))
	s.mu.Unlock()
	for _, c := range conns {
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// applyVoice makes v the default and switches every open connection to it.
func (s *Server) applyVoice(v tts.Voice) {
	s.voice.Store(&v)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.p.SetVoice(v)
	}
}

// allowOrigin reports whether origin may call the API.
func (s *Server) allowOrigin(origin string) bool {
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// cors answers preflight requests and sets the CORS headers for allowed
// origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowOrigin(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the JSON body of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// decodeJSON decodes the request body into v. An empty body leaves v
// unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
