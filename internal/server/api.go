package server

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/lectern/internal/pipeline"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/session"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/provider/tts"
)

// ── sessions ─────────────────────────────────────────────────────────────────

type createSessionRequest struct {
	Title string `json:"title"`
}

type sessionSummary struct {
	ID        string `json:"session_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

type sessionDetail struct {
	session.Session
	ConversationHistory []session.Entry `json:"conversation_history"`
}

type sessionsResponse struct {
	Sessions []session.Session `json:"sessions"`
}

type deletedResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	DocID     string `json:"doc_id,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.deps.Sessions.Create(r.Context(), req.Title)
	if err != nil {
		s.internalError(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionSummary{
		ID:        sess.ID,
		Title:     sess.Title,
		CreatedAt: sess.CreatedAt.Format(timeLayout),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		s.internalError(w, r, "list sessions", err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.sessionError(w, r, "get session", err)
		return
	}
	entries, err := s.deps.Sessions.Entries(r.Context(), id)
	if err != nil {
		s.sessionError(w, r, "read history", err)
		return
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, ConversationHistory: entries})
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var patch session.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.deps.Sessions.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.sessionError(w, r, "update session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		// The session row is gone; only its conversation memory survived.
		s.log.Warn("server: session deleted with leftovers", "session_id", id, "err", err)
	}
	writeJSON(w, http.StatusOK, deletedResponse{Status: "deleted", SessionID: id})
}

// ── documents ────────────────────────────────────────────────────────────────

type uploadResponse struct {
	DocID     string `json:"doc_id"`
	Filename  string `json:"filename"`
	Chunks    int    `json:"chunks"`
	PageCount int    `json:"page_count"`
	Status    string `json:"status"`
}

type documentsResponse struct {
	Documents []retrieval.DocumentInfo `json:"documents"`
}

type pageResponse struct {
	DocID      string `json:"doc_id"`
	Filename   string `json:"filename"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeError(w, http.StatusServiceUnavailable, "document storage is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}

	info, err := s.deps.Documents.Ingest(r.Context(), retrieval.Document{
		Filename:  hdr.Filename,
		SessionID: strings.TrimSpace(r.FormValue("session_id")),
		Data:      data,
	})
	switch {
	case errors.Is(err, retrieval.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, "unsupported file type; supported: "+strings.Join(retrieval.SupportedExtensions, ", "))
		return
	case errors.Is(err, retrieval.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, "no text could be extracted from the file")
		return
	case errors.Is(err, retrieval.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "document storage unavailable")
		return
	case err != nil:
		s.internalError(w, r, "ingest document", err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		DocID:     info.DocID,
		Filename:  info.Filename,
		Chunks:    info.Chunks,
		PageCount: info.PageCount,
		Status:    "ingested",
	})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeJSON(w, http.StatusOK, documentsResponse{Documents: []retrieval.DocumentInfo{}})
		return
	}
	docs, err := s.deps.Documents.ListDocuments(r.Context(), r.URL.Query().Get("session_id"))
	if err != nil {
		if errors.Is(err, retrieval.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "document storage unavailable")
			return
		}
		s.internalError(w, r, "list documents", err)
		return
	}
	if docs == nil {
		docs = []retrieval.DocumentInfo{}
	}
	writeJSON(w, http.StatusOK, documentsResponse{Documents: docs})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	id := r.PathValue("id")
	ok, err := s.deps.Documents.DeleteDocument(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "delete document", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	writeJSON(w, http.StatusOK, deletedResponse{Status: "deleted", DocID: id})
}

func (s *Server) documentPage(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "page number must be a positive integer")
		return
	}
	if s.deps.Documents == nil {
		writeError(w, http.StatusNotFound, "Page not found")
		return
	}
	page, err := s.deps.Documents.Page(r.Context(), r.PathValue("id"), n)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Page not found")
			return
		}
		s.internalError(w, r, "read page", err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{
		DocID:      page.DocID,
		Filename:   page.Filename,
		PageNumber: page.Page,
		Text:       page.Text,
	})
}

// ── voices and models ────────────────────────────────────────────────────────

type voiceEntry struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type voicesResponse struct {
	Voices  []voiceEntry `json:"voices"`
	Current string       `json:"current"`
}

type setVoiceRequest struct {
	Voice string `json:"voice"`
}

type setVoiceResponse struct {
	Status string `json:"status"`
	Voice  string `json:"voice"`
}

func (s *Server) listVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.deps.TTS.ListVoices(r.Context())
	if err != nil {
		s.log.Warn("server: list voices", "err", err)
		writeError(w, http.StatusBadGateway, "text-to-speech provider unavailable")
		return
	}
	resp := voicesResponse{Voices: make([]voiceEntry, 0, len(voices)), Current: s.Voice().ID}
	for _, v := range voices {
		label := v.Name
		if label == "" {
			label = v.ID
		}
		resp.Voices = append(resp.Voices, voiceEntry{ID: v.ID, Label: label})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setVoice(w http.ResponseWriter, r *http.Request) {
	var req setVoiceRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Voice) == "" {
		writeError(w, http.StatusBadRequest, "voice is required")
		return
	}
	voices, err := s.deps.TTS.ListVoices(r.Context())
	if err != nil {
		s.log.Warn("server: list voices", "err", err)
		writeError(w, http.StatusBadGateway, "text-to-speech provider unavailable")
		return
	}
	i := slices.IndexFunc(voices, func(v tts.Voice) bool { return v.ID == req.Voice })
	if i < 0 {
		writeError(w, http.StatusBadRequest, "unknown voice: "+req.Voice)
		return
	}
	s.applyVoice(voices[i])
	s.log.Info("voice changed", "voice", req.Voice)
	writeJSON(w, http.StatusOK, setVoiceResponse{Status: "updated", Voice: req.Voice})
}

type modelsResponse struct {
	Models  []string `json:"models"`
	Current string   `json:"current"`
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.LLM.ListModels(r.Context())
	if err != nil {
		s.log.Warn("server: list models", "err", err)
		writeError(w, http.StatusBadGateway, "language model provider unavailable")
		return
	}
	pc, _ := s.deps.Pipeline()
	resp := modelsResponse{Models: make([]string, 0, len(models)), Current: pc.Model}
	for _, m := range models {
		resp.Models = append(resp.Models, m.Name)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── chat ─────────────────────────────────────────────────────────────────────

type chatRequest struct {
	Message string `json:"message"`
	pipeline.RunOptions
}

type chatResponse struct {
	pipeline.Reply
	SessionID string `json:"session_id"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	sess, err := s.deps.Sessions.GetOrCreate(r.Context(), req.SessionID)
	if err != nil {
		s.internalError(w, r, "open session", err)
		return
	}
	opts := req.RunOptions
	opts.SessionID = sess.ID

	cfg, deps := s.deps.Pipeline()
	reply, err := pipeline.Ask(r.Context(), cfg, deps, req.Message, opts)
	if err != nil {
		s.log.Warn("server: chat", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusBadGateway, "generation failed")
		return
	}
	if reply.Sources == nil {
		reply.Sources = []retrieval.Source{}
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply, SessionID: sess.ID})
}

// ── helpers ──────────────────────────────────────────────────────────────────

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) sessionError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	s.internalError(w, r, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error("server: "+op, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
