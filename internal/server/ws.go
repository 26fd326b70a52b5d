package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/pipeline"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/pkg/audio"
)

// readLimit bounds one inbound websocket message. Clients stream audio in
// chunks of a few hundred milliseconds.
const readLimit = 1 << 20

// Inbound control message types.
const (
	msgEnd    = "end"
	msgCancel = "cancel"
	msgText   = "text"
)

// inbound is a JSON control message from the client.
type inbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
	pipeline.RunOptions
}

type statusMsg struct {
	Type  string         `json:"type"`
	Stage pipeline.Stage `json:"stage"`
}

type transcriptMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseMsg struct {
	Type      string             `json:"type"`
	Text      string             `json:"text"`
	Timings   *pipeline.Timings  `json:"timings"`
	Sources   []retrieval.Source `json:"sources"`
	SessionID string             `json:"session_id,omitempty"`
}

type audioMsg struct {
	Type   string `json:"type"`
	Index  int    `json:"index"`
	Format string `json:"format"`

	// Data is the base64 WAV file of a wav chunk.
	Data string `json:"data,omitempty"`

	// Packets are the base64 Opus packets of an opus chunk, 20 ms each.
	Packets    []string `json:"packets,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
}

type typeMsg struct {
	Type string `json:"type"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// voiceConn is one /ws/voice connection and its pipeline.
type voiceConn struct {
	s    *Server
	conn *websocket.Conn
	p    *pipeline.Pipeline
	opus *audio.OpusEncoder

	mu        sync.Mutex
	sessionID string
}

func (s *Server) voiceSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if slices.Contains(s.cfg.AllowedOrigins, "*") {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = originHosts(s.cfg.AllowedOrigins)
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn("server: websocket handshake", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c, err := s.newVoiceConn(r.Context(), conn, r.URL.Query().Get("session_id"))
	if err != nil {
		s.log.Error("server: open voice connection", "err", err)
		conn.Close(websocket.StatusInternalError, "pipeline unavailable")
		return
	}
	s.track(c)
	defer s.untrack(c)

	s.log.Info("voice client connected", "remote", r.RemoteAddr, "session_id", c.session())
	err = c.serve(r.Context())
	switch status := websocket.CloseStatus(err); {
	case err == nil, status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
		s.log.Info("voice client disconnected", "remote", r.RemoteAddr)
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.log.Warn("voice client dropped", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusInternalError, "connection error")
	}
}

func (s *Server) newVoiceConn(ctx context.Context, conn *websocket.Conn, sessionID string) (*voiceConn, error) {
	cfg, deps := s.deps.Pipeline()
	cfg.Voice = s.Voice()
	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	c := &voiceConn{s: s, conn: conn, p: p}

	if s.cfg.AudioFormat == config.AudioOpus {
		c.opus, err = audio.NewOpusEncoder(48000)
		if err != nil {
			p.Close()
			return nil, err
		}
	}
	if sessionID != "" {
		sess, err := s.deps.Sessions.GetOrCreate(ctx, sessionID)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open session %s: %w", sessionID, err)
		}
		c.setSession(sess.ID)
		if err := p.SetOptions(pipeline.RunOptions{SessionID: sess.ID}); err != nil {
			p.Close()
			return nil, err
		}
	}
	return c, nil
}

// serve runs the pipeline until the client leaves. The reader feeds the
// pipeline; the writer forwards its events in order.
func (c *voiceConn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.p.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.p.Close()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		return c.writeLoop(gctx)
	})
	return g.Wait()
}

func (c *voiceConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			if err := c.p.PushAudio(data); err != nil {
				return err
			}
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, "invalid message: "+err.Error())
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, pipeline.ErrClosed) {
				return err
			}
			c.sendError(ctx, err.Error())
		}
	}
}

func (c *voiceConn) handle(ctx context.Context, msg inbound) error {
	switch msg.Type {
	case msgCancel:
		return c.p.Cancel()
	case msgEnd:
		opts, err := c.runOptions(ctx, msg.RunOptions)
		if err != nil {
			return err
		}
		return c.p.EndUtterance(opts)
	case msgText:
		if strings.TrimSpace(msg.Text) == "" {
			return errors.New("text message without text")
		}
		opts, err := c.runOptions(ctx, msg.RunOptions)
		if err != nil {
			return err
		}
		return c.p.SubmitText(msg.Text, opts)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// runOptions resolves the session of a run, creating one when the client
// has none yet, and makes the options the default for detector runs.
func (c *voiceConn) runOptions(ctx context.Context, opts pipeline.RunOptions) (pipeline.RunOptions, error) {
	id := opts.SessionID
	if id == "" {
		id = c.session()
	}
	if id == "" || id != c.session() {
		sess, err := c.s.deps.Sessions.GetOrCreate(ctx, id)
		if err != nil {
			return opts, fmt.Errorf("open session: %w", err)
		}
		id = sess.ID
		c.setSession(id)
	}
	opts.SessionID = id
	if err := c.p.SetOptions(opts); err != nil {
		return opts, err
	}
	return opts, nil
}

func (c *voiceConn) writeLoop(ctx context.Context) error {
	for ev := range c.p.Events() {
		msg, err := c.outbound(ev)
		if err != nil {
			c.s.log.Warn("server: drop audio chunk", "run_id", ev.RunID, "index", ev.Index, "err", err)
			continue
		}
		if err := c.write(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// outbound maps a pipeline event to its wire message.
func (c *voiceConn) outbound(ev pipeline.Event) (any, error) {
	switch ev.Type {
	case pipeline.EventStatus:
		return statusMsg{Type: "status", Stage: ev.Stage}, nil
	case pipeline.EventTranscript:
		return transcriptMsg{Type: "transcript", Text: ev.Text}, nil
	case pipeline.EventResponse:
		sources := ev.Sources
		if sources == nil {
			sources = []retrieval.Source{}
		}
		return responseMsg{
			Type:      "response",
			Text:      ev.Text,
			Timings:   ev.Timings,
			Sources:   sources,
			SessionID: c.session(),
		}, nil
	case pipeline.EventAudio:
		return c.audioChunk(ev)
	case pipeline.EventDone:
		return typeMsg{Type: "audio_done"}, nil
	default:
		return errorMsg{Type: "error", Message: ev.Text}, nil
	}
}

func (c *voiceConn) audioChunk(ev pipeline.Event) (audioMsg, error) {
	if c.opus == nil {
		return audioMsg{
			Type:   "audio_chunk",
			Index:  ev.Index,
			Format: string(config.AudioWAV),
			Data:   base64.StdEncoding.EncodeToString(ev.Audio),
		}, nil
	}
	pcm, f, err := audio.WAVPCM(ev.Audio)
	if err != nil {
		return audioMsg{}, err
	}
	if f.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	packets, err := c.opus.Encode(pcm, f.SampleRate)
	if err != nil {
		return audioMsg{}, err
	}
	msg := audioMsg{
		Type:       "audio_chunk",
		Index:      ev.Index,
		Format:     string(config.AudioOpus),
		Packets:    make([]string, len(packets)),
		SampleRate: c.opus.SampleRate(),
	}
	for i, pkt := range packets {
		msg.Packets[i] = base64.StdEncoding.EncodeToString(pkt)
	}
	return msg, nil
}

func (c *voiceConn) sendError(ctx context.Context, message string) {
	if err := c.write(ctx, errorMsg{Type: "error", Message: message}); err != nil {
		c.s.log.Debug("server: send error message", "err", err)
	}
}

func (c *voiceConn) write(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

func (c *voiceConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *voiceConn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// originHosts turns allowed origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, rest, ok := strings.Cut(o, "://"); ok {
			o = rest
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return hosts
}
