// Package pipeline implements the orchestrator that turns one user's speech
// into a spoken, grounded reply.
//
// A [Pipeline] owns a single event loop goroutine. Every input (audio from
// the client, explicit end of utterance, text queries, cancellation, and the
// progress reports of the run worker and the audio queue) is a message on one
// channel and is handled serially, so the current [Stage] has exactly one
// writer. A run moves through transcription, retrieval, generation and
// speech; the worker for a run streams generated text through the sentence
// segmenter into concurrent synthesis, and the [delivery.Queue] hands the
// audio back in order.
//
// Cancelling a run, explicitly or by speaking over the reply, stops every
// stage of it. Once the loop has acknowledged the cancellation no further
// event of that run reaches [Pipeline.Events].
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/session"
	"github.com/MrWong99/lectern/pkg/audio/delivery"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	"github.com/MrWong99/lectern/pkg/provider/stt"
	"github.com/MrWong99/lectern/pkg/provider/tts"
	"github.com/MrWong99/lectern/pkg/provider/vad"
)

var (
	// ErrBusy is returned when a new run is requested while another one is
	// in flight or the user is still speaking.
	ErrBusy = errors.New("pipeline: busy")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pipeline: closed")
)

const (
	defaultSynthesisWorkers = 2
	defaultEventBuffer      = 64
	defaultMaxUtterance     = 30 * time.Second
	defaultPreRoll          = 200 * time.Millisecond
	defaultRecordTimeout    = 10 * time.Second
)

// Retriever resolves a query to a verbatim page or to grounding context.
type Retriever interface {
	Resolve(ctx context.Context, query string, scope retrieval.Scope) (retrieval.Result, error)
}

// Memory stores completed exchanges for later retrieval.
type Memory interface {
	Remember(ctx context.Context, sessionID, user, assistant string) error
}

// Sessions is the part of the session manager a run needs.
type Sessions interface {
	Get(ctx context.Context, id string) (session.Session, error)
	History(ctx context.Context, id string) ([]llm.Message, error)
	AppendExchange(ctx context.Context, id, user, assistant string) error
}

// ProviderNames labels provider metrics.
type ProviderNames struct {
	STT string
	LLM string
	TTS string
}

// Config tunes a [Pipeline]. Zero values select defaults where noted.
type Config struct {
	// VAD configures the endpoint detector. It must be complete; apply the
	// engine's defaults before passing it in.
	VAD vad.Config

	// Voice is the initial synthesis voice. See [Pipeline.SetVoice].
	Voice tts.Voice

	// Language hints the transcription language. Empty auto-detects.
	Language string

	// SystemPrompt defaults to [DefaultSystemPrompt].
	SystemPrompt string

	// Model, Temperature and MaxTokens are used when [RunOptions] leaves them
	// unset.
	Model       string
	Temperature float64
	MaxTokens   int

	// SegmentMinLength and SegmentMaxLength tune the sentence segmenter.
	// Zero keeps the segmenter defaults.
	SegmentMinLength int
	SegmentMaxLength int

	// DeliveryCapacity bounds undelivered audio units. Default 8.
	DeliveryCapacity int

	// SynthesisWorkers is the number of sentence units synthesized
	// concurrently. Default 2.
	SynthesisWorkers int

	// EventBuffer is the capacity of the outbound event channel. Default 64.
	EventBuffer int

	// MaxUtterance caps the length of one utterance; longer speech is ended
	// as if the detector had fired. Default 30s.
	MaxUtterance time.Duration

	// Retry governs retries of transient provider failures. The zero value
	// disables retries.
	Retry resilience.RetryPolicy

	// Providers labels provider metrics.
	Providers ProviderNames
}

// Deps are the collaborators of a [Pipeline]. VAD, STT, LLM and TTS are
// required. Without a Retriever every run is ungrounded; without Sessions
// and Memory completed exchanges are not recorded.
type Deps struct {
	VAD       vad.Engine
	STT       stt.Provider
	LLM       llm.Provider
	TTS       tts.Provider
	Retriever Retriever
	Memory    Memory
	Sessions  Sessions
	Metrics   *observe.Metrics
}

// RunOptions parameterise one run. Unset fields fall back to [Config] and to
// the options given to [Pipeline.SetOptions].
type RunOptions struct {
	SessionID   string   `json:"session_id,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// merge fills the unset fields of o from base.
func (o RunOptions) merge(base RunOptions) RunOptions {
	if o.SessionID == "" {
		o.SessionID = base.SessionID
	}
	if o.Model == "" {
		o.Model = base.Model
	}
	if o.Temperature == nil {
		o.Temperature = base.Temperature
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = base.MaxTokens
	}
	return o
}

// Pipeline orchestrates the runs of one client connection. All exported
// methods are safe for concurrent use.
type Pipeline struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics

	vad   vad.SessionHandle
	queue *delivery.Queue
	voice atomic.Pointer[tts.Voice]
	stage atomic.Int32

	in      chan message
	events  chan Event
	done    chan struct{}
	stopped chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	// wg tracks run workers and exchange recording.
	wg sync.WaitGroup

	// Owned by the event loop.
	defaults   RunOptions
	pending    []byte // partial frame
	speech     []byte
	run        *run
	lastRecord chan struct{} // closed once the latest exchange is stored
}

// run is the loop's record of the run in flight.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	opts   RunOptions
	query  string
	pcm    []byte
	answer string
	watch  *stopwatch

	// recorded is closed when the previous exchange has been stored, so the
	// run reads a history that includes it.
	recorded <-chan struct{}
}

// New validates cfg and creates an idle Pipeline. Call [Pipeline.Start] to
// begin processing.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.VAD == nil || deps.STT == nil || deps.LLM == nil || deps.TTS == nil {
		return nil, errors.New("pipeline: VAD, STT, LLM and TTS are required")
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.SynthesisWorkers <= 0 {
		cfg.SynthesisWorkers = defaultSynthesisWorkers
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = defaultMaxUtterance
	}
	if cfg.DeliveryCapacity <= 0 {
		cfg.DeliveryCapacity = delivery.DefaultCapacity
	}

	sess, err := deps.VAD.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create detector session: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		vad:     sess,
		in:      make(chan message, 64),
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	voice := cfg.Voice
	p.voice.Store(&voice)
	p.queue = delivery.New(p.output, delivery.WithCapacity(cfg.DeliveryCapacity))
	p.queue.OnDrained(p.drained)
	return p, nil
}

// Start launches the event loop. The loop stops when ctx is cancelled or
// [Pipeline.Close] is called. Calling Start more than once has no effect.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		go p.loop()
	})
}

// Close stops the loop, cancels any run in flight and releases the detector
// and the audio queue. The events channel is closed once the loop has
// exited. Close is idempotent.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		if p.started.Load() {
			p.cancel()
			<-p.stopped
		} else {
			close(p.events)
		}
		p.wg.Wait()
		err = errors.Join(p.queue.Close(), p.vad.Close())
	})
	return err
}

// Events returns the ordered outbound event stream. It is closed after
// Close.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Stage returns the current stage.
func (p *Pipeline) Stage() Stage {
	return Stage(p.stage.Load())
}

// Voice returns the voice used for new sentence units.
func (p *Pipeline) Voice() tts.Voice {
	return *p.voice.Load()
}

// SetVoice changes the synthesis voice. Units already being synthesized
// keep the old voice.
func (p *Pipeline) SetVoice(v tts.Voice) {
	p.voice.Store(&v)
}

// PushAudio feeds PCM16 mono audio at the detector's sample rate. Frames may
// have any length; they are re-framed for the detector.
func (p *Pipeline) PushAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return p.send(audioMsg{pcm: append([]byte(nil), pcm...)})
}

// EndUtterance ends the current utterance as if the detector had detected
// the end of speech. It also works when the detector never fired, as long
// as audio was received. It returns [ErrBusy] while a run is in flight.
func (p *Pipeline) EndUtterance(opts RunOptions) error {
	return p.request(func(reply chan error) message { return endMsg{opts: opts, reply: reply} })
}

// SubmitText starts a run for a typed query, skipping transcription. It
// returns [ErrBusy] unless the pipeline is idle.
func (p *Pipeline) SubmitText(query string, opts RunOptions) error {
	return p.request(func(reply chan error) message { return textMsg{query: query, opts: opts, reply: reply} })
}

// SetOptions sets the defaults for runs started by the detector, which have
// no options of their own.
func (p *Pipeline) SetOptions(opts RunOptions) error {
	return p.send(optionsMsg{opts: opts})
}

// Cancel stops the current run or discards the utterance being spoken.
// Cancelling an idle pipeline is a no-op.
func (p *Pipeline) Cancel() error {
	return p.send(cancelMsg{})
}

func (p *Pipeline) send(m message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.in <- m:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *Pipeline) request(build func(chan error) message) error {
	reply := make(chan error, 1)
	if err := p.send(build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// post delivers a message from a run worker. It gives up when the run's
// context ends, since the loop would drop the message anyway.
func (p *Pipeline) post(ctx context.Context, m message) bool {
	select {
	case p.in <- m:
		return true
	case <-ctx.Done():
		return false
	case <-p.done:
		return false
	}
}

// output is the delivery callback. It runs on the queue's dispatch
// goroutine and forwards each unit through the loop.
func (p *Pipeline) output(ctx context.Context, u delivery.Unit) {
	p.post(ctx, unitMsg{unit: u})
}

// drained is the delivery drain callback. It must not block.
func (p *Pipeline) drained(s delivery.Stats) {
	go func() {
		select {
		case p.in <- drainedMsg{stats: s}:
		case <-p.done:
		}
	}()
}

// emit sends ev to the client, blocking while the event buffer is full.
func (p *Pipeline) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// setStage moves to s and announces it. Transitions outside the table are
// logged and ignored.
func (p *Pipeline) setStage(s Stage, runID string) bool {
	cur := p.Stage()
	if cur == s {
		return true
	}
	if !cur.CanTransition(s) {
		slog.Warn("pipeline: invalid stage transition", "from", cur, "to", s, "run_id", runID)
		return false
	}
	p.stage.Store(int32(s))
	slog.Debug("pipeline: stage", "from", cur, "to", s, "run_id", runID)
	p.emit(Event{Type: EventStatus, RunID: runID, Stage: s})
	return true
}

func (p *Pipeline) currentRunID() string {
	if p.run == nil {
		return ""
	}
	return p.run.id
}

// ─── event loop ──────────────────────────────────────────────────────────────

func (p *Pipeline) loop() {
	defer close(p.stopped)
	defer close(p.events)
	defer func() {
		if p.run != nil {
			p.run.cancel()
			p.queue.Cancel(p.run.id)
			p.run = nil
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.done:
			return
		case m := <-p.in:
			p.handle(m)
		}
	}
}

func (p *Pipeline) handle(m message) {
	switch m := m.(type) {
	case audioMsg:
		p.onAudio(m.pcm)
	case endMsg:
		m.reply <- p.onEnd(m.opts)
	case textMsg:
		m.reply <- p.onText(m.query, m.opts)
	case optionsMsg:
		p.defaults = m.opts
	case cancelMsg:
		p.onCancel()

	case stageMsg:
		if m.runID == p.currentRunID() {
			p.setStage(m.stage, m.runID)
		}
	case transcriptMsg:
		if m.runID == p.currentRunID() {
			p.run.query = m.text
			p.emit(Event{Type: EventTranscript, RunID: m.runID, Text: m.text})
		}
	case responseMsg:
		if m.runID == p.currentRunID() {
			p.run.answer = m.text
			p.emit(Event{Type: EventResponse, RunID: m.runID, Text: m.text, Sources: m.sources, Timings: m.timings})
		}
	case unitMsg:
		if m.unit.RunID == p.currentRunID() {
			p.emit(Event{Type: EventAudio, RunID: m.unit.RunID, Index: m.unit.Index, Audio: m.unit.Audio})
		}
	case drainedMsg:
		if m.stats.RunID == p.currentRunID() {
			p.onDrained(m.stats)
		}
	case failedMsg:
		if m.runID == p.currentRunID() {
			p.onFailed(m)
		}
	}
}

// onAudio re-frames pcm and runs every complete frame through the detector.
func (p *Pipeline) onAudio(pcm []byte) {
	size := p.cfg.VAD.FrameBytes()
	p.pending = append(p.pending, pcm...)
	for len(p.pending) >= size {
		frame := p.pending[:size:size]
		p.pending = p.pending[size:]
		p.onFrame(frame)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

func (p *Pipeline) onFrame(frame []byte) {
	ev, err := p.vad.ProcessFrame(frame)
	if err != nil {
		slog.Warn("pipeline: detector rejected frame", "err", err)
		return
	}

	stage := p.Stage()
	switch {
	case stage == StageIdle:
		p.buffer(frame)
		if ev.Type == vad.VADSpeechStart {
			p.speech = p.tail(p.speech, defaultPreRoll)
			p.setStage(StageListening, "")
		}

	case stage == StageListening:
		p.speech = append(p.speech, frame...)
		switch ev.Type {
		case vad.VADSpeechEnd:
			p.beginVoiceRun(p.defaults)
		case vad.VADSpeechDiscarded:
			p.speech = nil
			p.setStage(StageIdle, "")
		default:
			if p.utteranceLen() >= p.cfg.MaxUtterance {
				slog.Info("pipeline: utterance too long, ending it", "max", p.cfg.MaxUtterance)
				p.vad.Reset()
				p.beginVoiceRun(p.defaults)
			}
		}

	case stage.busy():
		if ev.Type != vad.VADSpeechStart {
			return
		}
		slog.Info("pipeline: barge-in", "run_id", p.currentRunID(), "stage", stage)
		p.abort("barge_in")
		p.speech = append([]byte(nil), frame...)
		p.setStage(StageListening, "")
	}
}

// buffer keeps the most recent audio while idle so that an explicit end of
// utterance still has something to transcribe.
func (p *Pipeline) buffer(frame []byte) {
	p.speech = append(p.speech, frame...)
	if p.utteranceLen() > p.cfg.MaxUtterance {
		p.speech = p.tail(p.speech, p.cfg.MaxUtterance)
	}
}

// tail returns the last d of audio in pcm as a new slice.
func (p *Pipeline) tail(pcm []byte, d time.Duration) []byte {
	n := int(d/p.cfg.VAD.FrameDuration()) * p.cfg.VAD.FrameBytes()
	if len(pcm) > n {
		pcm = pcm[len(pcm)-n:]
	}
	return append([]byte(nil), pcm...)
}

func (p *Pipeline) utteranceLen() time.Duration {
	frames := len(p.speech) / p.cfg.VAD.FrameBytes()
	return time.Duration(frames) * p.cfg.VAD.FrameDuration()
}

func (p *Pipeline) onEnd(opts RunOptions) error {
	switch p.Stage() {
	case StageListening:
	case StageIdle:
		if len(p.speech) == 0 {
			return nil
		}
		p.setStage(StageListening, "")
	default:
		return ErrBusy
	}
	p.vad.Reset()
	p.beginVoiceRun(opts.merge(p.defaults))
	return nil
}

func (p *Pipeline) onText(query string, opts RunOptions) error {
	if p.Stage() != StageIdle {
		return ErrBusy
	}
	r := p.newRun(opts.merge(p.defaults))
	r.query = query
	p.speech = nil
	p.setStage(StageRetrieving, r.id)
	p.launch(r)
	return nil
}

func (p *Pipeline) onCancel() {
	switch stage := p.Stage(); {
	case stage == StageListening:
		p.speech = nil
		p.vad.Reset()
		p.setStage(StageIdle, "")
	case stage.busy():
		p.abort("client")
		p.vad.Reset()
		p.setStage(StageIdle, "")
	}
}

// abort cancels the run in flight. Nothing of it is delivered afterwards.
func (p *Pipeline) abort(reason string) {
	r := p.run
	if r == nil {
		return
	}
	p.run = nil
	r.cancel()
	p.queue.Cancel(r.id)
	p.metrics.RecordCancellation(p.ctx, reason)
	p.metrics.RecordRun(p.ctx, "cancelled")
	slog.Info("pipeline: run cancelled", "run_id", r.id, "reason", reason)
}

func (p *Pipeline) beginVoiceRun(opts RunOptions) {
	r := p.newRun(opts)
	r.pcm = p.speech
	p.speech = nil
	p.setStage(StageTranscribing, r.id)
	p.launch(r)
}

func (p *Pipeline) newRun(opts RunOptions) *run {
	ctx, cancel := context.WithCancel(p.ctx)
	return &run{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
		watch:  newStopwatch(),
	}
}

func (p *Pipeline) launch(r *run) {
	p.run = r
	r.recorded = p.lastRecord
	p.queue.Begin(r.id)
	p.wg.Add(1)
	go p.execute(r)
}

func (p *Pipeline) onDrained(s delivery.Stats) {
	r := p.run
	p.run = nil
	r.cancel()
	p.metrics.RecordRun(p.ctx, "completed")
	slog.Info("pipeline: run completed", "run_id", r.id, "delivered", s.Delivered, "skipped", s.Skipped)
	p.emit(Event{Type: EventDone, RunID: r.id})
	p.record(r)
	p.setStage(StageIdle, r.id)
}

func (p *Pipeline) onFailed(m failedMsg) {
	r := p.run
	p.run = nil
	r.cancel()
	p.queue.Cancel(r.id)
	if m.err == nil {
		p.metrics.RecordRun(p.ctx, "empty")
		slog.Info("pipeline: empty transcript, nothing to answer", "run_id", r.id)
	} else {
		p.metrics.RecordRun(p.ctx, "error")
		slog.Error("pipeline: run failed", "run_id", r.id, "err", m.err)
		p.emit(Event{Type: EventError, RunID: r.id, Text: m.err.Error()})
	}
	p.setStage(StageIdle, r.id)
}

// record stores a completed exchange in the session history and in
// conversation memory. Failures are logged; the reply was already spoken.
func (p *Pipeline) record(r *run) {
	if r.opts.SessionID == "" || r.query == "" {
		return
	}
	prev, done := p.lastRecord, make(chan struct{})
	p.lastRecord = done
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), defaultRecordTimeout)
		defer cancel()
		if p.deps.Sessions != nil {
			if err := p.deps.Sessions.AppendExchange(ctx, r.opts.SessionID, r.query, r.answer); err != nil {
				slog.Warn("pipeline: failed to append exchange to history", "session_id", r.opts.SessionID, "err", err)
			}
		}
		if p.deps.Memory != nil {
			if err := p.deps.Memory.Remember(ctx, r.opts.SessionID, r.query, r.answer); err != nil && !errors.Is(err, retrieval.ErrUnavailable) {
				slog.Warn("pipeline: failed to remember exchange", "session_id", r.opts.SessionID, "err", err)
			}
		}
	}()
}

// ─── messages ────────────────────────────────────────────────────────────────

type message interface{ isMessage() }

type (
	audioMsg   struct{ pcm []byte }
	endMsg     struct {
		opts  RunOptions
		reply chan error
	}
	textMsg struct {
		query string
		opts  RunOptions
		reply chan error
	}
	optionsMsg struct{ opts RunOptions }
	cancelMsg  struct{}

	stageMsg struct {
		runID string
		stage Stage
	}
	transcriptMsg struct{ runID, text string }
	responseMsg   struct {
		runID   string
		text    string
		sources []retrieval.Source
		timings *Timings
	}
	unitMsg    struct{ unit delivery.Unit }
	drainedMsg struct{ stats delivery.Stats }

	// failedMsg ends a run early. A nil err means the utterance held no
	// words.
	failedMsg struct {
		runID string
		err   error
	}
)

func (audioMsg) isMessage()      {}
func (endMsg) isMessage()        {}
func (textMsg) isMessage()       {}
func (optionsMsg) isMessage()    {}
func (cancelMsg) isMessage()     {}
func (stageMsg) isMessage()      {}
func (transcriptMsg) isMessage() {}
func (responseMsg) isMessage()   {}
func (unitMsg) isMessage()       {}
func (drainedMsg) isMessage()    {}
func (failedMsg) isMessage()     {}
