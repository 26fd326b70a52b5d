package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/segment"
	"github.com/MrWong99/lectern/pkg/audio/delivery"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	"github.com/MrWong99/lectern/pkg/provider/stt"
)

// errEmptyTranscript ends a run whose utterance contained no words.
var errEmptyTranscript = errors.New("pipeline: empty transcript")

// execute is the worker goroutine of one run. It reports progress to the
// loop and never touches loop-owned state.
func (p *Pipeline) execute(r *run) {
	defer p.wg.Done()

	ctx, span := observe.StartRun(r.ctx, "pipeline.run", r.id, r.opts.SessionID)
	defer span.End()

	err := p.process(ctx, r)
	switch {
	case err == nil:
	case r.ctx.Err() != nil:
		// Cancelled; the loop already moved on.
	case errors.Is(err, errEmptyTranscript):
		p.post(r.ctx, failedMsg{runID: r.id})
	default:
		span.RecordError(err)
		p.post(r.ctx, failedMsg{runID: r.id, err: err})
	}
}

func (p *Pipeline) process(ctx context.Context, r *run) error {
	query := r.query
	if r.pcm != nil {
		text, err := p.transcribe(ctx, r)
		if err != nil {
			return err
		}
		if text == "" {
			return errEmptyTranscript
		}
		query = text
		p.post(ctx, transcriptMsg{runID: r.id, text: text})
		p.post(ctx, stageMsg{runID: r.id, stage: StageRetrieving})
	}

	res, err := p.retrieve(ctx, r, query)
	if err != nil {
		return err
	}

	units := make(chan segment.Unit, p.cfg.SynthesisWorkers)
	g, gctx := errgroup.WithContext(ctx)

	var total int
	g.Go(func() error {
		defer close(units)
		n, err := p.produce(gctx, r, query, res, units)
		total = n
		return err
	})
	for range p.cfg.SynthesisWorkers {
		g.Go(func() error { return p.synthesize(gctx, r, units) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.queue.Finish(r.id, total)
	return nil
}

// transcribe runs speech-to-text on the utterance of r.
func (p *Pipeline) transcribe(ctx context.Context, r *run) (string, error) {
	ctx, span := observe.StartStage(ctx, "stt")
	defer span.End()

	start := time.Now()
	cfg := stt.Config{SampleRate: p.cfg.VAD.SampleRate, Language: p.cfg.Language}
	tr, err := resilience.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (stt.Transcript, error) {
		return p.deps.STT.Transcribe(ctx, r.pcm, cfg)
	})
	elapsed := time.Since(start)
	p.providerResult(ctx, p.cfg.Providers.STT, "stt", err)
	if err != nil {
		return "", err
	}

	p.metrics.STTDuration.Record(ctx, elapsed.Seconds())
	r.watch.set(func(t *Timings) { t.STTMs = elapsed.Milliseconds() })
	text := strings.TrimSpace(tr.Text)
	observe.Logger(ctx).Info("pipeline: transcribed", "chars", len(text), "duration", elapsed)
	return text, nil
}

// retrieve resolves the query. Retrieval problems never fail the run; only
// cancellation does.
func (p *Pipeline) retrieve(ctx context.Context, r *run, query string) (retrieval.Result, error) {
	if p.deps.Retriever == nil {
		return retrieval.Result{}, ctx.Err()
	}
	ctx, span := observe.StartStage(ctx, "retrieve")
	defer span.End()

	scope := retrieval.Scope{SessionID: r.opts.SessionID}
	if r.opts.SessionID != "" && p.deps.Sessions != nil {
		s, err := p.deps.Sessions.Get(ctx, r.opts.SessionID)
		switch {
		case err == nil:
			scope.Disabled = !s.RetrievalEnabled
		case ctx.Err() != nil:
			return retrieval.Result{}, ctx.Err()
		default:
			observe.Logger(ctx).Warn("pipeline: session lookup failed, retrieving anyway", "err", err)
		}
	}

	start := time.Now()
	res, err := p.deps.Retriever.Resolve(ctx, query, scope)
	if err != nil {
		return retrieval.Result{}, err
	}
	elapsed := time.Since(start)

	mode := "hybrid"
	if res.IsBypass() {
		mode = "bypass"
	}
	span.SetAttributes(attribute.String("mode", mode), attribute.Int("units", len(res.Context)))
	p.metrics.RetrievalDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
	r.watch.set(func(t *Timings) { t.RAGMs = elapsed.Milliseconds() })
	return res, nil
}

// produce feeds the reply text through the segmenter and sends the units
// to the synthesis workers. It returns the number of units sent.
func (p *Pipeline) produce(ctx context.Context, r *run, query string, res retrieval.Result, units chan<- segment.Unit) (int, error) {
	var opts []segment.Option
	if p.cfg.SegmentMinLength > 0 {
		opts = append(opts, segment.WithMinLength(p.cfg.SegmentMinLength))
	}
	if p.cfg.SegmentMaxLength > 0 {
		opts = append(opts, segment.WithMaxLength(p.cfg.SegmentMaxLength))
	}
	seg := segment.New(opts...)

	n := 0
	send := func(batch []segment.Unit) error {
		for _, u := range batch {
			if n == 0 {
				r.watch.unitReady()
				p.post(ctx, stageMsg{runID: r.id, stage: StageSpeaking})
			}
			select {
			case units <- u:
				n++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	flush := func() error {
		if u, ok := seg.Flush(); ok {
			return send([]segment.Unit{u})
		}
		return nil
	}

	if res.IsBypass() {
		page := res.Bypass
		observe.Logger(ctx).Info("pipeline: reading page verbatim", "doc_id", page.DocID, "page", page.Page)
		if err := send(seg.Add(page.Text)); err != nil {
			return n, err
		}
		if err := flush(); err != nil {
			return n, err
		}
		r.watch.set(func(t *Timings) { t.TTSChunks = n })
		p.post(ctx, responseMsg{
			runID:   r.id,
			text:    strings.TrimSpace(page.Text),
			sources: []retrieval.Source{retrieval.PageSource(page)},
			timings: r.watch.snapshot(),
		})
		return n, nil
	}

	p.post(ctx, stageMsg{runID: r.id, stage: StageGenerating})
	answer, err := p.generate(ctx, r, query, res, func(text string) error {
		return send(seg.Add(text))
	})
	if err != nil {
		return n, err
	}
	if err := flush(); err != nil {
		return n, err
	}
	r.watch.set(func(t *Timings) { t.TTSChunks = n })
	p.post(ctx, responseMsg{
		runID:   r.id,
		text:    answer,
		sources: retrieval.Sources(res.Context),
		timings: r.watch.snapshot(),
	})
	return n, nil
}

// generate streams the reply from the language model, handing visible text
// to emit as it arrives, and returns the full visible reply.
func (p *Pipeline) generate(ctx context.Context, r *run, query string, res retrieval.Result, emit func(string) error) (string, error) {
	ctx, span := observe.StartStage(ctx, "generate")
	defer span.End()

	var history []llm.Message
	if r.opts.SessionID != "" && p.deps.Sessions != nil {
		if r.recorded != nil {
			select {
			case <-r.recorded:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		h, err := p.deps.Sessions.History(ctx, r.opts.SessionID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			observe.Logger(ctx).Warn("pipeline: history unavailable, answering without it", "err", err)
		}
		history = h
	}

	req := llm.Request{
		Model:        r.opts.Model,
		SystemPrompt: p.cfg.SystemPrompt,
		Messages:     buildMessages(history, retrieval.FormatContext(res.Context), query),
		Temperature:  p.cfg.Temperature,
		MaxTokens:    r.opts.MaxTokens,
	}
	if req.Model == "" {
		req.Model = p.cfg.Model
	}
	if r.opts.Temperature != nil {
		req.Temperature = *r.opts.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}
	span.SetAttributes(attribute.String("model", req.Model), attribute.Int("messages", len(req.Messages)))

	start := time.Now()
	stream, err := resilience.Retry(ctx, p.cfg.Retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
		return p.deps.LLM.StreamCompletion(ctx, req)
	})
	p.providerResult(ctx, p.cfg.Providers.LLM, "llm", err)
	if err != nil {
		return "", err
	}

	var (
		filter thinkFilter
		answer strings.Builder
		first  = true
	)
	forward := func(text string) error {
		if text == "" {
			return nil
		}
		if first && strings.TrimSpace(text) != "" {
			first = false
			ttft := time.Since(start)
			p.metrics.LLMFirstToken.Record(ctx, ttft.Seconds())
			r.watch.set(func(t *Timings) { t.LLMFirstTokenMs = ttft.Milliseconds() })
		}
		answer.WriteString(text)
		return emit(text)
	}

	for {
		select {
		case <-ctx.Done():
			go drain(stream)
			return "", ctx.Err()
		case c, ok := <-stream:
			if !ok {
				if err := forward(filter.flush()); err != nil {
					return "", err
				}
				elapsed := time.Since(start)
				p.metrics.LLMDuration.Record(ctx, elapsed.Seconds())
				r.watch.set(func(t *Timings) { t.LLMMs = elapsed.Milliseconds() })
				return StripThink(answer.String()), nil
			}
			if c.Err != nil {
				go drain(stream)
				p.metrics.RecordProviderError(ctx, p.cfg.Providers.LLM, "llm")
				return "", c.Err
			}
			if err := forward(filter.feed(c.Text)); err != nil {
				go drain(stream)
				return "", err
			}
		}
	}
}

// synthesize turns sentence units into audio until units is closed. A unit
// that fails synthesis is skipped so delivery can continue past it.
func (p *Pipeline) synthesize(ctx context.Context, r *run, units <-chan segment.Unit) error {
	for {
		var u segment.Unit
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-units:
			if !ok {
				return nil
			}
			u = next
		}

		text := CleanForSpeech(u.Text)
		if text == "" {
			p.queue.Skip(r.id, u.Index)
			continue
		}

		start := time.Now()
		wav, err := p.deps.TTS.Synthesize(ctx, text, p.Voice())
		p.providerResult(ctx, p.cfg.Providers.TTS, "tts", err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observe.Logger(ctx).Warn("pipeline: synthesis failed, skipping unit", "index", u.Index, "err", err)
			p.metrics.SkippedUnits.Add(ctx, 1)
			p.queue.Skip(r.id, u.Index)
			continue
		}
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		if first, since := r.watch.audioReady(); first {
			p.metrics.FirstAudioDuration.Record(ctx, since.Seconds())
		}

		if err := p.queue.Put(ctx, r.id, u.Index, wav); err != nil {
			if errors.Is(err, delivery.ErrCancelled) && r.ctx.Err() == nil {
				return nil
			}
			return err
		}
	}
}

// providerResult counts a provider call.
func (p *Pipeline) providerResult(ctx context.Context, provider, kind string, err error) {
	if provider == "" {
		provider = kind
	}
	switch {
	case err == nil:
		p.metrics.RecordProviderRequest(ctx, provider, kind, "ok")
	case errors.Is(err, context.Canceled):
		p.metrics.RecordProviderRequest(ctx, provider, kind, "cancelled")
	default:
		p.metrics.RecordProviderRequest(ctx, provider, kind, "error")
		p.metrics.RecordProviderError(ctx, provider, kind)
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
