package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/retrieval"
)

// Reply is the result of a text-only exchange.
type Reply struct {
	Text    string             `json:"response"`
	Sources []retrieval.Source `json:"sources"`
	Timings Timings            `json:"timings"`
}

// Ask answers query through the same retrieval and generation path as a
// voice run, without synthesis, and records the exchange. It is used by
// clients that cannot hold a websocket.
func Ask(ctx context.Context, cfg Config, deps Deps, query string, opts RunOptions) (Reply, error) {
	if deps.LLM == nil {
		return Reply{}, errors.New("pipeline: ask: no language model configured")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return Reply{}, errors.New("pipeline: ask: empty query")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	p := &Pipeline{cfg: cfg, deps: deps, metrics: deps.Metrics}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	r := &run{id: uuid.NewString(), ctx: ctx, opts: opts, query: query, watch: newStopwatch()}
	ctx, span := observe.StartRun(ctx, "pipeline.ask", r.id, opts.SessionID)
	defer span.End()

	res, err := p.retrieve(ctx, r, query)
	if err != nil {
		return Reply{}, fmt.Errorf("pipeline: ask: %w", err)
	}

	var reply Reply
	if res.IsBypass() {
		reply.Text = strings.TrimSpace(res.Bypass.Text)
		reply.Sources = []retrieval.Source{retrieval.PageSource(res.Bypass)}
	} else {
		text, err := p.generate(ctx, r, query, res, func(string) error { return nil })
		if err != nil {
			return Reply{}, fmt.Errorf("pipeline: ask: %w", err)
		}
		reply.Text = text
		reply.Sources = retrieval.Sources(res.Context)
	}
	reply.Timings = *r.watch.snapshot()

	r.answer = reply.Text
	if r.opts.SessionID != "" {
		if deps.Sessions != nil {
			if err := deps.Sessions.AppendExchange(ctx, r.opts.SessionID, query, reply.Text); err != nil {
				observe.Logger(ctx).Warn("pipeline: failed to append exchange to history", "err", err)
			}
		}
		if deps.Memory != nil {
			if err := deps.Memory.Remember(ctx, r.opts.SessionID, query, reply.Text); err != nil && !errors.Is(err, retrieval.ErrUnavailable) {
				observe.Logger(ctx).Warn("pipeline: failed to remember exchange", "err", err)
			}
		}
	}
	p.metrics.RecordRun(ctx, "completed")
	return reply, nil
}
