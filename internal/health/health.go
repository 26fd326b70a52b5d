// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every [Checker] concurrently and answers {"status", "checks"}: "fail" with
// 503 when a required check fails, "degraded" with 200 when only optional
// ones do, "ok" otherwise.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/resilience"
)

// checkTimeout bounds one check within a /readyz request.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler is immutable after [New].
type Handler struct {
	checkers []Checker
}

func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK
	for i, c := range h.checkers {
		switch err := errs[i]; {
		case err == nil:
			rep.Checks[c.Name] = "ok"
		case c.Optional:
			rep.Checks[c.Name] = "degraded: " + err.Error()
			if rep.Status == "ok" {
				rep.Status = "degraded"
			}
		default:
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status, code = "fail", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Breakers fails once every breaker of a fallback group is open, leaving no
// provider to try.
func Breakers(name string, states func() map[string]resilience.State) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		all := states()
		if len(all) == 0 {
			return nil
		}
		for _, s := range all {
			if s != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("circuit open for %s", strings.Join(slices.Sorted(maps.Keys(all)), ", "))
	}}
}

// Flag is an optional check failing with reason while degraded reports true.
func Flag(name, reason string, degraded func() bool) Checker {
	return Checker{Name: name, Optional: true, Check: func(context.Context) error {
		if degraded() {
			return errors.New(reason)
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
