package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// ErrTransient marks an error as worth retrying. Wrap it with
// fmt.Errorf("...: %w", ErrTransient) when the cause is not otherwise
// recognisable by [IsTransient].
var ErrTransient = errors.New("transient error")

// RetryPolicy bounds how often a failed call is repeated. The n-th retry
// (counting from zero) waits BaseDelay × (n+1).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy retries twice, after one and then two seconds.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 2, BaseDelay: time.Second}

// Retry calls fn until it succeeds, returns a non-transient error, the retry
// budget is spent, or ctx ends. The last error is returned unchanged.
func Retry[R any](ctx context.Context, p RetryPolicy, fn func(context.Context) (R, error)) (R, error) {
	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil || attempt >= p.MaxRetries || !IsTransient(err) || ctx.Err() != nil {
			return res, err
		}

		delay := p.BaseDelay * time.Duration(attempt+1)
		slog.Warn("transient provider error, retrying",
			"attempt", attempt+1, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero R
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// IsTransient reports whether err is likely to go away on its own: HTTP 500,
// 502, 503 and 504 responses, refused or reset connections, network timeouts,
// truncated responses, and anything wrapping [ErrTransient]. Cancellation is
// never transient. A per-request deadline counts as a timeout; [Retry] still
// stops once its own ctx is done.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var hs interface{ HTTPStatus() int }
	if errors.As(err, &hs) {
		switch hs.HTTPStatus() {
		case 500, 502, 503, 504:
			return true
		}
		return false
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
