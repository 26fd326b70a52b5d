package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/lectern/pkg/provider"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"canceled", fmt.Errorf("llm: %w", context.Canceled), false},
		{"marked", fmt.Errorf("stt: %w", ErrTransient), true},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"net timeout", fmt.Errorf("do: %w", timeoutErr{}), true},
		{"http 500", &provider.StatusError{StatusCode: 500}, true},
		{"http 502", &provider.StatusError{StatusCode: 502}, true},
		{"http 503", fmt.Errorf("tts: %w", &provider.StatusError{StatusCode: 503}), true},
		{"http 504", &provider.StatusError{StatusCode: 504}, true},
		{"http 400", &provider.StatusError{StatusCode: 400}, false},
		{"http 404", &provider.StatusError{StatusCode: 404}, false},
		{"circuit open", ErrCircuitOpen, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			return 0, errTest
		})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_BudgetAndBackoff(t *testing.T) {
	t.Parallel()

	var stamps []time.Time
	_, err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: 20 * time.Millisecond},
		func(context.Context) (int, error) {
			stamps = append(stamps, time.Now())
			return 0, &provider.StatusError{StatusCode: 503}
		})
	if err == nil {
		t.Fatal("expected error after budget is spent")
	}
	if len(stamps) != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", len(stamps))
	}
	// Delays grow linearly: 20ms then 40ms.
	if d := stamps[1].Sub(stamps[0]); d < 20*time.Millisecond {
		t.Errorf("first delay = %v, want >= 20ms", d)
	}
	if d := stamps[2].Sub(stamps[1]); d < 40*time.Millisecond {
		t.Errorf("second delay = %v, want >= 40ms", d)
	}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
		func(context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", io.ErrUnexpectedEOF
			}
			return "ok", nil
		})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v; want ok, nil", got, err)
	}
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Retry(ctx, RetryPolicy{MaxRetries: 2, BaseDelay: time.Hour},
		func(context.Context) (int, error) { return 0, ErrTransient })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Retry did not stop promptly on cancellation")
	}
}

func TestRetry_ZeroPolicyRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	_, _ = Retry(context.Background(), RetryPolicy{}, func(context.Context) (int, error) {
		calls++
		return 0, ErrTransient
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
