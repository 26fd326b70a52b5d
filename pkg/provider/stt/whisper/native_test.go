package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/lectern/pkg/provider/stt"
	"github.com/MrWong99/lectern/pkg/provider/stt/whisper"
)

// loadNative loads the ggml model named by WHISPER_MODEL_PATH or skips.
func loadNative(t *testing.T, opts ...whisper.NativeOption) *whisper.NativeProvider {
	t.Helper()
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	p, err := whisper.NewNative(path, opts...)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewNative_Errors(t *testing.T) {
	for name, path := range map[string]string{
		"empty":   "",
		"missing": "/nonexistent/ggml-base.en.bin",
	} {
		if _, err := whisper.NewNative(path); err == nil {
			t.Errorf("%s path accepted", name)
		}
	}
}

func TestNativeTranscribe_SilenceIsEmpty(t *testing.T) {
	p := loadNative(t, whisper.WithNativeLanguage("en"), whisper.WithNativeConcurrency(2))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got, err := p.Transcribe(ctx, silence(16000), stt.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "" {
		t.Logf("model heard %q in silence", got.Text)
	}
	if got.Duration != time.Second || got.Language != "en" {
		t.Errorf("got %v/%q, want 1s/en", got.Duration, got.Language)
	}
}

func TestNativeTranscribe_Cancelled(t *testing.T) {
	p := loadNative(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, tone(16000), stt.Config{}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
