package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lectern/pkg/provider"
	embmock "github.com/MrWong99/lectern/pkg/provider/embeddings/mock"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	llmmock "github.com/MrWong99/lectern/pkg/provider/llm/mock"
	"github.com/MrWong99/lectern/pkg/provider/stt"
	sttmock "github.com/MrWong99/lectern/pkg/provider/stt/mock"
	"github.com/MrWong99/lectern/pkg/provider/tts"
	ttsmock "github.com/MrWong99/lectern/pkg/provider/tts/mock"
)

var fastCfg = FallbackConfig{
	CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	Retry:          RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
}

func userRequest(text string) llm.Request {
	return llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: text}}}
}

func TestLLMFallback_StreamPrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: llmmock.Tokens("Hello ", "there.")}
	secondary := &llmmock.Provider{StreamChunks: llmmock.Tokens("secondary")}

	fb := NewLLMFallback(primary, "primary", fastCfg)
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := llm.Collect(context.Background(), ch)
	if err != nil || text != "Hello there." {
		t.Fatalf("got %q, %v; want %q", text, err, "Hello there.")
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_StreamErrorBeforeTextIsRetried(t *testing.T) {
	calls := 0
	primary := &llmmock.Provider{
		StreamFunc: func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
			calls++
			ch := make(chan llm.Chunk, 2)
			if calls == 1 {
				ch <- llm.Chunk{Err: &provider.StatusError{StatusCode: 503}}
			} else {
				ch <- llm.Chunk{Text: "Recovered."}
			}
			close(ch)
			return ch, nil
		},
	}

	fb := NewLLMFallback(primary, "primary", fastCfg)
	ch, err := fb.StreamCompletion(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, _ := llm.Collect(context.Background(), ch)
	if text != "Recovered." || calls != 2 {
		t.Errorf("got %q after %d calls, want Recovered. after 2", text, calls)
	}
}

func TestLLMFallback_StreamErrorAfterTextIsForwarded(t *testing.T) {
	midErr := errors.New("connection dropped")
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Partial "}, {Err: midErr}}}
	secondary := &llmmock.Provider{StreamChunks: llmmock.Tokens("never")}

	fb := NewLLMFallback(primary, "primary", fastCfg)
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := llm.Collect(context.Background(), ch)
	if text != "Partial " || !errors.Is(err, midErr) {
		t.Errorf("got %q, %v; want partial text and the mid-stream error", text, err)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Errorf("calls primary=%d secondary=%d, want 1 and 0", primary.CallCount(), secondary.CallCount())
	}
}

func TestLLMFallback_StreamFailover(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("primary down")}
	secondary := &llmmock.Provider{StreamChunks: llmmock.Tokens("from secondary")}

	fb := NewLLMFallback(primary, "primary", fastCfg)
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text, _ := llm.Collect(context.Background(), ch); text != "from secondary" {
		t.Errorf("got %q, want from secondary", text)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{StreamErr: errors.New("down")}, "primary", fastCfg)
	fb.AddFallback("secondary", &llmmock.Provider{StreamErr: errors.New("also down")})

	if _, err := fb.StreamCompletion(context.Background(), userRequest("hi")); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_ListModels(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{ModelsErr: errors.New("down")}, "primary", fastCfg)
	fb.AddFallback("secondary", &llmmock.Provider{ModelsResult: []llm.Model{{Name: "llama3.2"}}})

	models, err := fb.ListModels(context.Background())
	if err != nil || len(models) != 1 || models[0].Name != "llama3.2" {
		t.Errorf("got %v, %v; want [llama3.2]", models, err)
	}
}

func TestSTTFallback_Transcribe(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("whisper down")}
	secondary := &sttmock.Provider{Result: stt.Transcript{Text: "read page two"}}

	fb := NewSTTFallback(primary, "server", fastCfg)
	fb.AddFallback("native", secondary)

	got, err := fb.Transcribe(context.Background(), make([]byte, 320), stt.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "read page two" {
		t.Errorf("text = %q, want %q", got.Text, "read page two")
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1 and 1", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback_CancelledTranscribeKeepsBreakerClosed(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	primary := &sttmock.Provider{Block: block}

	fb := NewSTTFallback(primary, "server", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1}})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := fb.Transcribe(ctx, nil, stt.Config{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	}
	if s := fb.States()["server"]; s != StateClosed {
		t.Errorf("breaker = %v, want closed", s)
	}
}

func TestTTSFallback_Synthesize(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: &provider.StatusError{StatusCode: 500}}
	secondary := &ttsmock.Provider{Audio: []byte("RIFF-secondary")}

	fb := NewTTSFallback(primary, "coqui", fastCfg)
	fb.AddFallback("backup", secondary)

	got, err := fb.Synthesize(context.Background(), "Hello.", tts.Voice{ID: "p225"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "RIFF-secondary" {
		t.Errorf("audio = %q, want RIFF-secondary", got)
	}
	// 500 is transient: one call plus two retries on the primary.
	if n := len(primary.SynthesizeCalls()); n != 3 {
		t.Errorf("primary calls = %d, want 3", n)
	}
	if calls := secondary.SynthesizeCalls(); len(calls) != 1 || calls[0].Voice.ID != "p225" {
		t.Errorf("secondary calls = %+v", calls)
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListVoicesErr: errors.New("down")}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.Voice{{ID: "v1", Name: "Alice"}}}

	fb := NewTTSFallback(primary, "primary", fastCfg)
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil || len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("got %v, %v; want [v1]", voices, err)
	}
}

func TestTTSFallback_EmptyAudioFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeFunc: func(context.Context, string, tts.Voice) ([]byte, error) {
		return []byte{}, nil
	}}
	secondary := &ttsmock.Provider{Audio: []byte("RIFF-backup")}

	fb := NewTTSFallback(primary, "coqui", fastCfg)
	fb.AddFallback("backup", secondary)

	got, err := fb.Synthesize(context.Background(), "Page two.", tts.Voice{ID: "p225"})
	if err != nil || string(got) != "RIFF-backup" {
		t.Fatalf("got %q, %v; want the backup's audio", got, err)
	}
	if n := len(primary.SynthesizeCalls()); n != 1 {
		t.Errorf("primary calls = %d, want 1 (empty audio is not retried)", n)
	}

	only := NewTTSFallback(primary, "coqui", fastCfg)
	if _, err := only.Synthesize(context.Background(), "Page two.", tts.Voice{}); !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestEmbeddingsFallback(t *testing.T) {
	primary := &embmock.Provider{EmbedErr: errors.New("down"), DimensionsValue: 8, ModelIDValue: "primary"}
	secondary := &embmock.Provider{DimensionsValue: 8}

	fb := NewEmbeddingsFallback(primary, "primary", fastCfg)
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "page two")
	if err != nil || len(vec) != 8 {
		t.Fatalf("got %d-dim vector, %v; want 8-dim", len(vec), err)
	}
	if fb.Dimensions() != 8 || fb.ModelID() != "primary" {
		t.Errorf("Dimensions/ModelID = %d/%q, want primary's", fb.Dimensions(), fb.ModelID())
	}
	vecs, err := fb.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil || len(vecs) != 2 {
		t.Errorf("EmbedBatch = %d vectors, %v", len(vecs), err)
	}
}
