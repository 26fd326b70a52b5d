package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/lectern/pkg/provider"
	"github.com/MrWong99/lectern/pkg/provider/embeddings/ollama"
)

type embedCall struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	Truncate  bool     `json:"truncate"`
	KeepAlive string   `json:"keep_alive"`
}

// fakeOllama answers /api/embed with one vector of width dims per input and
// hands every decoded request to calls.
type fakeOllama struct {
	dims  int
	calls chan embedCall
	hits  atomic.Int32
	// reply overrides the default handler when set.
	reply func(w http.ResponseWriter, in embedCall)
}

func startOllama(t *testing.T, f *fakeOllama) string {
	t.Helper()
	f.calls = make(chan embedCall, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/embed" {
			t.Errorf("request %s %s, want POST /api/embed", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var in embedCall
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		select {
		case f.calls <- in:
		default:
		}
		if f.reply != nil {
			f.reply(w, in)
			return
		}
		out := make([][]float32, len(in.Input))
		for i := range out {
			out[i] = make([]float32, f.dims)
			out[i][0] = float32(i + 1)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"model": in.Model, "embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := ollama.New("", ""); err == nil {
		t.Error("New with empty model: got nil error")
	}
	if _, err := ollama.New("", "nomic-embed-text", ollama.WithDimensions(-3)); err == nil {
		t.Error("New with negative dimensions: got nil error")
	}
	p, err := ollama.New("", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.ModelID(); got != "nomic-embed-text" {
		t.Errorf("ModelID = %q, want nomic-embed-text", got)
	}
}

func TestEmbed_RequestShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		opts          []ollama.Option
		wantKeepAlive string
	}{
		{name: "default keep alive", wantKeepAlive: "30m0s"},
		{name: "custom keep alive", opts: []ollama.Option{ollama.WithKeepAlive(5 * time.Minute)}, wantKeepAlive: "5m0s"},
		{name: "pinned", opts: []ollama.Option{ollama.WithKeepAlive(-1)}, wantKeepAlive: "-1m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &fakeOllama{dims: 4}
			url := startOllama(t, f)

			p, err := ollama.New(url+"/", "nomic-embed-text", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			vec, err := p.Embed(context.Background(), "what is the refund window?")
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if len(vec) != 4 || vec[0] != 1 {
				t.Errorf("vector = %v, want width 4 starting with 1", vec)
			}

			in := <-f.calls
			if in.Model != "nomic-embed-text" {
				t.Errorf("model = %q, want nomic-embed-text", in.Model)
			}
			if len(in.Input) != 1 || in.Input[0] != "what is the refund window?" {
				t.Errorf("input = %q, want the query verbatim", in.Input)
			}
			if !in.Truncate {
				t.Error("truncate = false, want true")
			}
			if in.KeepAlive != tt.wantKeepAlive {
				t.Errorf("keep_alive = %q, want %q", in.KeepAlive, tt.wantKeepAlive)
			}
		})
	}
}

func TestEmbedBatch(t *testing.T) {
	t.Parallel()

	f := &fakeOllama{dims: 3}
	p, err := ollama.New(startOllama(t, f), "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunks := []string{"chunk one", "chunk two", "chunk three"}
	vecs, err := p.EmbedBatch(context.Background(), chunks)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(chunks) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(chunks))
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Errorf("vector %d starts with %v, want %v", i, v[0], i+1)
		}
	}
	if n := f.hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want one request per batch", n)
	}

	vecs, err = p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v, want nil, nil", vecs, err)
	}
	if n := f.hits.Load(); n != 1 {
		t.Errorf("empty batch reached the server")
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	t.Parallel()

	f := &fakeOllama{dims: 384}
	p, err := ollama.New(startOllama(t, f), "all-minilm", ollama.WithDimensions(768))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 768 {
		t.Errorf("Dimensions = %d, want the configured 768", got)
	}
	_, err = p.Embed(context.Background(), "hello")
	if !errors.Is(err, ollama.ErrDimensionMismatch) {
		t.Errorf("Embed error = %v, want ErrDimensionMismatch", err)
	}
}

func TestDimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  int
	}{
		{"nomic-embed-text", 768},
		{"nomic-embed-text:v1.5", 768},
		{"all-minilm:l6-v2", 384},
		{"mxbai-embed-large", 1024},
		{"BGE-M3", 1024},
		{"snowflake-arctic-embed:335m", 1024},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			// Known models never touch the network.
			p, err := ollama.New("http://127.0.0.1:1", tt.model)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDimensions_ProbeRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	var down atomic.Bool
	down.Store(true)
	f := &fakeOllama{dims: 512}
	f.reply = func(w http.ResponseWriter, in embedCall) {
		if down.Load() {
			http.Error(w, "model is loading", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{make([]float32, 512)}})
	}
	p, err := ollama.New(startOllama(t, f), "custom-embedder")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := p.Dimensions(); got != 0 {
		t.Errorf("Dimensions while down = %d, want 0", got)
	}
	down.Store(false)
	if got := p.Dimensions(); got != 512 {
		t.Errorf("Dimensions after recovery = %d, want 512", got)
	}
	if got := p.Dimensions(); got != 512 {
		t.Errorf("cached Dimensions = %d, want 512", got)
	}
	if n := f.hits.Load(); n != 2 {
		t.Errorf("server hit %d times, want 2", n)
	}
}

func TestEmbed_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply func(w http.ResponseWriter, in embedCall)
		check func(t *testing.T, err error)
	}{
		{
			name: "server error",
			reply: func(w http.ResponseWriter, _ embedCall) {
				http.Error(w, "model not found", http.StatusInternalServerError)
			},
			check: func(t *testing.T, err error) {
				var se *provider.StatusError
				if !errors.As(err, &se) {
					t.Fatalf("error = %v, want a *provider.StatusError", err)
				}
				if se.StatusCode != http.StatusInternalServerError {
					t.Errorf("status = %d, want 500", se.StatusCode)
				}
			},
		},
		{
			name: "malformed body",
			reply: func(w http.ResponseWriter, _ embedCall) {
				_, _ = w.Write([]byte(`{"embeddings": [[0.1,`))
			},
		},
		{
			name: "no embeddings",
			reply: func(w http.ResponseWriter, _ embedCall) {
				_, _ = w.Write([]byte(`{"embeddings": []}`))
			},
		},
		{
			name: "count mismatch",
			reply: func(w http.ResponseWriter, _ embedCall) {
				_, _ = w.Write([]byte(`{"embeddings": [[0.1], [0.2]]}`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := ollama.New(startOllama(t, &fakeOllama{reply: tt.reply}), "nomic-embed-text")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = p.Embed(context.Background(), "hello")
			if err == nil {
				t.Fatal("Embed: got nil error")
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestEmbed_ContextCancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := &fakeOllama{reply: func(http.ResponseWriter, embedCall) { <-release }}
	url := startOllama(t, f)
	// Registered after the server so it runs before srv.Close waits on the handler.
	t.Cleanup(func() { close(release) })
	p, err := ollama.New(url, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Embed(ctx, "hello"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Embed error = %v, want context.DeadlineExceeded", err)
	}
}
