package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/MrWong99/lectern/pkg/provider"
)

func TestKnownDimensions(t *testing.T) {
	t.Parallel()
	for model, want := range map[string]int{
		"nomic-embed-text-v1.5": 768,
		"all-MiniLM-L6-v2":      384,
		"bge-small-en-v1.5":     384,
		"mxbai-embed-large-v1":  1024,
		"BAAI/bge-m3":           1024,
		"house-model":           768,
	} {
		if got := knownDimensions(model); got != want {
			t.Errorf("knownDimensions(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := New("", "nomic-embed-text"); err == nil {
		t.Error("empty base URL accepted")
	}
	if _, err := New("http://localhost:1234/v1", ""); err == nil {
		t.Error("empty model accepted")
	}

	p, err := New("http://localhost:1234/v1", "house-model", WithDimensions(512), WithAPIKey("k"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 512 || p.ModelID() != "house-model" {
		t.Errorf("got %d/%q, want 512/house-model", p.Dimensions(), p.ModelID())
	}
}

// embedServer answers with vectors {len(input), index, 0...} padded to dims,
// listed in reverse so callers must sort by index.
type embedServer struct {
	dims    int
	gotDims chan *int
}

func (s *embedServer) start(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input      any    `json:"input"`
			Model      string `json:"model"`
			Dimensions *int   `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.gotDims != nil {
			s.gotDims <- req.Dimensions
		}
		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []any:
			for _, in := range v {
				inputs = append(inputs, in.(string))
			}
		}
		data := make([]map[string]any, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			vec := make([]float64, s.dims)
			vec[0], vec[1] = float64(len(inputs[i])), float64(i)
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list", "model": req.Model, "data": data,
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func TestEmbedBatch_FollowsInputOrder(t *testing.T) {
	t.Parallel()
	s := &embedServer{dims: 4}
	p, err := New(s.start(t), "house-model", WithDimensions(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	var firsts []float32
	for _, v := range vecs {
		firsts = append(firsts, v[0])
	}
	if want := []float32{1, 3, 2}; !slices.Equal(firsts, want) {
		t.Errorf("first components = %v, want %v", firsts, want)
	}

	vec, err := p.Embed(context.Background(), "four")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 || vec[0] != 4 {
		t.Errorf("Embed = %v, want 4 components starting with 4", vec)
	}

	if vecs, err := p.EmbedBatch(context.Background(), nil); vecs != nil || err != nil {
		t.Errorf("empty batch = %v, %v; want nil, nil", vecs, err)
	}
}

func TestEmbed_DimensionsField(t *testing.T) {
	t.Parallel()
	pinned := 768
	tests := []struct {
		name string
		opts []Option
		want *int
	}{
		{name: "pinned", opts: []Option{WithDimensions(768)}, want: &pinned},
		{name: "looked up"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &embedServer{dims: 768, gotDims: make(chan *int, 1)}
			p, err := New(s.start(t), "nomic-embed-text-v1.5", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := p.Embed(context.Background(), "x"); err != nil {
				t.Fatalf("Embed: %v", err)
			}
			got := <-s.gotDims
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("dimensions = %d, want field omitted", *got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("dimensions = %v, want %d", got, *tt.want)
			}
		})
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	t.Parallel()
	s := &embedServer{dims: 384}
	p, err := New(s.start(t), "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "x"); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestEmbed_StatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model loading"}}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL+"/v1", "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), "x")
	var se *provider.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got %v, want StatusError 503", err)
	}
}
