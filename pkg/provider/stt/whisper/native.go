package whisper

// NativeProvider links whisper.cpp through cgo. Building it needs
// libwhisper.a on LIBRARY_PATH and whisper.h on C_INCLUDE_PATH.

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process. The model is loaded once;
// every Transcribe call decodes in a context of its own.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	// slots bounds concurrent decodes. A decode keeps its slot until it
	// finishes, even when its caller has already given up.
	slots chan struct{}
}

type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language used when a request carries none.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency allows n decodes at once. The default is one.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.slots = make(chan struct{}, n)
		}
	}
}

// NewNative loads the model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load %s: %w", modelPath, err)
	}
	p := &NativeProvider{model: model, language: defaultLanguage, slots: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe decodes pcm. whisper.cpp cannot be interrupted, so a cancelled
// call returns at once and the decode result is thrown away.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Transcript, error) {
	cfg = cfg.WithDefaults()
	lang := cmp.Or(cfg.Language, p.language)

	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("whisper: %w", ctx.Err())
	}

	type decoded struct {
		segs []segment
		err  error
	}
	done := make(chan decoded, 1)
	go func() {
		defer func() { <-p.slots }()
		samples := audio.Float32s(audio.ResampleMono16(pcm, cfg.SampleRate, stt.DefaultSampleRate))
		segs, err := p.decode(samples, lang)
		done <- decoded{segs, err}
	}()

	select {
	case d := <-done:
		if d.err != nil {
			return stt.Transcript{}, d.err
		}
		return assemble(d.segs, lang, audio.Duration(len(pcm)/2, cfg.SampleRate, 1)), nil
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("whisper: %w", ctx.Err())
	}
}

func (p *NativeProvider) decode(samples []float32, lang string) ([]segment, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: new context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language not supported by model, keeping its default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: decode: %w", err)
	}

	var segs []segment
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return segs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: segment: %w", err)
		}
		segs = append(segs, segment{text: s.Text, prob: tokenProb(s.Tokens)})
	}
}

// tokenProb averages the probability of the text tokens of a segment.
// Special tokens such as [_BEG_] and timestamps are skipped.
func tokenProb(tokens []whisperlib.Token) float64 {
	var sum float64
	var n int
	for _, t := range tokens {
		if strings.HasPrefix(t.Text, "[_") {
			continue
		}
		sum += float64(t.P)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
