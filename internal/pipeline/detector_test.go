package pipeline

import (
	"errors"
	"testing"
	"time"

	llmmock "github.com/MrWong99/lectern/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/lectern/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/lectern/pkg/provider/tts/mock"
	"github.com/MrWong99/lectern/pkg/provider/vad"
	"github.com/MrWong99/lectern/pkg/provider/vad/energy"
	vadmock "github.com/MrWong99/lectern/pkg/provider/vad/mock"
)

func TestPipeline_PreRollReachesTranscriber(t *testing.T) {
	t.Parallel()
	sess := &vadmock.Session{Script: vadmock.Speech(30, 10)}
	f := newFixture(t, func(_ *Config, d *Deps) {
		d.VAD = &vadmock.Engine{Session: sess}
	})

	frame := f.p.cfg.VAD.FrameBytes()
	push(t, f.p, make([]byte, 42*frame))
	collectUntil(t, f.p, isStatus(StageIdle))

	calls := f.stt.Calls()
	if len(calls) != 1 {
		t.Fatalf("STT calls = %d, want 1", len(calls))
	}
	// 200ms of pre-roll ending with the start frame, the speech and the end frame.
	preRoll := int(defaultPreRoll / f.p.cfg.VAD.FrameDuration())
	if got, want := len(calls[0].PCM)/frame, preRoll+10+1; got != want {
		t.Errorf("transcribed %d frames, want %d", got, want)
	}
	if n := sess.Frames(); n != 42 {
		t.Errorf("detector saw %d frames, want 42", n)
	}
}

func TestPipeline_DetectorErrorsSkipFrames(t *testing.T) {
	t.Parallel()
	sess := &vadmock.Session{FrameErr: errors.New("bad frame")}
	f := newFixture(t, func(_ *Config, d *Deps) {
		d.VAD = &vadmock.Engine{Session: sess}
	})

	push(t, f.p, pcm(500*time.Millisecond, 8000))
	quiet(t, f.p, 100*time.Millisecond)
	if f.p.Stage() != StageIdle {
		t.Errorf("stage = %s, want idle", f.p.Stage())
	}
	if sess.Frames() == 0 {
		t.Error("no frame reached the detector")
	}
}

func TestNew_DetectorSession(t *testing.T) {
	t.Parallel()
	deps := Deps{STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{}}
	cfg := Config{VAD: energy.WithDefaults(vad.Config{})}

	deps.VAD = &vadmock.Engine{Err: errors.New("no model")}
	if _, err := New(cfg, deps); err == nil {
		t.Error("New with a failing detector: want error")
	}

	sess := &vadmock.Session{}
	eng := &vadmock.Engine{Session: sess}
	deps.VAD = eng
	p, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := eng.Configs(); len(got) != 1 || got[0] != cfg.VAD {
		t.Errorf("detector configs = %+v, want [%+v]", got, cfg.VAD)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.Closed() {
		t.Error("Close left the detector session open")
	}
}
