package energy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/lectern/pkg/audio"
	"github.com/MrWong99/lectern/pkg/provider/vad"
)

const samplesPerFrame = DefaultSampleRate * DefaultFrameSizeMs / 1000

func toneFrame(amplitude float64) []byte {
	s := make([]int16, samplesPerFrame)
	for i := range s {
		s[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/DefaultSampleRate))
	}
	return audio.Bytes(s)
}

func silentFrame() []byte { return make([]byte, samplesPerFrame*2) }

// frames builds a stream from (frame, duration) pairs.
func frames(parts ...any) [][]byte {
	var out [][]byte
	for i := 0; i < len(parts); i += 2 {
		f := parts[i].([]byte)
		n := int(parts[i+1].(time.Duration) / (DefaultFrameSizeMs * time.Millisecond))
		for range n {
			out = append(out, f)
		}
	}
	return out
}

func run(t *testing.T, sess vad.SessionHandle, stream [][]byte) []vad.VADEvent {
	t.Helper()
	var events []vad.VADEvent
	for i, f := range stream {
		ev, err := sess.ProcessFrame(f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		events = append(events, ev)
	}
	return events
}

func count(events []vad.VADEvent, typ vad.VADEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newSession(t *testing.T) vad.SessionHandle {
	t.Helper()
	sess, err := New().NewSession(vad.Config{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

func TestSession_UtteranceBoundaries(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	events := run(t, sess, frames(toneFrame(8000), 2*time.Second, silentFrame(), time.Second))

	if got := count(events, vad.VADSpeechStart); got != 1 {
		t.Errorf("speech-start count = %d, want 1", got)
	}
	if got := count(events, vad.VADSpeechEnd); got != 1 {
		t.Fatalf("speech-end count = %d, want 1", got)
	}
	if events[0].Type != vad.VADSpeechStart {
		t.Errorf("first event = %v, want speech-start", events[0].Type)
	}

	var end vad.VADEvent
	endIdx := -1
	for i, ev := range events {
		if ev.Type == vad.VADSpeechEnd {
			end, endIdx = ev, i
		}
	}
	// 100 speech frames, then the silence timeout elapses once more than
	// 800ms of quiet has passed: the 41st silent frame.
	if endIdx != 140 {
		t.Errorf("speech-end at frame %d, want 140", endIdx)
	}
	if end.SpeechDuration != 2*time.Second {
		t.Errorf("SpeechDuration = %v, want 2s", end.SpeechDuration)
	}
	for _, ev := range events[1:endIdx] {
		if ev.Type != vad.VADSpeechContinue {
			t.Fatalf("event inside utterance = %v, want speech-continue", ev.Type)
		}
	}
}

func TestSession_NoSpeechNoEvents(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	// A quiet hum below the 0.01 threshold.
	events := run(t, sess, frames(toneFrame(200), 3*time.Second, silentFrame(), time.Second))
	for i, ev := range events {
		if ev.Type != vad.VADSilence {
			t.Fatalf("frame %d: got %v, want silence", i, ev.Type)
		}
	}
}

func TestSession_ShortBurstDiscarded(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	events := run(t, sess, frames(toneFrame(8000), 100*time.Millisecond, silentFrame(), time.Second))

	if got := count(events, vad.VADSpeechEnd); got != 0 {
		t.Errorf("speech-end count = %d, want 0", got)
	}
	if got := count(events, vad.VADSpeechDiscarded); got != 1 {
		t.Errorf("speech-discarded count = %d, want 1", got)
	}

	// The detector is back in silence and can start a new utterance.
	ev, err := sess.ProcessFrame(toneFrame(8000))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("after discard: got %v, want speech-start", ev.Type)
	}
}

func TestSession_PauseShorterThanSilenceDuration(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	events := run(t, sess, frames(
		toneFrame(8000), 500*time.Millisecond,
		silentFrame(), 400*time.Millisecond,
		toneFrame(8000), 500*time.Millisecond,
		silentFrame(), time.Second,
	))
	if got := count(events, vad.VADSpeechStart); got != 1 {
		t.Errorf("speech-start count = %d, want 1", got)
	}
	if got := count(events, vad.VADSpeechEnd); got != 1 {
		t.Errorf("speech-end count = %d, want 1", got)
	}
}

func TestSession_Errors(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected error for wrong frame size")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(silentFrame()); !errors.Is(err, vad.ErrSessionClosed) {
		t.Errorf("after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	run(t, sess, frames(toneFrame(8000), 200*time.Millisecond))
	sess.Reset()

	ev, err := sess.ProcessFrame(toneFrame(8000))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != vad.VADSpeechStart {
		t.Errorf("after Reset: got %v, want speech-start", ev.Type)
	}
	if ev.Offset != 20*time.Millisecond {
		t.Errorf("Offset after Reset = %v, want 20ms", ev.Offset)
	}
}

func TestEngine_InvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New().NewSession(vad.Config{EnergyThreshold: 2}); err == nil {
		t.Error("expected error for threshold >= 1")
	}
	if _, err := New().NewSession(vad.Config{MinSpeechDuration: -time.Second}); err == nil {
		t.Error("expected error for negative min speech duration")
	}
}
