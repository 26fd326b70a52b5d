package pipeline

import (
	"sync"
	"time"

	"github.com/MrWong99/lectern/internal/retrieval"
)

// EventType identifies the kind of an outbound [Event].
type EventType string

// Outbound event types, in the order a run produces them.
const (
	EventStatus     EventType = "status"
	EventTranscript EventType = "transcript"
	EventResponse   EventType = "response"
	EventAudio      EventType = "audio"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one message on the ordered outbound stream of a [Pipeline]. Only
// the fields relevant to Type are set.
type Event struct {
	Type  EventType
	RunID string

	// Stage is set on status events.
	Stage Stage

	// Text is the transcript, the full reply, or the error message.
	Text string

	// Sources and Timings are set on response events.
	Sources []retrieval.Source
	Timings *Timings

	// Index and Audio are set on audio events. Audio is a WAV file.
	Index int
	Audio []byte
}

// Timings reports how long the stages of one run took, in milliseconds.
type Timings struct {
	STTMs           int64 `json:"stt_ms"`
	RAGMs           int64 `json:"rag_ms"`
	LLMFirstTokenMs int64 `json:"llm_first_token_ms"`
	TTSFirstChunkMs int64 `json:"tts_first_chunk_ms"`
	LLMMs           int64 `json:"llm_ms"`
	TTSChunks       int   `json:"tts_chunks"`
}

// stopwatch collects the timings of a run from several goroutines.
type stopwatch struct {
	mu sync.Mutex
	t  Timings

	// speechEnd is when the run started; first audio is measured from it.
	speechEnd  time.Time
	firstUnit  time.Time
	firstAudio time.Time
}

func newStopwatch() *stopwatch {
	return &stopwatch{speechEnd: time.Now()}
}

func (s *stopwatch) set(fn func(t *Timings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.t)
}

// unitReady records that the first sentence unit is available for synthesis.
func (s *stopwatch) unitReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstUnit.IsZero() {
		s.firstUnit = time.Now()
	}
}

// audioReady records a synthesized unit and reports whether it was the
// first of the run.
func (s *stopwatch) audioReady() (first bool, sinceSpeechEnd time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.firstAudio.IsZero() {
		return false, 0
	}
	s.firstAudio = time.Now()
	if !s.firstUnit.IsZero() {
		s.t.TTSFirstChunkMs = s.firstAudio.Sub(s.firstUnit).Milliseconds()
	}
	return true, s.firstAudio.Sub(s.speechEnd)
}

func (s *stopwatch) snapshot() *Timings {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.t
	return &t
}
