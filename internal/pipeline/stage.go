package pipeline

// Stage is the externally visible state of a [Pipeline].
type Stage int

const (
	// StageIdle waits for speech or a text query.
	StageIdle Stage = iota

	// StageListening accumulates speech frames of the current utterance.
	StageListening

	// StageTranscribing waits for the transcript of a finished utterance.
	StageTranscribing

	// StageRetrieving resolves the query against documents and memory.
	StageRetrieving

	// StageGenerating streams the reply from the language model.
	StageGenerating

	// StageSpeaking delivers synthesized audio.
	StageSpeaking
)

var stageNames = [...]string{
	StageIdle:         "idle",
	StageListening:    "listening",
	StageTranscribing: "transcribing",
	StageRetrieving:   "retrieving",
	StageGenerating:   "generating",
	StageSpeaking:     "speaking",
}

// String returns the wire name of s.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// MarshalText encodes s by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the stages reachable from each stage. Every non-idle
// stage may also return to idle on cancellation or failure; the stages that
// do work for a run may move to listening when the user barges in.
var transitions = map[Stage][]Stage{
	StageIdle:         {StageListening, StageRetrieving},
	StageListening:    {StageTranscribing, StageIdle},
	StageTranscribing: {StageRetrieving, StageIdle, StageListening},
	StageRetrieving:   {StageGenerating, StageSpeaking, StageIdle, StageListening},
	StageGenerating:   {StageSpeaking, StageIdle, StageListening},
	StageSpeaking:     {StageIdle, StageListening},
}

// CanTransition reports whether the pipeline may move from s to to.
func (s Stage) CanTransition(to Stage) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// busy reports whether a run is in flight in stage s.
func (s Stage) busy() bool {
	return s >= StageTranscribing
}
