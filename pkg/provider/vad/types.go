package vad

import "time"

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Energy is the normalised RMS energy of the frame (0.0–1.0).
	Energy float64

	// Offset is the stream position at the end of the frame, measured from the
	// first frame of the session.
	Offset time.Duration

	// SpeechDuration is set on VADSpeechEnd and VADSpeechDiscarded: the time
	// from speech start to the beginning of the closing silence.
	SpeechDuration time.Duration
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech detected.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech. It is also reported for the
	// quiet frames of a pause that has not yet reached the silence timeout.
	VADSpeechContinue

	// VADSpeechEnd indicates an utterance has just ended.
	VADSpeechEnd

	// VADSpeechDiscarded indicates the preceding speech-start was a false
	// trigger: the burst was shorter than the minimum speech duration.
	VADSpeechDiscarded
)

// String returns a lower-case name for t.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech-start"
	case VADSpeechContinue:
		return "speech-continue"
	case VADSpeechEnd:
		return "speech-end"
	case VADSpeechDiscarded:
		return "speech-discarded"
	default:
		return "unknown"
	}
}

// InSpeech reports whether the frame belongs to an utterance in progress.
func (t VADEventType) InSpeech() bool {
	return t == VADSpeechStart || t == VADSpeechContinue
}
