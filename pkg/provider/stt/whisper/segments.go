package whisper

import (
	"strings"
	"time"

	"github.com/MrWong99/lectern/pkg/provider/stt"
)

const defaultLanguage = "en"

// noSpeechThreshold drops segments whisper itself believes are not speech.
// Whisper tends to hallucinate stock phrases ("Thanks for watching!") over
// room noise; those segments carry a high no-speech probability.
const noSpeechThreshold = 0.6

// segment is one decoded span of an utterance, from either backend.
type segment struct {
	text string
	// prob is the mean token probability, zero when unknown.
	prob float64
	// noSpeech is whisper's no-speech probability, zero when unknown.
	noSpeech float64
}

// nonSpeechMarkers are placeholders whisper emits for audio without speech.
var nonSpeechMarkers = []string{"[BLANK_AUDIO]", "[ Silence ]", "[silence]", "(silence)"}

// cleanText removes non-speech markers and collapses whitespace.
func cleanText(s string) string {
	for _, m := range nonSpeechMarkers {
		s = strings.ReplaceAll(s, m, "")
	}
	return strings.Join(strings.Fields(s), " ")
}

// assemble joins the speech segments into a transcript. Confidence is the
// mean probability of the kept segments that reported one.
func assemble(segs []segment, lang string, dur time.Duration) stt.Transcript {
	var (
		parts   []string
		sum     float64
		weighed int
	)
	for _, s := range segs {
		if s.noSpeech > noSpeechThreshold {
			continue
		}
		text := cleanText(s.text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		if s.prob > 0 {
			sum += s.prob
			weighed++
		}
	}
	t := stt.Transcript{Text: strings.Join(parts, " "), Language: lang, Duration: dur}
	if weighed > 0 {
		t.Confidence = sum / float64(weighed)
	}
	return t
}
