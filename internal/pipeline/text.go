package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// DefaultSystemPrompt instructs the model to answer the way a spoken
// assistant should.
const DefaultSystemPrompt = `You are a friendly voice assistant. Everything you say is read aloud.

Rules:
- Talk about whatever the user brings up and keep the conversation going with a follow-up question when it fits.
- If the transcript is garbled, answer your best guess of what was meant instead of asking to repeat.
- Answer in plain spoken sentences. Never use markdown, lists, code blocks or emojis.
- Keep answers short: one to three sentences.
- When you use the provided document text, mention where it came from naturally, for example "on page three".`

// contextTemplate wraps the user question when retrieval found context.
const contextTemplate = "Use the following document text to answer my question.\n\nDocument text:\n---\n%s\n---\n\nMy question: %s"

// buildMessages assembles the conversation sent to the model: the session
// history followed by the current question, wrapped with the retrieved
// context when there is any.
func buildMessages(history []llm.Message, context, query string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	content := query
	if context != "" {
		content = fmt.Sprintf(contextTemplate, context, query)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: content})
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

var thinkRE = regexp.MustCompile(`(?s)<think>.*?(?:</think>|$)`)

// StripThink removes reasoning blocks from a complete reply. An unterminated
// block runs to the end of the text.
func StripThink(s string) string {
	return strings.TrimSpace(thinkRE.ReplaceAllString(s, ""))
}

// thinkFilter removes reasoning blocks from a token stream. Tags split across
// tokens are held back until they can be recognised.
type thinkFilter struct {
	buf    string
	inside bool
}

// feed consumes the next token and returns the visible text it released.
func (f *thinkFilter) feed(s string) string {
	f.buf += s
	var out strings.Builder
	for {
		if f.inside {
			i := strings.Index(f.buf, thinkClose)
			if i < 0 {
				f.buf = f.buf[len(f.buf)-partialSuffix(f.buf, thinkClose):]
				return out.String()
			}
			f.buf = f.buf[i+len(thinkClose):]
			f.inside = false
			continue
		}
		i := strings.Index(f.buf, thinkOpen)
		if i < 0 {
			keep := partialSuffix(f.buf, thinkOpen)
			out.WriteString(f.buf[:len(f.buf)-keep])
			f.buf = f.buf[len(f.buf)-keep:]
			return out.String()
		}
		out.WriteString(f.buf[:i])
		f.buf = f.buf[i+len(thinkOpen):]
		f.inside = true
	}
}

// flush returns text held back at the end of the stream.
func (f *thinkFilter) flush() string {
	if f.inside {
		f.buf = ""
		return ""
	}
	s := f.buf
	f.buf = ""
	return s
}

// partialSuffix returns the length of the longest proper prefix of tag that
// s ends with.
func partialSuffix(s, tag string) int {
	for n := min(len(tag)-1, len(s)); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

var (
	emotionTagRE = regexp.MustCompile(`(?i)\[(laugh|chuckle|cough|sigh|gasp|sniff|groan|shush|clear throat|pause)\]`)
	urlRE        = regexp.MustCompile(`https?://\S+`)
	emojiRE      = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{1F900}-\x{1F9FF}\x{1FA00}-\x{1FAFF}\x{2600}-\x{26FF}\x{FE00}-\x{FE0F}\x{200D}]+`)
	boldRE       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRE     = regexp.MustCompile(`\*(.+?)\*`)
	underlineRE  = regexp.MustCompile(`\b_(.+?)_\b`)
	codeRE       = regexp.MustCompile("`(.+?)`")
	headerRE     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRE     = regexp.MustCompile(`(?m)^[ \t]*[-*+]\s+`)
	numberedRE   = regexp.MustCompile(`(?m)^[ \t]*\d+\.\s+`)
	spacesRE     = regexp.MustCompile(`[ \t]+`)
	newlinesRE   = regexp.MustCompile(`\n{2,}`)
)

// CleanForSpeech prepares a sentence unit for synthesis. Markup that would
// be read out literally is removed and markdown keeps only its inner text.
func CleanForSpeech(s string) string {
	s = thinkRE.ReplaceAllString(s, "")
	s = emotionTagRE.ReplaceAllString(s, "")
	s = urlRE.ReplaceAllString(s, "")
	s = emojiRE.ReplaceAllString(s, "")
	s = boldRE.ReplaceAllString(s, "$1")
	s = italicRE.ReplaceAllString(s, "$1")
	s = underlineRE.ReplaceAllString(s, "$1")
	s = codeRE.ReplaceAllString(s, "$1")
	s = headerRE.ReplaceAllString(s, "")
	s = bulletRE.ReplaceAllString(s, "")
	s = numberedRE.ReplaceAllString(s, "")
	s = spacesRE.ReplaceAllString(s, " ")
	s = newlinesRE.ReplaceAllString(s, ". ")
	return strings.TrimSpace(s)
}
