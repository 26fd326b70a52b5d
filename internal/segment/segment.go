// Package segment splits an incrementally produced text stream into
// speakable sentence units.
//
// A [Segmenter] accumulates text as it arrives (token by token from a
// language model, or all at once for verbatim page reads) and emits a
// [Unit] as soon as a sentence boundary is certain. Boundaries are paragraph
// breaks and sentence-final punctuation followed by whitespace and an
// uppercase letter or quotation mark. Common abbreviations, initialisms and
// decimal points never end a sentence.
//
// Units that would be shorter than the minimum length are held back and
// merged with the following text so that synthesis never receives a tiny
// fragment. A tail that grows past the maximum length without a boundary is
// split at its last clause separator to bound latency.
//
// A Segmenter belongs to exactly one pipeline run and is not safe for
// concurrent use.
package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMinLength is the shortest unit, in characters, emitted on its own.
	DefaultMinLength = 20

	// DefaultMaxLength is the longest unflushed tail, in characters, kept
	// before a forced split.
	DefaultMaxLength = 500
)

// abbreviations never end a sentence when followed by a period.
var abbreviations = map[string]struct{}{
	"Mr": {}, "Mrs": {}, "Ms": {}, "Dr": {}, "Prof": {}, "Sr": {}, "Jr": {},
	"St": {}, "Ave": {}, "Blvd": {}, "Dept": {}, "Est": {}, "Fig": {},
	"Gen": {}, "Gov": {}, "Sgt": {}, "Corp": {}, "Inc": {}, "Ltd": {},
	"Co": {}, "vs": {}, "etc": {}, "approx": {}, "dept": {}, "est": {},
	"min": {}, "max": {}, "misc": {}, "tech": {},
}

// Unit is one speakable span of text. Index increases by one for every unit
// emitted by the same Segmenter.
type Unit struct {
	Index int
	Text  string
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithMinLength overrides [DefaultMinLength]. Zero disables merging.
func WithMinLength(n int) Option {
	return func(s *Segmenter) {
		if n >= 0 {
			s.minLen = n
		}
	}
}

// WithMaxLength overrides [DefaultMaxLength]. Values below 1 are ignored.
func WithMaxLength(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// Segmenter is the running accumulator for one run.
type Segmenter struct {
	minLen int
	maxLen int

	tail string
	// from is where the next boundary search starts. Text before it already
	// contains boundaries whose units were too short to emit on their own.
	from int
	next int
}

// New returns an empty Segmenter.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		minLen: DefaultMinLength,
		maxLen: DefaultMaxLength,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add appends text to the accumulator and returns every unit that became
// complete, in order. The returned slice is nil when nothing is ready yet.
func (s *Segmenter) Add(text string) []Unit {
	s.tail += text

	var out []Unit
	for {
		cut, rest, ok := s.boundary()
		if !ok {
			break
		}
		unit := strings.TrimSpace(s.tail[:cut])
		if unit != "" && utf8.RuneCountInString(unit) < s.minLen {
			s.from = rest
			continue
		}
		s.tail = s.tail[rest:]
		s.from = 0
		if unit != "" {
			out = append(out, s.emit(unit))
		}
	}

	for utf8.RuneCountInString(s.tail) > s.maxLen {
		cut := s.forcedCut()
		unit := strings.TrimSpace(s.tail[:cut])
		s.tail = s.tail[cut:]
		s.from = 0
		if unit != "" {
			out = append(out, s.emit(unit))
		}
	}
	return out
}

// Flush emits whatever text remains, regardless of its length. It reports
// false when the remaining tail is empty or whitespace only.
func (s *Segmenter) Flush() (Unit, bool) {
	unit := strings.TrimSpace(s.tail)
	s.tail = ""
	s.from = 0
	if unit == "" {
		return Unit{}, false
	}
	return s.emit(unit), true
}

// Reset discards all buffered text and restarts indexing at zero.
func (s *Segmenter) Reset() {
	s.tail = ""
	s.from = 0
	s.next = 0
}

// Pending returns the buffered text that has not been emitted yet.
func (s *Segmenter) Pending() string { return s.tail }

func (s *Segmenter) emit(text string) Unit {
	u := Unit{Index: s.next, Text: text}
	s.next++
	return u
}

// boundary finds the leftmost accepted boundary at or after s.from. cut is
// the end of the unit text and rest is where the remaining tail begins.
func (s *Segmenter) boundary() (cut, rest int, ok bool) {
	t := s.tail
	for i := s.from; i < len(t); i++ {
		switch t[i] {
		case '\n':
			if i+1 < len(t) && t[i+1] == '\n' {
				return i, i + 2, true
			}
		case '.', '!', '?':
			if t[i] == '.' && isDecimalPoint(t, i) {
				continue
			}
			end := skipClosers(t, i+1)
			ws := skipSpace(t, end)
			if ws == end || ws == len(t) {
				// No whitespace yet, or the next word has not arrived.
				continue
			}
			r, _ := utf8.DecodeRuneInString(t[ws:])
			if !unicode.IsUpper(r) && !isQuote(r) {
				continue
			}
			if t[i] == '.' && suppressed(t[:i]) {
				continue
			}
			return end, ws, true
		}
	}
	return 0, 0, false
}

// forcedCut picks a split point for a tail that exceeded the maximum length:
// just after the last clause separator, else the last space before the limit,
// else the limit itself.
func (s *Segmenter) forcedCut() int {
	t := s.tail
	for i := len(t) - 2; i > 0; i-- {
		switch t[i] {
		case ',', ';', ':':
			if isSpaceByte(t[i+1]) {
				return i + 1
			}
		}
	}

	limit := byteOffset(t, s.maxLen)
	if sp := strings.LastIndexFunc(t[:limit], unicode.IsSpace); sp > 0 {
		return sp
	}
	return limit
}

// suppressed reports whether the word ending at the end of before is an
// abbreviation or a single initial.
func suppressed(before string) bool {
	start := len(before)
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(before[:start])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		start -= size
	}
	word := before[start:]
	if word == "" {
		return false
	}
	if _, ok := abbreviations[word]; ok {
		return true
	}
	r, size := utf8.DecodeRuneInString(word)
	return size == len(word) && unicode.IsUpper(r)
}

func isDecimalPoint(t string, i int) bool {
	return i > 0 && i+1 < len(t) && isDigit(t[i-1]) && isDigit(t[i+1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isQuote(r rune) bool {
	switch r {
	case '"', '\'', '“', '”', '‘', '’':
		return true
	}
	return false
}

// skipClosers advances past closing quotes and brackets that belong to the
// sentence just ended, e.g. the quote in `"Stop."`.
func skipClosers(t string, i int) int {
	for i < len(t) {
		r, size := utf8.DecodeRuneInString(t[i:])
		if r != ')' && !isQuote(r) {
			break
		}
		i += size
	}
	return i
}

func skipSpace(t string, i int) int {
	for i < len(t) {
		r, size := utf8.DecodeRuneInString(t[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

// byteOffset returns the byte index of the n-th rune of t, or len(t).
func byteOffset(t string, n int) int {
	for i := range t {
		if n == 0 {
			return i
		}
		n--
	}
	return len(t)
}
