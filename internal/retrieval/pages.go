package retrieval

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	// phoneticThreshold is the Jaro-Winkler score a hint must reach against a
	// filename that sounds alike (shared Double Metaphone code).
	phoneticThreshold = 0.70

	// fuzzyThreshold is the score required without a phonetic overlap.
	fuzzyThreshold = 0.85
)

// pageRequestRE recognises verbatim read requests. The first three groups hold
// the page number of whichever phrasing matched; the fourth is the optional
// document hint.
var pageRequestRE = regexp.MustCompile(`(?i)(?:` +
	`(?:read|show|get|give|tell)(?:\s+me)?(?:\s+about)?\s+page\s+(?:number\s+)?(\d+)` +
	`|what(?:\s+is|.s)\s+on\s+page\s+(?:number\s+)?(\d+)` +
	`|page\s+(?:number\s+)?(\d+).*?(?:read|show|get|content|text|what)` +
	`)(?:\s+(?:of|from|in)\s+(.+))?`)

// PageRequest is a parsed "read page N" query.
type PageRequest struct {
	Page int

	// Hint names the document, as spoken. Empty when the query gave none.
	Hint string
}

// ParsePageRequest reports whether query asks for a page to be read verbatim.
func ParsePageRequest(query string) (PageRequest, bool) {
	m := pageRequestRE.FindStringSubmatch(query)
	if m == nil {
		return PageRequest{}, false
	}
	var num string
	for _, g := range m[1:4] {
		if g != "" {
			num = g
			break
		}
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return PageRequest{}, false
	}
	return PageRequest{Page: n, Hint: strings.TrimSpace(m[4])}, true
}

// matchHint finds the documents a spoken hint refers to. It returns the best
// candidate and how many documents tied for best; n == 0 means no match.
//
// Matching runs in two stages. A case-insensitive substring match against the
// filename wins outright. Otherwise every filename is scored with
// Jaro-Winkler, accepting a lower score when hint and filename share a Double
// Metaphone code, since hints arrive through speech recognition.
func matchHint(docs []DocumentInfo, hint string) (DocumentInfo, int) {
	h := normalizeName(hint)
	if h == "" {
		return DocumentInfo{}, 0
	}

	var sub []DocumentInfo
	for _, d := range docs {
		name := normalizeName(d.Filename)
		if name == h {
			return d, 1
		}
		if strings.Contains(name, h) || strings.Contains(strings.ToLower(d.Filename), strings.ToLower(hint)) {
			sub = append(sub, d)
		}
	}
	if len(sub) > 0 {
		return sub[0], len(sub)
	}

	hTokens := strings.Fields(h)
	hCodes := codesForTokens(hTokens)

	var (
		best      DocumentInfo
		bestScore float64
		ties      int
	)
	for _, d := range docs {
		name := normalizeName(d.Filename)
		tokens := strings.Fields(name)
		score := bestJWScore(hTokens, tokens, h, name)

		threshold := fuzzyThreshold
		if codesOverlap(hCodes, codesForTokens(tokens)) {
			threshold = phoneticThreshold
		}
		if score < threshold {
			continue
		}
		switch {
		case score > bestScore:
			best, bestScore, ties = d, score, 1
		case score == bestScore:
			ties++
		}
	}
	return best, ties
}

// fillerWords are dropped from hints and filenames before comparison.
var fillerWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "my": {}, "this": {}, "that": {},
	"document": {}, "file": {}, "doc": {},
}

// normalizeName lowercases s, drops a file extension and filler words, and
// turns separators into single spaces: "The_User-Manual.md" becomes
// "user manual".
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if ext := filepath.Ext(s); ext != "" && len(ext) <= 5 && !strings.ContainsRune(ext, ' ') {
		s = strings.TrimSuffix(s, ext)
	}
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	kept := words[:0]
	for _, w := range words {
		if _, ok := fillerWords[w]; !ok {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity of the full strings, the
// space-stripped strings, and any single pair of tokens.
func bestJWScore(inputTokens, nameTokens []string, input, name string) float64 {
	score := matchr.JaroWinkler(input, name, false)

	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	for _, it := range inputTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(it, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
