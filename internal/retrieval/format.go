package retrieval

import (
	"fmt"
	"strings"
)

// Source is a citation attached to a response.
type Source struct {
	DocID    string `json:"doc_id"`
	Filename string `json:"filename"`

	// Page is nil for documents without page structure.
	Page *int `json:"page_number"`
}

// FormatContext renders units as the context block of a generation prompt.
// Document units come first under "Document context:", conversation units
// under "Previous conversations:". It returns "" for no units.
func FormatContext(units []RetrievedUnit) string {
	var docs, convs []string
	for _, u := range units {
		if u.Kind == KindConversation {
			convs = append(convs, u.Text)
			continue
		}
		docs = append(docs, fmt.Sprintf("[Source: %s]\n%s", u.Label, u.Text))
	}

	var parts []string
	if len(docs) > 0 {
		parts = append(parts, "Document context:\n"+strings.Join(docs, "\n---\n"))
	}
	if len(convs) > 0 {
		parts = append(parts, "Previous conversations:\n"+strings.Join(convs, "\n---\n"))
	}
	return strings.Join(parts, "\n\n")
}

// Sources returns the document citations for units, one per (document,
// page), in order of first appearance.
func Sources(units []RetrievedUnit) []Source {
	type key struct {
		doc  string
		page int
	}
	seen := make(map[key]struct{})
	out := []Source{}
	for _, u := range units {
		if u.Kind == KindConversation {
			continue
		}
		k := key{u.DocID, u.Page}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		src := Source{DocID: u.DocID, Filename: u.Filename}
		if u.Page >= 0 {
			src.Page = &u.Page
		}
		out = append(out, src)
	}
	return out
}

// PageSource is the citation for a verbatim page read.
func PageSource(p *PageRef) Source {
	page := p.Page
	return Source{DocID: p.DocID, Filename: p.Filename, Page: &page}
}
