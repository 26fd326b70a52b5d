package retrieval

import (
	"testing"

	"github.com/MrWong99/lectern/pkg/memory"
)

func TestFormatContext(t *testing.T) {
	t.Parallel()

	units := []RetrievedUnit{
		{Kind: KindPage, Label: "manual.txt, page 2", Text: "Page two."},
		{Kind: KindChunk, Label: "notes.md", Text: "A chunk."},
		{Kind: KindConversation, Label: "conversation", Text: "User: hi\nAssistant: hello"},
	}
	want := "Document context:\n" +
		"[Source: manual.txt, page 2]\nPage two.\n---\n[Source: notes.md]\nA chunk.\n\n" +
		"Previous conversations:\nUser: hi\nAssistant: hello"
	if got := FormatContext(units); got != want {
		t.Errorf("FormatContext:\n got %q\nwant %q", got, want)
	}

	if got := FormatContext(nil); got != "" {
		t.Errorf("FormatContext(nil) = %q, want empty", got)
	}
	convOnly := FormatContext(units[2:])
	if convOnly != "Previous conversations:\nUser: hi\nAssistant: hello" {
		t.Errorf("conversation only = %q", convOnly)
	}
}

func TestSources(t *testing.T) {
	t.Parallel()

	units := []RetrievedUnit{
		{Kind: KindChunk, DocID: "d1", Filename: "a.txt", Page: 1},
		{Kind: KindChunk, DocID: "d1", Filename: "a.txt", Page: 1},
		{Kind: KindChunk, DocID: "d1", Filename: "a.txt", Page: 2},
		{Kind: KindChunk, DocID: "d2", Filename: "b.md", Page: memory.NoPage},
		{Kind: KindConversation},
	}
	got := Sources(units)
	if len(got) != 3 {
		t.Fatalf("got %d sources, want 3: %+v", len(got), got)
	}
	if got[0].Page == nil || *got[0].Page != 1 || got[1].Page == nil || *got[1].Page != 2 {
		t.Errorf("page numbers = %v, %v", got[0].Page, got[1].Page)
	}
	if got[2].DocID != "d2" || got[2].Page != nil {
		t.Errorf("unpaged source = %+v, want nil page", got[2])
	}

	if s := Sources(nil); s == nil || len(s) != 0 {
		t.Errorf("Sources(nil) = %#v, want empty non-nil slice", s)
	}

	ps := PageSource(&PageRef{DocID: "d1", Filename: "a.txt", Page: 4})
	if ps.Page == nil || *ps.Page != 4 {
		t.Errorf("PageSource page = %v, want 4", ps.Page)
	}
}
