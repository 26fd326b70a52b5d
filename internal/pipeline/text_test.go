package pipeline

import (
	"strings"
	"testing"

	"github.com/MrWong99/lectern/pkg/provider/llm"
)

func TestThinkFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{name: "no tags", tokens: []string{"Hello ", "world."}, want: "Hello world."},
		{name: "whole block", tokens: []string{"<think>plan</think>Answer."}, want: "Answer."},
		{name: "tags split across tokens", tokens: []string{"<th", "ink>pl", "an</thi", "nk>Ans", "wer."}, want: "Answer."},
		{name: "text around block", tokens: []string{"A <think>x</think>", "B"}, want: "A B"},
		{name: "unterminated block", tokens: []string{"Start. <think>never closed"}, want: "Start. "},
		{name: "lone angle bracket", tokens: []string{"1 <", " 2"}, want: "1 < 2"},
		{name: "trailing partial tag", tokens: []string{"done <thi"}, want: "done <thi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var f thinkFilter
			var got strings.Builder
			for _, tok := range tt.tokens {
				got.WriteString(f.feed(tok))
			}
			got.WriteString(f.flush())
			if got.String() != tt.want {
				t.Errorf("filtered = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestStripThink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"<think>\nreasoning\n</think>\n\nThe answer.", "The answer."},
		{"Before <think>a</think> after <think>b</think>", "Before  after"},
		{"Open <think>no end", "Open"},
		{"Plain.", "Plain."},
	}
	for _, tt := range tests {
		if got := StripThink(tt.in); got != tt.want {
			t.Errorf("StripThink(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanForSpeech(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, in, want string
	}{
		{name: "bold and italic", in: "This is **very** *important*.", want: "This is very important."},
		{name: "inline code", in: "Run `make build` first.", want: "Run make build first."},
		{name: "underscore emphasis", in: "An _emphasised_ word.", want: "An emphasised word."},
		{name: "header", in: "## Setup\nPlug it in.", want: "Setup\nPlug it in."},
		{name: "bullets", in: "- first\n- second", want: "first\nsecond"},
		{name: "numbered", in: "1. first\n2. second", want: "first\nsecond"},
		{name: "url", in: "See https://example.com/docs for more.", want: "See for more."},
		{name: "emoji", in: "Great job 🎉!", want: "Great job !"},
		{name: "emotion tag", in: "[laugh] That is funny.", want: "That is funny."},
		{name: "think block", in: "<think>hidden</think>Visible.", want: "Visible."},
		{name: "paragraphs", in: "One\n\nTwo", want: "One. Two"},
		{name: "only markup", in: "**  **", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CleanForSpeech(tt.in); got != tt.want {
				t.Errorf("CleanForSpeech(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	}

	msgs := buildMessages(history, "", "how are you")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if last := msgs[2]; last.Role != llm.RoleUser || last.Content != "how are you" {
		t.Errorf("last message = %+v", last)
	}

	msgs = buildMessages(nil, "[manual.txt, page 2]\nPress the red button.", "what do I press")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	content := msgs[0].Content
	if !strings.Contains(content, "Press the red button.") || !strings.HasSuffix(content, "My question: what do I press") {
		t.Errorf("content = %q", content)
	}
	if len(history) != 2 {
		t.Error("buildMessages modified the history slice")
	}
}

func TestStage_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageIdle, StageListening, true},
		{StageIdle, StageRetrieving, true},
		{StageIdle, StageSpeaking, false},
		{StageListening, StageTranscribing, true},
		{StageListening, StageGenerating, false},
		{StageTranscribing, StageRetrieving, true},
		{StageTranscribing, StageListening, true},
		{StageRetrieving, StageSpeaking, true},
		{StageRetrieving, StageGenerating, true},
		{StageGenerating, StageSpeaking, true},
		{StageGenerating, StageRetrieving, false},
		{StageSpeaking, StageIdle, true},
		{StageSpeaking, StageListening, true},
		{StageSpeaking, StageGenerating, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%v -> %v: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStage_String(t *testing.T) {
	t.Parallel()
	if got := StageGenerating.String(); got != "generating" {
		t.Errorf("got %q, want %q", got, "generating")
	}
	if got := Stage(42).String(); got != "unknown" {
		t.Errorf("got %q, want %q", got, "unknown")
	}
	b, _ := StageSpeaking.MarshalText()
	if string(b) != "speaking" {
		t.Errorf("MarshalText = %q", b)
	}
}
