package chat

import (
	"strings"
	"testing"

	"github.com/lumenchat/lumen/internal/llm"
)

func TestTruncateTitle(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"short title", "short title"},
		{"  padded  ", "padded"},
		{"first line\nsecond line", "first line"},
		{strings.Repeat("x", 150), strings.Repeat("x", 97) + "..."},
	}
	for _, tc := range cases {
		if got := TruncateTitle(tc.input); got != tc.want {
			t.Errorf("TruncateTitle(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	original := llm.Message{
		Role: llm.RoleAssistant,
		Parts: []llm.Part{
			{Type: llm.PartText, Text: "checking"},
			{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: "lookup"}},
		},
	}

	msg := NewMessage("chat-1", original)
	if msg.ID == "" {
		t.Error("expected a generated id")
	}
	if msg.Sequence != -1 {
		t.Errorf("expected sequence sentinel -1, got %d", msg.Sequence)
	}
	if msg.Content != "checking" {
		t.Errorf("extracted content = %q", msg.Content)
	}

	back := msg.ToLLMMessage()
	if back.Role != original.Role || len(back.Parts) != len(original.Parts) {
		t.Errorf("round trip lost structure: %+v", back)
	}
	if back.Parts[1].ToolCall == nil || back.Parts[1].ToolCall.Name != "lookup" {
		t.Errorf("tool call part lost: %+v", back.Parts[1])
	}
}

func TestExtractContentJoinsTextParts(t *testing.T) {
	msg := Message{Parts: []llm.Part{
		{Type: llm.PartText, Text: "one"},
		{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "c", Name: "t"}},
		{Type: llm.PartText, Text: "two"},
	}}
	if got := msg.ExtractContent(); got != "one\ntwo" {
		t.Errorf("got %q, want %q", got, "one\ntwo")
	}
}
