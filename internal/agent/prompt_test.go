package agent

import (
	"testing"

	"github.com/user/agentgate/internal/types"
)

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt([]types.Message{
		{Role: "user", Content: "What is 2+2?"},
		{Role: "assistant", Content: "4"},
		{Role: "user", Content: " And 3+3? "},
	}, "Be terse.")

	want := "System: Be terse.\n\nUser: What is 2+2?\n\nAssistant: 4\n\nUser: And 3+3?\n\nAssistant:"
	if got != want {
		t.Errorf("BuildPrompt =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildPromptWithoutSystem(t *testing.T) {
	got := BuildPrompt([]types.Message{{Role: "", Content: "hi"}}, "  ")
	if got != "User: hi\n\nAssistant:" {
		t.Errorf("BuildPrompt = %q", got)
	}
}
