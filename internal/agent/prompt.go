package agent

import (
	"strings"

	"github.com/user/agentgate/internal/types"
)

// BuildPrompt flattens a message list into the single text prompt the agent
// reads: the system prompt first, then each message prefixed with its role,
// then an open assistant turn.
func BuildPrompt(messages []types.Message, systemPrompt string) string {
	var parts []string
	if s := strings.TrimSpace(systemPrompt); s != "" {
		parts = append(parts, "System: "+s)
	}
	for _, m := range messages {
		parts = append(parts, roleLabel(m.Role)+": "+strings.TrimSpace(m.Content))
	}
	parts = append(parts, "Assistant:")
	return strings.Join(parts, "\n\n")
}

func roleLabel(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return "User"
	}
	return strings.ToUpper(role[:1]) + role[1:]
}
