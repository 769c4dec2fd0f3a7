package runner

import (
	"fmt"
	"os"
	"strings"

	"github.com/fathomhq/finchat/internal/model"
)

const (
	historyWindow  = 10
	truncateLength = 500
)

// AssemblePrompt builds the prompt sent to the agent child process:
// router instructions (optional) + the last historyWindow messages of
// chat history, each truncated to truncateLength chars + the current
// query (spec §4.D "Prompt assembly").
func AssemblePrompt(routerInstructionsPath string, history []model.ChatMessage, query string) string {
	var b strings.Builder

	if routerInstructionsPath != "" {
		if data, err := os.ReadFile(routerInstructionsPath); err == nil {
			b.Write(data)
			b.WriteString("\n\n")
		}
	}

	if len(history) > 0 {
		start := 0
		if len(history) > historyWindow {
			start = len(history) - historyWindow
		}
		b.WriteString("## Conversation History\n\n")
		for _, msg := range history[start:] {
			label := "User"
			if msg.Role == model.RoleSystem {
				label = "Assistant"
			}
			content := msg.Content
			if len(content) > truncateLength {
				content = content[:truncateLength]
			}
			fmt.Fprintf(&b, "**%s**: %s\n\n", label, content)
		}
	}

	fmt.Fprintf(&b, "Current Query:\n%s\n\nReturn the delegated agent's response to the user.", query)
	return b.String()
}
