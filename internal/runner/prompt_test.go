package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fathomhq/finchat/internal/model"
)

func TestAssemblePromptIncludesQueryWithNoHistory(t *testing.T) {
	prompt := AssemblePrompt("", nil, "revenue of TCS FY24?")
	assert.Contains(t, prompt, "revenue of TCS FY24?")
	assert.NotContains(t, prompt, "Conversation History")
}

func TestAssemblePromptWindowsToLastTenMessages(t *testing.T) {
	var history []model.ChatMessage
	for i := 0; i < 15; i++ {
		history = append(history, model.ChatMessage{
			Role:      model.RoleUser,
			Content:   "message",
			Timestamp: time.Now(),
		})
	}
	prompt := AssemblePrompt("", history, "q")
	assert.Equal(t, historyWindow, strings.Count(prompt, "**User**:"))
}

func TestAssemblePromptTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", 1000)
	history := []model.ChatMessage{{Role: model.RoleUser, Content: long}}
	prompt := AssemblePrompt("", history, "q")
	assert.Contains(t, prompt, strings.Repeat("x", truncateLength))
	assert.NotContains(t, prompt, strings.Repeat("x", truncateLength+1))
}

func TestAssemblePromptLabelsSystemMessagesAsAssistant(t *testing.T) {
	history := []model.ChatMessage{{Role: model.RoleSystem, Content: "the answer is 42"}}
	prompt := AssemblePrompt("", history, "q")
	assert.Contains(t, prompt, "**Assistant**: the answer is 42")
}
