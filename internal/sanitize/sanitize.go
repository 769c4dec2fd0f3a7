// Package sanitize cleans text before it is persisted to a chat
// transcript or relayed to a browser over SSE.
package sanitize

import (
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// Title strips control characters from a chat/job title and limits
// its length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func textPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

// Text strips any HTML/script markup from agent-produced text before
// it is written into a transcript or forwarded to an SSE client. Agent
// output is untrusted content from an external subprocess (spec §4.D).
func Text(s string) string {
	return textPolicy().Sanitize(s)
}
