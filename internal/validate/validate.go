// Package validate holds input validation shared by the HTTP gateway.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var titlePattern = regexp.MustCompile(`^[\PC]+$`)

// ChatTitle validates a user-supplied chat title: trimmed non-empty,
// at most 200 characters, no control characters.
func ChatTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return fmt.Errorf("title must not be empty")
	}
	if len(trimmed) > 200 {
		return fmt.Errorf("title must be at most 200 characters")
	}
	if !titlePattern.MatchString(trimmed) {
		return fmt.Errorf("title must not contain control characters")
	}
	return nil
}

// Query validates the text of a job submission.
func Query(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query must not be empty")
	}
	return nil
}
