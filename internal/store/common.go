package store

import (
	"encoding/json"
	"fmt"

	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/timefmt"
)

// scanRow abstracts over *sql.Row.Scan and *sql.Rows.Scan so a single
// scanJob/scanChat implementation serves both single-row gets and
// multi-row listings, for either backend.
type scanRow func(dest ...any) error

func scanJob(scan scanRow) (*model.Job, error) {
	var (
		j                        model.Job
		chatID, errStr           *string
		resultRaw                []byte
		createdAtStr, updatedAtStr string
	)
	if err := scan(&j.ID, &j.Query, &chatID, &j.State, &resultRaw, &errStr, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	if chatID != nil {
		j.ChatID = *chatID
	}
	if errStr != nil {
		j.Error = *errStr
	}
	result, err := unmarshalResult(resultRaw)
	if err != nil {
		return nil, err
	}
	j.Result = result

	createdAt, err := timefmt.Parse(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := timefmt.Parse(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	j.CreatedAt = createdAt
	j.UpdatedAt = updatedAt
	return &j, nil
}

func scanChat(scan scanRow) (*model.Chat, error) {
	var (
		c                          model.Chat
		agentsRaw                  []byte
		createdAtStr, updatedAtStr string
	)
	if err := scan(&c.ID, &c.Title, &createdAtStr, &updatedAtStr, &c.MessageCount,
		&c.LastMessagePreview, &agentsRaw, &c.JSONPath); err != nil {
		return nil, err
	}
	createdAt, err := timefmt.Parse(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := timefmt.Parse(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	c.CreatedAt = createdAt
	c.UpdatedAt = updatedAt
	if len(agentsRaw) > 0 {
		if err := json.Unmarshal(agentsRaw, &c.AgentsUsed); err != nil {
			return nil, fmt.Errorf("unmarshal agents_used: %w", err)
		}
	}
	return &c, nil
}

func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return b, nil
}

func unmarshalResult(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return m, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func applyJobUpdate(j *model.Job, u JobUpdate) {
	if u.State != nil {
		j.State = *u.State
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	j.UpdatedAt = timefmt.FormatNow()
}

func applyChatUpdate(c *model.Chat, u ChatUpdate) {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.MessageCount != nil {
		c.MessageCount = *u.MessageCount
	}
	if u.LastMessagePreview != nil {
		c.LastMessagePreview = *u.LastMessagePreview
	}
	if u.AgentsUsed != nil {
		c.AgentsUsed = u.AgentsUsed
	}
	c.UpdatedAt = timefmt.FormatNow()
}
