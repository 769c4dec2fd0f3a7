// Package model defines the data types shared across the job pipeline:
// jobs, events, chats, and chat messages.
package model

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a Job. Transitions are monotonic:
// Queued -> Processing -> (Completed | Failed). Once terminal, a Job is
// never mutated again.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Job is a single query execution unit (spec §3).
type Job struct {
	ID        string          `json:"id"`
	Query     string          `json:"query"`
	ChatID    string          `json:"chat_id,omitempty"`
	State     JobState        `json:"state"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventType identifies the kind of record carried by an Event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventAgentSwitch EventType = "agent_switch"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventMetricFound EventType = "metric_found"
	EventAQLQuery   EventType = "aql_query"
	EventStepStart  EventType = "step_start"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
	EventConnected  EventType = "connected"
)

// Terminal reports whether events of this type end a subscription
// (spec §4.A: subscribe terminates after complete or error).
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is a tagged, immutable record published to the event bus
// (spec §3). Extra carries type-specific fields not promoted to a
// named field, so unrecognized producers still round-trip through the
// SSE layer (spec §9 "dynamic event records").
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	Timestamp int64          `json:"timestamp"` // nanoseconds since epoch, publisher's clock
	Extra     map[string]any `json:"-"`
}

// eventAlias avoids infinite recursion through Event's own
// MarshalJSON/UnmarshalJSON.
type eventAlias Event

// MarshalJSON flattens Extra's keys alongside the named fields so
// unrecognized producer fields round-trip through the SSE layer
// unmodified (spec §9 "dynamic event records").
func (e Event) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(eventAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		merged[k] = v
	}
	var named map[string]any
	if err := json.Unmarshal(base, &named); err != nil {
		return nil, err
	}
	for k, v := range named {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the named fields and keeps every other key in
// Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var alias eventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "type")
	delete(all, "job_id")
	delete(all, "timestamp")
	*e = Event(alias)
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// DedupKey is the (type, timestamp) pair spec §4.A / §9 uses to filter
// history/live overlap during replay. A per-job run_epoch is folded in
// (SPEC_FULL.md Open Question (a)) so a terminal event from a prior run
// of the same job id can never be mistaken for the current run's.
type DedupKey struct {
	Type      EventType
	Timestamp int64
	RunEpoch  uint64
}

// ToolCall is a single recorded tool invocation (spec §3 ChatMessage
// metadata, spec §4.D tool_use handling).
type ToolCall struct {
	Tool   string `json:"tool"`
	Server string `json:"server"` // "arangodb" or "mcp"
	Args   any    `json:"args,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

// MessageRole is the author of a ChatMessage.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleSystem MessageRole = "system"
)

// MessageMetadata is the optional metadata block attached to a
// ChatMessage (spec §3).
type MessageMetadata struct {
	AgentsUsed   []string       `json:"agents_used,omitempty"`
	ToolsCalled  []ToolCall     `json:"tools_called,omitempty"`
	EventHistory []Event        `json:"event_history,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
}

// ChatMessage is a single entry in a chat transcript. Appended only;
// never edited (spec §3).
type ChatMessage struct {
	ID        string           `json:"id"`
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// Chat is the durable metadata record for a conversation (spec §3).
// The transcript itself lives in a separate JSON file; see
// internal/chatstore.
type Chat struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	MessageCount      int       `json:"message_count"`
	LastMessagePreview string   `json:"last_message_preview"`
	AgentsUsed        []string  `json:"agents_used"`
	JSONPath          string    `json:"json_path"`
}

// Transcript is the on-disk JSON document for a chat (spec §4.C).
type Transcript struct {
	ChatID    string         `json:"chat_id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	Messages  []ChatMessage  `json:"messages"`
	Settings  map[string]any `json:"settings"`
}
