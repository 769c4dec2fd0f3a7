// Package chatstore implements the Chat Store (spec §4.C): chat
// metadata in the shared Store, one JSON transcript file per chat on
// local disk, and a compensating delete if the dual write fails
// partway through.
package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fathomhq/finchat/internal/idgen"
	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/sanitize"
	"github.com/fathomhq/finchat/internal/store"
	"github.com/fathomhq/finchat/internal/validate"
)

// ErrNotFound mirrors store.ErrNotFound for callers that only import
// chatstore.
var ErrNotFound = store.ErrNotFound

const previewLen = 100

// ChatStore persists Chat metadata plus its transcript file.
type ChatStore struct {
	db       store.Store
	chatsDir string

	// writeMu serializes append/update operations per chat id, grounded
	// on the teacher's notifMutex(agentID) sync.Map pattern
	// (internal/hub/service/agent_output.go).
	writeMu sync.Map // chat id -> *sync.Mutex
}

// New creates a ChatStore backed by db, with transcript files under
// chatsDir.
func New(db store.Store, chatsDir string) *ChatStore {
	return &ChatStore{db: db, chatsDir: chatsDir}
}

func (cs *ChatStore) lock(id string) func() {
	v, _ := cs.writeMu.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (cs *ChatStore) transcriptPath(id string) string {
	return filepath.Join(cs.chatsDir, id+".json")
}

func derivedTitle(id string, initial *model.ChatMessage) string {
	if initial != nil && initial.Content != "" {
		title := initial.Content
		if len(title) > 50 {
			return title[:50] + "..."
		}
		return title
	}
	if len(id) >= 8 {
		return "Chat " + id[:8]
	}
	return "Chat " + id
}

func preview(content string) string {
	if len(content) > previewLen {
		return content[:previewLen]
	}
	return content
}

// Create allocates a chat id, writes the transcript file, then writes
// the metadata record. If the metadata write fails, the transcript
// file is deleted (spec §4.C "compensating delete").
func (cs *ChatStore) Create(ctx context.Context, title string, initial *model.ChatMessage) (*model.Chat, error) {
	id := idgen.NewID()
	now := time.Now().UTC()

	if title == "" {
		title = derivedTitle(id, initial)
	}
	title = sanitize.Title(title, 200)
	if err := validate.ChatTitle(title); err != nil {
		return nil, err
	}

	var messages []model.ChatMessage
	if initial != nil {
		msg := *initial
		if msg.ID == "" {
			msg.ID = idgen.NewID()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		msg.Content = sanitize.Text(msg.Content)
		messages = append(messages, msg)
	}

	transcript := model.Transcript{
		ChatID:    id,
		Title:     title,
		CreatedAt: now,
		Messages:  messages,
		Settings:  map[string]any{},
	}
	path := cs.transcriptPath(id)
	if err := writeTranscript(path, &transcript); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}

	chatPreview := ""
	agentsUsed := []string{}
	if len(messages) > 0 {
		chatPreview = preview(messages[0].Content)
	}

	chat := &model.Chat{
		ID:                 id,
		Title:              title,
		CreatedAt:          now,
		UpdatedAt:          now,
		MessageCount:       len(messages),
		LastMessagePreview: chatPreview,
		AgentsUsed:         agentsUsed,
		JSONPath:           path,
	}
	if err := cs.db.CreateChat(ctx, chat); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write chat metadata: %w", err)
	}
	return chat, nil
}

// GetMetadata returns the metadata record for id.
func (cs *ChatStore) GetMetadata(ctx context.Context, id string) (*model.Chat, error) {
	return cs.db.GetChat(ctx, id)
}

// GetContent returns the metadata record and the parsed transcript for
// id. Returns ErrNotFound if either the record or the file is missing
// (spec §4.C).
func (cs *ChatStore) GetContent(ctx context.Context, id string) (*model.Chat, *model.Transcript, error) {
	chat, err := cs.db.GetChat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	t, err := readTranscript(chat.JSONPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return chat, t, nil
}

// AppendMessage loads the transcript, stamps id/timestamp if absent,
// appends the message, recomputes message_count/last_message_preview/
// agents_used, rewrites the transcript file, then updates metadata
// (spec §4.C). Writes are serialized per chat id.
func (cs *ChatStore) AppendMessage(ctx context.Context, id string, msg model.ChatMessage) error {
	unlock := cs.lock(id)
	defer unlock()

	chat, err := cs.db.GetChat(ctx, id)
	if err != nil {
		return err
	}
	t, err := readTranscript(chat.JSONPath)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = idgen.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Content = sanitize.Text(msg.Content)
	t.Messages = append(t.Messages, msg)

	agentsSeen := make(map[string]struct{})
	var agentsUsed []string
	for _, m := range t.Messages {
		if m.Metadata == nil {
			continue
		}
		for _, a := range m.Metadata.AgentsUsed {
			if _, ok := agentsSeen[a]; !ok {
				agentsSeen[a] = struct{}{}
				agentsUsed = append(agentsUsed, a)
			}
		}
	}

	// Transcript file before metadata, so a metadata read never sees a
	// message_count ahead of what's on disk (spec §4.C invariant).
	if err := writeTranscript(chat.JSONPath, t); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	count := len(t.Messages)
	lastPreview := preview(t.Messages[count-1].Content)
	return cs.db.UpdateChat(ctx, id, store.ChatUpdate{
		MessageCount:       &count,
		LastMessagePreview: &lastPreview,
		AgentsUsed:         agentsUsed,
	})
}

// List returns chats sorted by UpdatedAt descending.
func (cs *ChatStore) List(ctx context.Context, skip, limit int) ([]*model.Chat, error) {
	chats, err := cs.db.ListChats(ctx, skip, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})
	return chats, nil
}

// Count returns the total number of chats.
func (cs *ChatStore) Count(ctx context.Context) (int, error) {
	return cs.db.CountChats(ctx)
}

// UpdateMetadata applies updates (currently just Title) to a chat
// record.
func (cs *ChatStore) UpdateMetadata(ctx context.Context, id string, title string) (*model.Chat, error) {
	title = sanitize.Title(title, 200)
	if err := validate.ChatTitle(title); err != nil {
		return nil, err
	}
	if err := cs.db.UpdateChat(ctx, id, store.ChatUpdate{Title: &title}); err != nil {
		return nil, err
	}
	return cs.db.GetChat(ctx, id)
}

// Delete removes both the transcript file and the metadata record.
func (cs *ChatStore) Delete(ctx context.Context, id string) error {
	chat, err := cs.db.GetChat(ctx, id)
	if err != nil {
		return err
	}
	if err := cs.db.DeleteChat(ctx, id); err != nil {
		return err
	}
	_ = os.Remove(chat.JSONPath)
	return nil
}

func writeTranscript(path string, t *model.Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readTranscript(path string) (*model.Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t model.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
