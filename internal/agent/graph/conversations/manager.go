package conversations

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
	"github.com/nextseek-chat/server/internal/metadata/update"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// SystemPrompt opens every new conversation.
const SystemPrompt = "You are the NExtSEEK sample assistant. You answer questions about research samples, " +
	"their metadata, protocols and descendants using only the data retrieved from the metadata database, " +
	"and you update sample metadata from uploaded spreadsheets when asked. Never invent sample data."

var (
	ErrEmptyMessage = errors.New("new_message is empty")
	ErrUIDNotFirst  = errors.New("first column must be UID")
)

// TurnRunner executes the conversation graph on one state.
type TurnRunner interface {
	Run(ctx context.Context, state *model.ConversationState) (*model.ConversationState, error)
}

// Manager turns inbound deltas into conversation states and persists the
// result of each turn.
type Manager struct {
	store      model.SessionStore
	runner     TurnRunner
	maxHistory int
	now        func() time.Time
}

func NewManager(store model.SessionStore, runner TurnRunner, config model.ConversationConfig) *Manager {
	return &Manager{
		store:      store,
		runner:     runner,
		maxHistory: config.MaxHistory,
		now:        time.Now,
	}
}

// Begin loads or creates the session state, appends the user message and
// attaches any pending upload. The stored snapshot is not modified.
func (m *Manager) Begin(ctx context.Context, delta model.DeltaMessage) (*model.ConversationState, error) {
	text := strings.TrimSpace(delta.NewMessage)
	if text == "" {
		return nil, errx.BadRequest(ErrEmptyMessage, "new_message is required")
	}
	sessionID := strings.TrimSpace(delta.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	state, err := m.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		state = m.initialState(sessionID)
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	file, err := m.store.TakeFile(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("take upload for %s: %w", sessionID, err)
	}

	now := m.now()
	user := schema.UserMessage(text)
	user.Extra = map[string]any{model.MessageIDKey: model.NewMessageID(now)}

	next := *state
	next.SessionID = sessionID
	next.Messages = trimHistory(state.Messages, m.maxHistory).Append(user)
	next.Version = state.Version + 1
	next.Timestamp = turnTimestamp(delta.Timestamp, now)
	next.FileData = file

	logx.Debug().
		Str("session_id", sessionID).
		Int("version", next.Version).
		Int("messages", next.Messages.Len()).
		Bool("file_attached", file != nil).
		Msg("Turn started")
	return &next, nil
}

// Commit stores the final state of a turn. The upload is never carried
// into the next turn.
func (m *Manager) Commit(ctx context.Context, state *model.ConversationState) error {
	snapshot := *state
	snapshot.FileData = nil
	if err := m.store.Put(ctx, state.SessionID, &snapshot); err != nil {
		return fmt.Errorf("store session %s: %w", state.SessionID, err)
	}
	return nil
}

// Handle runs one full turn: Begin, the graph, Commit. The returned
// messages are those appended during the turn, user message included.
func (m *Manager) Handle(ctx context.Context, delta model.DeltaMessage) (*model.TurnResult, error) {
	start := m.now()
	state, err := m.Begin(ctx, delta)
	if err != nil {
		return nil, err
	}
	before := state.Messages.Len() - 1

	final, err := m.runner.Run(ctx, state)
	if err != nil {
		return nil, err
	}
	if err := m.Commit(ctx, final); err != nil {
		return nil, err
	}

	out := make([]model.OutputMessage, 0, final.Messages.Len()-before)
	for _, msg := range final.Messages.Slice()[before:] {
		name := msg.Name
		if name == "" {
			name = string(msg.Role)
		}
		out = append(out, model.OutputMessage{Content: msg.Content, Name: name})
	}
	return &model.TurnResult{
		SessionID: final.SessionID,
		State:     final,
		Messages:  out,
		Answer:    final.LastContent(),
		Elapsed:   m.now().Sub(start),
	}, nil
}

// Upload validates a CSV upload and parks it for the next turn of sessionID.
func (m *Manager) Upload(ctx context.Context, sessionID string, content []byte) (model.FileData, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return model.FileData{}, errx.BadRequest(errors.New("missing session id"), "session_id is required")
	}
	table, err := update.ParseCSV(bytes.NewReader(content))
	if err != nil {
		return model.FileData{}, errx.BadRequest(err, "invalid CSV upload: "+err.Error())
	}
	if table.Columns[0] != update.UIDColumn {
		return model.FileData{}, errx.BadRequest(ErrUIDNotFirst, ErrUIDNotFirst.Error())
	}

	file := model.FileData{
		ID:        uuid.NewString(),
		Content:   base64.StdEncoding.EncodeToString(content),
		Timestamp: m.now().UTC(),
		SessionID: sessionID,
	}
	if err := m.store.PutFile(ctx, sessionID, file); err != nil {
		return model.FileData{}, fmt.Errorf("store upload for %s: %w", sessionID, err)
	}
	logx.Info().Str("session_id", sessionID).Str("file_id", file.ID).Int("bytes", len(content)).Msg("Upload stored")
	return file, nil
}

func (m *Manager) initialState(sessionID string) *model.ConversationState {
	return &model.ConversationState{
		Messages:  model.NewMessages(schema.SystemMessage(SystemPrompt)),
		SessionID: sessionID,
		Timestamp: m.now().UTC(),
	}
}

// trimHistory keeps the system prompt plus the newest maxMessages messages.
func trimHistory(msgs model.Messages, maxMessages int) model.Messages {
	if maxMessages <= 0 || msgs.Len() <= maxMessages+1 {
		return msgs
	}
	all := msgs.Slice()
	var head []*schema.Message
	if all[0].Role == schema.System {
		head = all[:1]
	}
	return model.NewMessages(head...).Append(all[len(all)-maxMessages:]...)
}

func turnTimestamp(raw string, now time.Time) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}
