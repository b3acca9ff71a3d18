package conversations

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
	"github.com/nextseek-chat/server/internal/repo"
)

var fixedNow = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

type stubRunner struct {
	answer string
	err    error
	got    *model.ConversationState
}

func (s *stubRunner) Run(_ context.Context, state *model.ConversationState) (*model.ConversationState, error) {
	s.got = state
	if s.err != nil {
		return nil, s.err
	}
	out := state.Apply(model.NodeConversationalist, model.Command{
		Goto:   model.NodeFinish,
		Append: []*schema.Message{model.AgentMessage(model.NodeConversationalist, s.answer)},
	}, fixedNow)
	return out, nil
}

type brokenStore struct{ repo.MemorySessionStore }

func (*brokenStore) Get(context.Context, string) (*model.ConversationState, error) {
	return nil, errors.New("connection refused")
}

func newManager(runner TurnRunner, maxHistory int) (*Manager, *repo.MemorySessionStore) {
	store := repo.NewMemorySessionStore()
	m := NewManager(store, runner, model.ConversationConfig{MaxHistory: maxHistory})
	m.now = func() time.Time { return fixedNow }
	return m, store
}

func TestBeginNewSession(t *testing.T) {
	m, _ := newManager(&stubRunner{}, 40)

	state, err := m.Begin(context.Background(), model.DeltaMessage{NewMessage: "  What is PAV-1?  "})
	require.NoError(t, err)

	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, 1, state.Version)
	assert.Equal(t, fixedNow, state.Timestamp)
	require.Equal(t, 2, state.Messages.Len())
	assert.Equal(t, schema.System, state.Messages.At(0).Role)
	assert.Equal(t, "What is PAV-1?", state.Messages.At(1).Content)
	assert.NotEmpty(t, model.MessageID(state.Messages.At(1)))
	assert.Nil(t, state.FileData)
}

func TestBeginUsesCallerTimestamp(t *testing.T) {
	m, _ := newManager(&stubRunner{}, 40)
	state, err := m.Begin(context.Background(), model.DeltaMessage{
		SessionID:  "s1",
		NewMessage: "hi",
		Timestamp:  "2024-01-02T03:04:05+07:00",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 20, 4, 5, 0, time.UTC), state.Timestamp)

	state, err = m.Begin(context.Background(), model.DeltaMessage{SessionID: "s1", NewMessage: "hi", Timestamp: "yesterday"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, state.Timestamp)
}

func TestBeginRejectsEmptyMessage(t *testing.T) {
	m, _ := newManager(&stubRunner{}, 40)
	_, err := m.Begin(context.Background(), model.DeltaMessage{SessionID: "s1", NewMessage: " \n"})
	require.ErrorIs(t, err, ErrEmptyMessage)
	status, _ := errx.StatusOf(err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBeginStoreFailure(t *testing.T) {
	m := NewManager(&brokenStore{}, &stubRunner{}, model.ConversationConfig{})
	_, err := m.Begin(context.Background(), model.DeltaMessage{SessionID: "s1", NewMessage: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHandlePersistsTurn(t *testing.T) {
	runner := &stubRunner{answer: "Hello!"}
	m, store := newManager(runner, 40)
	ctx := context.Background()

	res, err := m.Handle(ctx, model.DeltaMessage{SessionID: "s1", NewMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "Hello!", res.Answer)
	assert.Equal(t, []model.OutputMessage{
		{Content: "hi", Name: "user"},
		{Content: "Hello!", Name: "conversationalist"},
	}, res.Messages)

	stored, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, 3, stored.Messages.Len())

	res, err = m.Handle(ctx, model.DeltaMessage{SessionID: "s1", NewMessage: "again"})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, 3, runner.got.Version)
	assert.Equal(t, 4, runner.got.Messages.Len())
}

func TestHandleRunnerErrorLeavesStoreUntouched(t *testing.T) {
	m, store := newManager(&stubRunner{err: context.DeadlineExceeded}, 40)
	_, err := m.Handle(context.Background(), model.DeltaMessage{SessionID: "s1", NewMessage: "hi"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = store.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestHistoryIsTrimmedKeepingSystemPrompt(t *testing.T) {
	m, store := newManager(&stubRunner{}, 4)
	ctx := context.Background()

	msgs := model.NewMessages(schema.SystemMessage(SystemPrompt))
	for i := 0; i < 10; i++ {
		msgs = msgs.Append(schema.UserMessage(fmt.Sprintf("q%d", i)))
	}
	require.NoError(t, store.Put(ctx, "s1", &model.ConversationState{SessionID: "s1", Messages: msgs, Version: 30}))

	state, err := m.Begin(ctx, model.DeltaMessage{SessionID: "s1", NewMessage: "latest"})
	require.NoError(t, err)
	require.Equal(t, 6, state.Messages.Len())
	assert.Equal(t, SystemPrompt, state.Messages.At(0).Content)
	assert.Equal(t, "q6", state.Messages.At(1).Content)
	assert.Equal(t, "latest", state.Messages.Last().Content)
	assert.Equal(t, 31, state.Version)
}

func TestUploadIsConsumedByOneTurn(t *testing.T) {
	runner := &stubRunner{answer: "ok"}
	m, _ := newManager(runner, 40)
	ctx := context.Background()
	csv := []byte("UID,Genotype\nMUS-1,wt\n")

	file, err := m.Upload(ctx, "s1", csv)
	require.NoError(t, err)
	assert.Equal(t, "s1", file.SessionID)
	assert.Equal(t, base64.StdEncoding.EncodeToString(csv), file.Content)

	_, err = m.Handle(ctx, model.DeltaMessage{SessionID: "s1", NewMessage: "update"})
	require.NoError(t, err)
	require.NotNil(t, runner.got.FileData)
	assert.Equal(t, file.ID, runner.got.FileData.ID)

	_, err = m.Handle(ctx, model.DeltaMessage{SessionID: "s1", NewMessage: "and now?"})
	require.NoError(t, err)
	assert.Nil(t, runner.got.FileData)
}

func TestCommitDropsFile(t *testing.T) {
	m, store := newManager(&stubRunner{}, 40)
	ctx := context.Background()
	state := &model.ConversationState{SessionID: "s1", FileData: &model.FileData{ID: "f"}}

	require.NoError(t, m.Commit(ctx, state))
	stored, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, stored.FileData)
	assert.NotNil(t, state.FileData)
}

func TestUploadValidation(t *testing.T) {
	m, _ := newManager(&stubRunner{}, 40)
	ctx := context.Background()

	tests := []struct {
		name      string
		sessionID string
		content   string
	}{
		{name: "missing session", sessionID: "", content: "UID\nA-1\n"},
		{name: "no uid column", sessionID: "s1", content: "Name,Genotype\nfoo,wt\n"},
		{name: "uid not first", sessionID: "s1", content: "Name,UID\nfoo,MUS-1\n"},
		{name: "empty file", sessionID: "s1", content: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Upload(ctx, tt.sessionID, []byte(tt.content))
			require.Error(t, err)
			status, _ := errx.StatusOf(err)
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}
