package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextseek-chat/server/internal/agent/model"
)

type scriptedModel struct {
	reply    string
	err      error
	usage    *schema.TokenUsage
	streamed bool
	seen     []*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.seen = input
	if m.err != nil {
		return nil, m.err
	}
	return &schema.Message{Role: schema.Assistant, Content: m.reply, ResponseMeta: &schema.ResponseMeta{Usage: m.usage}}, nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.streamed = true
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	half := len(msg.Content) / 2
	return schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: msg.Content[:half]},
		{Role: schema.Assistant, Content: msg.Content[half:]},
	}), nil
}

type usageRecorder struct {
	oracleCalls []bool
	tokens      int
}

func (r *usageRecorder) ObserveNode(string, string, string, time.Duration) {}
func (r *usageRecorder) ObserveOracle(_ string, _ string, success bool, _ time.Duration) {
	r.oracleCalls = append(r.oracleCalls, success)
}
func (r *usageRecorder) ObserveUsage(_ string, prompt, completion int, _ float64) {
	r.tokens += prompt + completion
}
func (r *usageRecorder) ObserveTool(string, string, string, time.Duration)  {}
func (r *usageRecorder) ObservePipeline(bool, int, int, int, time.Duration) {}
func (r *usageRecorder) ObserveTurn(string, int, time.Duration)             {}

func newState(query string) *model.ConversationState {
	return &model.ConversationState{
		Messages:  model.NewMessages(schema.SystemMessage("sys"), schema.UserMessage(query)),
		SessionID: "s1",
	}
}

func TestDecideTriage(t *testing.T) {
	cm := &scriptedModel{
		reply: "```json\n{\"retrieve_info\": true, \"user_query\": \"Tell me about PAV-1\", \"justification\": \"needs data\", \"extra\": 1}\n```",
		usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	rec := &usageRecorder{}
	o := NewChatOracle(cm, "fake", "gemini-2.5-flash", rec)

	state := newState("PAV-1?")
	d, err := Decide[TriageDecision](context.Background(), o, Request{
		Kind:    KindTriage,
		Agent:   model.NodeConversationalist,
		Payload: NewPayload(state, "PAV-1?"),
	})
	require.NoError(t, err)
	assert.True(t, d.RetrieveInfo)
	assert.Equal(t, "Tell me about PAV-1", d.UserQuery)
	assert.Equal(t, []bool{true}, rec.oracleCalls)
	assert.Equal(t, 15, rec.tokens)
	require.Len(t, cm.seen, 2)
	assert.Contains(t, cm.seen[1].Content, `"user_query": "PAV-1?"`)
	assert.False(t, cm.streamed)
}

func TestDecideRepairsTruncatedJSON(t *testing.T) {
	cm := &scriptedModel{reply: `Here you go: {"Next_worker": {"agent": "responder"}, "justification": "done"`}
	o := NewChatOracle(cm, "fake", "m", nil)

	d, err := Decide[RoutingDecision](context.Background(), o, Request{Kind: KindSupervise, Agent: model.NodeSupervisor})
	require.NoError(t, err)
	assert.Equal(t, "responder", d.NextWorker.Agent)
	assert.Equal(t, "done", d.Justification)
}

func TestDecideEmptyReply(t *testing.T) {
	for _, reply := range []string{"", "   ", "{}"} {
		o := NewChatOracle(&scriptedModel{reply: reply}, "fake", "m", nil)
		_, err := Decide[ValidationDecision](context.Background(), o, Request{Kind: KindValidate, Agent: model.NodeValidator})
		assert.ErrorIs(t, err, ErrEmptyDecision, "reply %q", reply)
	}
}

func TestDecideModelError(t *testing.T) {
	boom := errors.New("quota exceeded")
	rec := &usageRecorder{}
	o := NewChatOracle(&scriptedModel{err: boom}, "fake", "m", rec)
	_, err := Decide[ParseDecision](context.Background(), o, Request{Kind: KindParse, Agent: model.NodeQueryParser})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []bool{false}, rec.oracleCalls)
}

func TestDecideSummaryIsStreamed(t *testing.T) {
	cm := &scriptedModel{reply: `{"summary": "three samples from one study", "justification": "short"}`}
	o := NewChatOracle(cm, "fake", "m", nil)
	d, err := Decide[SummaryDecision](context.Background(), o, Request{Kind: KindSummarize, Agent: model.NodeDataSummarizer})
	require.NoError(t, err)
	assert.True(t, cm.streamed)
	assert.Equal(t, "three samples from one study", d.Summary)
}

func TestDecideWrongType(t *testing.T) {
	o := NewChatOracle(&scriptedModel{reply: `{"summary": "x"}`}, "fake", "m", nil)
	_, err := Decide[FormatDecision](context.Background(), o, Request{Kind: KindSummarize, Agent: model.NodeDataSummarizer})
	assert.ErrorIs(t, err, ErrUnexpectedDecision)
}

func TestValidationNullFields(t *testing.T) {
	o := NewChatOracle(&scriptedModel{reply: `{"Valid": false, "Clarifying_Question": null, "error": "missing data"}`}, "fake", "m", nil)
	d, err := Decide[ValidationDecision](context.Background(), o, Request{Kind: KindValidate, Agent: model.NodeValidator})
	require.NoError(t, err)
	assert.False(t, d.Valid)
	assert.Nil(t, d.ClarifyingQuestion)
	require.NotNil(t, d.Error)
	assert.Equal(t, "missing data", *d.Error)
}

func TestSplitInput(t *testing.T) {
	instr, text := splitInput([]*schema.Message{
		schema.SystemMessage("be terse"),
		nil,
		schema.UserMessage("hello"),
		schema.UserMessage("world"),
	})
	assert.Equal(t, "be terse", instr)
	assert.Equal(t, "hello\n\nworld", text)
}

func TestNewChatModelRequiresKeys(t *testing.T) {
	_, err := NewChatModel(context.Background(), model.OracleConfig{Provider: "openai"})
	assert.Error(t, err)
	_, err = NewChatModel(context.Background(), model.OracleConfig{Provider: "gemini"})
	assert.Error(t, err)
	_, err = NewChatModel(context.Background(), model.OracleConfig{Provider: "llama"})
	assert.Error(t, err)

	cm, err := NewChatModel(context.Background(), model.OracleConfig{Provider: "openai", OpenAIAPIKey: "k", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIChatModel{}, cm)
}
