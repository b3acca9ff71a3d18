package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

func TestApplyDerivesSuccessor(t *testing.T) {
	in := &ConversationState{
		Messages:         NewMessages(schema.SystemMessage("sys"), schema.UserMessage("hi")),
		SessionID:        "s1",
		Version:          4,
		AvailableWorkers: PrimaryWorkers(),
	}
	out := in.Apply(NodeSupervisor, Command{
		Goto:     NodeResponder,
		Append:   []*schema.Message{AgentMessage(NodeSupervisor, "routing"), nil},
		Resource: UIDList{"PAV-1"},
	}.WithWorkers(RemoveWorker(in.AvailableWorkers, NodeArchivist)), now)

	assert.Equal(t, 5, out.Version)
	assert.Equal(t, now, out.Timestamp)
	assert.Equal(t, NodeSupervisor, out.LastWorker)
	require.Equal(t, 3, out.Messages.Len())
	assert.Equal(t, "routing", out.LastContent())
	assert.NotEmpty(t, MessageID(out.Messages.Last()))
	assert.False(t, ContainsWorker(out.AvailableWorkers, NodeArchivist))

	uids, ok := out.Resources.UIDs()
	require.True(t, ok)
	assert.Equal(t, UIDList{"PAV-1"}, uids)

	// the input is untouched
	assert.Equal(t, 4, in.Version)
	assert.Equal(t, 2, in.Messages.Len())
	assert.Zero(t, in.Resources.Len())
	assert.True(t, ContainsWorker(in.AvailableWorkers, NodeArchivist))
}

func TestApplyKeepsWorkersUnlessSet(t *testing.T) {
	in := &ConversationState{AvailableWorkers: PrimaryWorkers()}
	out := in.Apply(NodeResponder, Command{Goto: NodeValidator}, now)
	assert.Equal(t, WorkerNames(in.AvailableWorkers), WorkerNames(out.AvailableWorkers))

	out = in.Apply(NodeValidator, Command{Goto: NodeFinish}.WithWorkers(nil), now)
	assert.Empty(t, out.AvailableWorkers)
}

func TestMessagesArePersistent(t *testing.T) {
	a := NewMessages(schema.UserMessage("one"))
	b := a.Append(schema.UserMessage("two"))
	c := a.Append(schema.UserMessage("three"))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, "two", b.Last().Content)
	assert.Equal(t, "three", c.Last().Content)
	assert.Nil(t, a.At(5))
	assert.Nil(t, Messages{}.Last())
}

func TestMessageQueries(t *testing.T) {
	m := NewMessages(
		schema.SystemMessage("sys"),
		schema.UserMessage("first"),
		AgentMessage(NodeQueryParser, "parsed"),
		schema.UserMessage("second"),
		AgentMessage(NodeResponder, "answer"),
	)
	user, ok := m.LatestUser()
	require.True(t, ok)
	assert.Equal(t, "second", user.Content)

	picked := m.ByName(NodeResponder, NodeQueryParser)
	require.Len(t, picked, 2)
	assert.Equal(t, "parsed", picked[0].Content)
	assert.Equal(t, "answer", picked[1].Content)

	_, ok = NewMessages(schema.SystemMessage("sys")).LatestUser()
	assert.False(t, ok)
}

func TestDiagnosticMessages(t *testing.T) {
	s := &ConversationState{Messages: NewMessages(schema.SystemMessage("sys"))}
	out := s.Apply(NodeDataSummarizer, Command{
		Goto:   NodeResponseFormatter,
		Append: []*schema.Message{DiagnosticMessage(NodeDataSummarizer, "could not summarize")},
	}, time.Now())

	last := out.Messages.Last()
	assert.True(t, IsDiagnostic(last))
	assert.NotEmpty(t, MessageID(last))
	assert.Equal(t, "data_summarizer", last.Name)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	var back ConversationState
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, IsDiagnostic(back.Messages.Last()))

	plain := AgentMessage(NodeResponder, "handoff")
	assert.False(t, IsDiagnostic(plain))
	assert.False(t, IsDiagnostic(nil))
	assert.Equal(t, []*schema.Message{plain}, WithoutDiagnostics([]*schema.Message{last, plain}))
}

func TestStateSurvivesJSON(t *testing.T) {
	in := (&ConversationState{
		Messages:  NewMessages(schema.SystemMessage("sys"), schema.UserMessage("hi")),
		SessionID: "s1",
		Version:   2,
	}).Apply(NodeSampleInfoRetriever, Command{
		Goto:     NodeSupervisor,
		Append:   []*schema.Message{AgentMessage(NodeSampleInfoRetriever, "done")},
		Resource: SampleMetadata{{"UID": "PAV-1", "Name": "Fly"}},
	}, now)
	in.Resources = in.Resources.
		With(ParsedQuery{UID: StringList{"PAV-1"}}).
		With(UpdateInfo{Success: true, Logs: []string{"ok"}, Errors: []string{}, Stats: UpdateStats{RecordsUpdated: 3}}).
		With(SchemaInfo{RelevantKeys: []string{"Study"}})

	b, err := json.Marshal(in)
	require.NoError(t, err)
	var out ConversationState
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, in.Version, out.Version)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, MessageID(in.Messages.Last()), MessageID(out.Messages.Last()))
	assert.Equal(t, in.Resources.Keys(), out.Resources.Keys())

	md, ok := out.Resources.SampleMetadata()
	require.True(t, ok)
	assert.Equal(t, "Fly", md[0].Name())
	pq, ok := out.Resources.ParsedQuery()
	require.True(t, ok)
	assert.Equal(t, "PAV-1", pq.UID.First())
	info, ok := out.Resources.UpdateInfo()
	require.True(t, ok)
	assert.Equal(t, 3, info.Stats.RecordsUpdated)
}

func TestResourceBoxDropsUnknownKeys(t *testing.T) {
	var box ResourceBox
	require.NoError(t, json.Unmarshal([]byte(`{"UIDs": "PAV-1", "mystery": 1, "sampleURL": null}`), &box))
	assert.Equal(t, []ResourceKey{KeyUIDs}, box.Keys())
	uids, _ := box.UIDs()
	assert.Equal(t, UIDList{"PAV-1"}, uids)
}

func TestDecodeResource(t *testing.T) {
	r, err := DecodeResource(KeyParsedQuery, map[string]any{
		"uid": "PAV-1", "sampletype": []any{"PAV", "MUS"}, "unexpected": true,
	})
	require.NoError(t, err)
	pq := r.(ParsedQuery)
	assert.Equal(t, StringList{"PAV-1"}, pq.UID)
	assert.Equal(t, StringList{"PAV", "MUS"}, pq.SampleType)
	assert.False(t, pq.IsEmpty())

	r, err = DecodeResource(KeySTAttributes, map[string]any{"sampletype": "PAV", "attributes": []any{"Name"}})
	require.NoError(t, err)
	assert.Equal(t, AttributeCatalog{{SampleType: "PAV", Attributes: []string{"Name"}}}, r)

	_, err = DecodeResource(KeySampleMetadata, []any{"not an object"})
	assert.Error(t, err)

	_, err = DecodeResource("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestStringListJSON(t *testing.T) {
	var l StringList
	require.NoError(t, json.Unmarshal([]byte(`"one"`), &l))
	assert.Equal(t, StringList{"one"}, l)
	require.NoError(t, json.Unmarshal([]byte(`["a","b"]`), &l))
	assert.Equal(t, StringList{"a", "b"}, l)

	b, err := json.Marshal(StringList{"x"})
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(b))
	b, err = json.Marshal(StringList{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestWorkerCatalog(t *testing.T) {
	assert.Equal(t, []string{"sample_info_retriever", "multi_sample_info_retriever", "archivist", "responder"},
		WorkerNames(PrimaryWorkers()))
	assert.Equal(t, []string{"data_summarizer", "response_formatter"},
		WorkerNames(PostProcessingWorkers()))

	w, ok := Worker(NodeSupervisor)
	require.True(t, ok)
	assert.NotEmpty(t, w.Role)
	w, ok = Worker(NodeSampleInfoRetriever)
	require.True(t, ok)
	assert.Len(t, w.Toolbox, 7)

	_, ok = Worker(NodeFinish)
	assert.False(t, ok)

	ws := PrimaryWorkers()
	ws[0].Role = "changed"
	assert.NotEqual(t, "changed", PrimaryWorkers()[0].Role)
}

func TestParseNodeID(t *testing.T) {
	id, ok := ParseNodeID("schema_retriever")
	assert.True(t, ok)
	assert.Equal(t, NodeSchemaRetriever, id)
	_, ok = ParseNodeID("human_agent")
	assert.False(t, ok)
}

func TestPriceUsage(t *testing.T) {
	usage := &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 200_000, TotalTokens: 1_200_000}
	c := PriceUsage("google/gemini-2.5-flash", usage)
	assert.InDelta(t, 0.30, c.InputCost, 1e-9)
	assert.InDelta(t, 0.50, c.OutputCost, 1e-9)
	assert.InDelta(t, 0.80, c.TotalCost, 1e-9)

	assert.Zero(t, PriceUsage("unknown-model", usage).TotalCost)
	assert.Equal(t, UsageCost{Model: "gpt-4o"}, PriceUsage("gpt-4o", nil))
}
