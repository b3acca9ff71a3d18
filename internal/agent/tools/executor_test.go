package tools

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metadata"
	"github.com/nextseek-chat/server/internal/metrics"
)

type toolRecorder struct {
	metrics.Nop
	outcomes []string
}

func (r *toolRecorder) ObserveTool(_, tool, outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, tool+":"+outcome)
}

type fakeUpdater struct{ file *model.FileData }

func (f *fakeUpdater) Run(_ context.Context, file *model.FileData) model.UpdateInfo {
	f.file = file
	return model.UpdateInfo{Success: true, Stats: model.UpdateStats{RecordsUpdated: 2}}
}

// blockingStore never answers a sample lookup until released.
type blockingStore struct {
	*metadata.Store
	release chan struct{}
}

func (b *blockingStore) Sample(ctx context.Context, uid string) (model.MetadataRecord, error) {
	<-b.release
	return nil, nil
}

func newStore(t *testing.T) *metadata.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	s := metadata.NewStore(db, model.MetadataConfig{})
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.PutSampleType(ctx, "PAV", "flies", []string{"Name", "Study", "Protocol"}))
	require.NoError(t, s.PutSample(ctx, "PAV-1", "PAV", map[string]any{
		"Name": "Fly cohort 1", "Study": "CD8 Depletion", "Protocol": []any{"P.2023-7"},
	}))
	require.NoError(t, s.PutSample(ctx, "PAV-2", "PAV", map[string]any{"Study": "Baseline"}))
	require.NoError(t, s.PutSample(ctx, "TIS-1", "TIS", map[string]any{"Name": "Brain"}))
	require.NoError(t, s.PutTree(ctx, metadata.TreeNode{
		ID: "PAV-1",
		Children: []metadata.TreeNode{
			{ID: "TIS-1", Children: []metadata.TreeNode{{ID: "RNA-1"}}},
		},
	}))
	return s
}

func run(t *testing.T, e *Executor, agent model.NodeID, tool ToolID, args map[string]any) (model.Resource, error) {
	t.Helper()
	return e.Execute(context.Background(), Call{Agent: agent, Tool: tool, Args: args})
}

func TestSampleInfoTools(t *testing.T) {
	e := NewExecutor(newStore(t), nil, nil)
	agent := model.NodeSampleInfoRetriever

	res, err := run(t, e, agent, RetrieveSampleInfo, map[string]any{"uid": " PAV-1 "})
	require.NoError(t, err)
	require.IsType(t, model.SampleMetadata{}, res)
	assert.Equal(t, "CD8 Depletion", res.(model.SampleMetadata)[0].Get("Study"))

	res, err = run(t, e, agent, RetrieveSampleInfo, map[string]any{"uid": "PAV-404"})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = run(t, e, agent, GetSampleName, map[string]any{"uid": "PAV-1"})
	require.NoError(t, err)
	assert.Equal(t, model.SampleMetadata{{"UID": "PAV-1", "Name": "Fly cohort 1"}}, res)

	res, err = run(t, e, agent, GetSampleName, map[string]any{"uid": "PAV-2"})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = run(t, e, agent, FetchProtocol, map[string]any{"uid": "PAV-1"})
	require.NoError(t, err)
	assert.Equal(t, model.ProtocolURL("https://nextseek.mit.edu/seek/sop/uid=P.2023-7/"), res)

	res, err = run(t, e, agent, FetchProtocol, map[string]any{"uid": "PAV-2"})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = run(t, e, agent, AddLinks, map[string]any{"uid": "PAV-1"})
	require.NoError(t, err)
	assert.Equal(t, model.SampleURL("https://nextseek.mit.edu/seek/sampletree/uid=PAV-1/"), res)

	_, err = run(t, e, agent, RetrieveSampleInfo, map[string]any{})
	assert.ErrorContains(t, err, "uid is required")
}

func TestTreeTools(t *testing.T) {
	e := NewExecutor(newStore(t), nil, nil)
	agent := model.NodeSampleInfoRetriever

	res, err := run(t, e, agent, FetchChildren, map[string]any{"uid": "PAV-1"})
	require.NoError(t, err)
	assert.Equal(t, model.UIDList{"TIS-1"}, res)

	res, err = run(t, e, agent, FetchAllDescendants, map[string]any{"uid": "PAV-1"})
	require.NoError(t, err)
	assert.Equal(t, model.UIDList{"TIS-1", "RNA-1"}, res)

	res, err = run(t, e, agent, FetchAllDescendants, map[string]any{"uid": "PAV-1", "filter": "RNA"})
	require.NoError(t, err)
	assert.Equal(t, model.UIDList{"RNA-1"}, res)

	res, err = run(t, e, agent, FetchChildren, map[string]any{"uid": "RNA-1"})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = run(t, e, agent, FetchAllMetadata, map[string]any{"uid": "PAV-1"})
	require.NoError(t, err)
	recs, ok := res.(model.SampleMetadata)
	require.True(t, ok)
	require.Len(t, recs, 2)
	assert.Equal(t, "TIS-1", recs[0].UID())
	assert.Equal(t, "PAV-1", recs[1].UID())
}

func TestMultiSampleTools(t *testing.T) {
	e := NewExecutor(newStore(t), nil, nil)
	agent := model.NodeMultiSampleInfoRetriever

	res, err := run(t, e, agent, GetMetadataByUIDs, map[string]any{"uid": "PAV-2"})
	require.NoError(t, err)
	require.Len(t, res.(model.SampleMetadata), 1)

	_, err = run(t, e, agent, GetMetadataByUIDs, map[string]any{})
	assert.Error(t, err)

	res, err = run(t, e, agent, GetUIDsByTermsAndField, map[string]any{
		"key_string": []any{"study"},
		"terms":      []any{"Baseline"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.UIDList{"PAV-2"}, res)

	res, err = run(t, e, agent, GetUIDsByTermsAndField, map[string]any{"key_string": "study", "terms": "Unknown"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestArchivistTools(t *testing.T) {
	updater := &fakeUpdater{}
	e := NewExecutor(newStore(t), updater, nil)
	agent := model.NodeArchivist

	res, err := run(t, e, agent, GetSTAttributes, map[string]any{"sample_type": "PAV"})
	require.NoError(t, err)
	assert.Equal(t, model.AttributeCatalog{{
		SampleType: "PAV", Description: "flies", Attributes: []string{"Name", "Study", "Protocol"},
	}}, res)

	res, err = run(t, e, agent, GetSTAttributes, map[string]any{"sample_type": "XYZ"})
	require.NoError(t, err)
	assert.Nil(t, res)

	file := &model.FileData{ID: "f1", Content: "VUlE"}
	res, err = e.Execute(context.Background(), Call{Agent: agent, Tool: UpdateMetadataPipeline, File: file})
	require.NoError(t, err)
	assert.Equal(t, 2, res.(model.UpdateInfo).Stats.RecordsUpdated)
	assert.Same(t, file, updater.file)

	_, err = NewExecutor(newStore(t), nil, nil).Execute(context.Background(), Call{Agent: agent, Tool: UpdateMetadataPipeline})
	assert.ErrorIs(t, err, ErrToolNotAvailable)
}

func TestToolOutsideToolbox(t *testing.T) {
	rec := &toolRecorder{}
	e := NewExecutor(newStore(t), nil, rec)

	_, err := run(t, e, model.NodeMultiSampleInfoRetriever, RetrieveSampleInfo, map[string]any{"uid": "PAV-1"})
	assert.ErrorIs(t, err, ErrToolNotAvailable)

	_, err = run(t, e, model.NodeSampleInfoRetriever, RetrieveSampleInfo, map[string]any{"uid": "PAV-404"})
	require.NoError(t, err)
	assert.Equal(t, []string{"retrieve_sample_info:unavailable", "retrieve_sample_info:empty"}, rec.outcomes)
}

func TestExecuteHonoursContext(t *testing.T) {
	bs := &blockingStore{Store: newStore(t), release: make(chan struct{})}
	t.Cleanup(func() { close(bs.release) })
	e := NewExecutor(bs, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, Call{Agent: model.NodeSampleInfoRetriever, Tool: RetrieveSampleInfo, Args: map[string]any{"uid": "PAV-1"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveAndToolbox(t *testing.T) {
	tool, err := Resolve(model.NodeArchivist, "get_st_attributes")
	require.NoError(t, err)
	assert.Equal(t, GetSTAttributes, tool)
	assert.Equal(t, model.KeySTAttributes, tool.ResourceKey())

	_, err = Resolve(model.NodeArchivist, "fetch_children")
	assert.ErrorIs(t, err, ErrToolNotAvailable)

	assert.Len(t, Toolbox(model.NodeSampleInfoRetriever), 7)
	assert.Empty(t, Toolbox(model.NodeSupervisor))
}

func TestResultsLandInDeclaredSlot(t *testing.T) {
	for agent := range toolboxes {
		for _, tool := range Toolbox(agent) {
			assert.NotEmpty(t, tool.ResourceKey(), "tool %s has no resource slot", tool)
		}
	}

	assert.NoError(t, checkSlot(FetchChildren, model.UIDList{"TIS-1"}))
	assert.NoError(t, checkSlot(AddLinks, model.SampleURL("https://nextseek.mit.edu/")))

	err := checkSlot(FetchChildren, model.SampleMetadata{{"UID": "TIS-1"}})
	assert.ErrorIs(t, err, ErrWrongResource)
	assert.Contains(t, err.Error(), "fetch_children returned sample_metadata, want UIDs")

	err = checkSlot(GetSTAttributes, model.UpdateInfo{Success: true})
	assert.ErrorIs(t, err, ErrWrongResource)
}

func TestLink(t *testing.T) {
	assert.Equal(t, "https://nextseek.mit.edu/", Link(""))
	assert.Equal(t, "https://nextseek.mit.edu/seek/sop/uid=P.1/", Link("P.1"))
	assert.Equal(t, "https://nextseek.mit.edu/seek/sampletree/uid=MUS-1/", Link(" MUS-1 "))
}
