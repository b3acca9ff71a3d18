package update

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metadata"
	"github.com/nextseek-chat/server/internal/metrics"
)

type pipelineRecorder struct {
	metrics.Nop
	runs    int
	success bool
	updated int
	missing int
}

func (r *pipelineRecorder) ObservePipeline(success bool, _, updated, missing int, _ time.Duration) {
	r.runs++
	r.success = success
	r.updated = updated
	r.missing = missing
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
	require.NoError(t, s.PutSampleType(ctx, "PAV", "flies", []string{"Name", "Study", "Scientist"}))
	require.NoError(t, s.PutSampleType(ctx, "MUS", "mice", []string{"Name", "Genotype"}))
	for _, uid := range []string{"PAV-1", "PAV-3"} {
		require.NoError(t, s.PutSample(ctx, uid, "PAV", map[string]any{"Name": uid, "Study": "old", "Scientist": "old"}))
	}
	require.NoError(t, s.PutSample(ctx, "PAV-2", "PAV", map[string]any{"Name": "PAV-2", "Study": "old"}))
	require.NoError(t, s.PutSample(ctx, "MUS-1", "MUS", map[string]any{"Name": "MUS-1", "Genotype": "wt"}))
	return s
}

func upload(csv string) *model.FileData {
	return &model.FileData{ID: "f1", Content: base64.StdEncoding.EncodeToString([]byte(csv))}
}

func TestRunUpdatesValidRows(t *testing.T) {
	store := newStore(t)
	rec := &pipelineRecorder{}
	var pauses []time.Duration
	p := New(store, WithBatchSize(2), WithBatchPause(time.Second), WithMetrics(rec))
	p.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	csv := "UID,Study,Scientist\n" +
		"PAV-1,CD8 Depletion,Dr. Byron\n" +
		"PAV-2,CD8 Depletion,Dr. Byron\n" +
		"PAV-3,Baseline,Dr. Lovelace\n" +
		"PAV-404,Baseline,Dr. Lovelace\n" +
		"MUS-1,Baseline,Dr. Lovelace\n"
	info := p.Run(context.Background(), upload(csv))

	assert.True(t, info.Success)
	assert.Equal(t, 5, info.Stats.TotalRecordsProcessed)
	assert.Equal(t, 3, info.Stats.RecordsUpdated)
	assert.Equal(t, 1, info.Stats.MissingAttributes)
	assert.Equal(t, []time.Duration{time.Second}, pauses)
	assert.Equal(t, []string{
		"Sample Type MUS removed because of 0 in attribute Scientist",
		"Sample Type MUS removed because of 0 in attribute Study",
		"Sample UUID 'PAV-404' not found in database",
		"Attribute 'Scientist' doesn't exist for sample UUID 'PAV-2'",
	}, info.Errors)
	assert.NotEmpty(t, info.Logs)

	ctx := context.Background()
	rec1, err := store.Sample(ctx, "PAV-1")
	require.NoError(t, err)
	assert.Equal(t, "CD8 Depletion", rec1.Get("Study"))
	assert.Equal(t, "Dr. Byron", rec1.Get("Scientist"))

	rec2, err := store.Sample(ctx, "PAV-2")
	require.NoError(t, err)
	assert.Equal(t, "CD8 Depletion", rec2.Get("Study"))
	assert.Empty(t, rec2.Get("Scientist"))

	mouse, err := store.Sample(ctx, "MUS-1")
	require.NoError(t, err)
	assert.Empty(t, mouse.Get("Study"))

	assert.Equal(t, 1, rec.runs)
	assert.True(t, rec.success)
	assert.Equal(t, 3, rec.updated)
	assert.Equal(t, 1, rec.missing)
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name string
		file *model.FileData
		want string
	}{
		{name: "no file", file: nil, want: ErrNoFile.Error()},
		{name: "empty content", file: &model.FileData{ID: "f"}, want: ErrNoFile.Error()},
		{name: "not base64", file: &model.FileData{Content: "%%%"}, want: "decode base64 payload"},
		{name: "no uid column", file: upload("Name,Study\nx,y\n"), want: ErrNoUIDColumn.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &pipelineRecorder{}
			info := New(newStore(t), WithMetrics(rec)).Run(context.Background(), tt.file)
			assert.False(t, info.Success)
			require.NotEmpty(t, info.Errors)
			assert.Contains(t, info.Errors[0], tt.want)
			assert.Equal(t, 1, rec.runs)
			assert.False(t, rec.success)
		})
	}
}

func TestRunNothingToUpdate(t *testing.T) {
	info := New(newStore(t)).Run(context.Background(), upload("UID,Study\nMUS-1,x\n"))
	assert.True(t, info.Success)
	assert.Equal(t, 1, info.Stats.TotalRecordsProcessed)
	assert.Zero(t, info.Stats.RecordsUpdated)
	assert.Equal(t, []string{"Sample Type MUS removed because of 0 in attribute Study"}, info.Errors)
}

func TestRunStopsWhenCancelledBetweenBatches(t *testing.T) {
	store := newStore(t)
	p := New(store, WithBatchSize(1), WithBatchPause(time.Second))
	p.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	info := p.Run(context.Background(), upload("UID,Study\nPAV-1,new\nPAV-2,new\n"))
	assert.False(t, info.Success)
	assert.Equal(t, 1, info.Stats.RecordsUpdated)
	assert.Contains(t, info.Errors[len(info.Errors)-1], "write batch 2")

	rec, err := store.Sample(context.Background(), "PAV-2")
	require.NoError(t, err)
	assert.Equal(t, "old", rec.Get("Study"))
}

func TestParseCSV(t *testing.T) {
	table, err := ParseCSV(strings.NewReader("\ufeffUID, Study ,Scientist\nPAV-1,a\n,skipped,x\nMUS-2,b,c\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"UID", "Study", "Scientist"}, table.Columns)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "PAV", table.Rows[0].SampleType)
	assert.Equal(t, map[string]string{"UID": "PAV-1", "Study": "a"}, table.Rows[0].Values)
	assert.Equal(t, "MUS", table.Rows[1].SampleType)
	assert.Equal(t, []string{"PAV", "MUS"}, table.SampleTypes())
	assert.Equal(t, []string{"Study", "Scientist"}, table.AttributeColumns())
}

func TestMatrixAndFilter(t *testing.T) {
	legal := model.AttributeCatalog{
		{SampleType: "PAV", Attributes: []string{"Study", "Scientist"}},
		{SampleType: "MUS", Attributes: []string{"Study"}},
	}.Legal()
	m := BuildMatrix([]string{"Study", "Scientist"}, []string{"PAV", "MUS", "XYZ"}, legal)

	assert.Equal(t, Matrix{
		"PAV": {"Study": 1, "Scientist": 1},
		"MUS": {"Study": 1, "Scientist": 0},
		"XYZ": {"Study": 0, "Scientist": 0},
	}, m)
	assert.Equal(t, map[string][]string{
		"MUS": {"Scientist"},
		"XYZ": {"Scientist", "Study"},
	}, m.Rejected())

	rows := []Row{{UID: "PAV-1", SampleType: "PAV"}, {UID: "MUS-1", SampleType: "MUS"}, {UID: "XYZ-1", SampleType: "XYZ"}}
	kept, reasons := Filter(rows, m)
	require.Len(t, kept, 1)
	assert.Equal(t, "PAV-1", kept[0].UID)
	assert.Len(t, reasons, 3)
}

func TestCapErrors(t *testing.T) {
	assert.Equal(t, []string{}, capErrors(nil, 3))

	var errs []string
	for i := 0; i < 5; i++ {
		errs = append(errs, fmt.Sprint(i))
	}
	assert.Equal(t, []string{"0", "1", "2", "...and 2 more attribute errors"}, capErrors(errs, 3))
}

// countingStore records the size of every metadata fetch.
type countingStore struct {
	Store
	fetches []int
}

func (c *countingStore) FetchMetadata(ctx context.Context, uids []string) (map[string]string, error) {
	c.fetches = append(c.fetches, len(uids))
	return c.Store.FetchMetadata(ctx, uids)
}

func TestFetchBatchBoundary(t *testing.T) {
	for _, tt := range []struct {
		rows int
		want []int
	}{
		{rows: 3, want: []int{3}},
		{rows: 4, want: []int{3, 1}},
	} {
		t.Run(fmt.Sprintf("%d rows", tt.rows), func(t *testing.T) {
			cs := &countingStore{Store: newStore(t)}
			var b strings.Builder
			b.WriteString("UID,Study\n")
			for i := 0; i < tt.rows; i++ {
				fmt.Fprintf(&b, "PAV-%d,new\n", i+10)
			}
			info := New(cs, WithBatchSize(3), WithBatchPause(0)).Run(context.Background(), upload(b.String()))
			assert.True(t, info.Success)
			assert.Equal(t, tt.want, cs.fetches)
		})
	}
}

func TestIllegalColumnDropsWholeSampleType(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutSampleType(ctx, "MUS", "mice", []string{"Name", "Study"}))
	require.NoError(t, store.PutSample(ctx, "MUS-220124FOR-1", "MUS", map[string]any{"Name": "Mouse", "Study": "old"}))

	cs := &countingStore{Store: store}
	csv := "UID,Genotype,Study\n" +
		"MUS-220124FOR-1,ko,new\n" +
		"MUS-220124FOR-2,wt,new\n"
	info := New(cs).Run(ctx, upload(csv))

	assert.True(t, info.Success)
	assert.Equal(t, []string{"Sample Type MUS removed because of 0 in attribute Genotype"}, info.Errors)
	assert.Empty(t, cs.fetches)
	assert.Zero(t, info.Stats.RecordsUpdated)

	rec, err := store.Sample(ctx, "MUS-220124FOR-1")
	require.NoError(t, err)
	assert.Equal(t, "old", rec.Get("Study"))
}

func TestMatrixIsIdempotent(t *testing.T) {
	legal := model.AttributeCatalog{{SampleType: "MUS", Attributes: []string{"Name"}}}.Legal()
	cols, types := []string{"Name", "Genotype"}, []string{"MUS"}
	first := BuildMatrix(cols, types, legal)
	second := BuildMatrix(cols, types, legal)
	assert.Equal(t, first, second)
	assert.Equal(t, first.Rejected(), second.Rejected())
}

func TestUntouchedValuesKeepTheirEncoding(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutSample(ctx, "PAV-1", "PAV", map[string]any{
		"Name":      "PAV-1",
		"Study":     "old",
		"Count":     json.Number("9007199254740993"),
		"Weight":    json.Number("1e+21"),
		"Replicate": json.Number("3"),
	}))

	info := New(store, WithBatchPause(0)).Run(ctx, upload("UID,Study\nPAV-1,CD8 Depletion\n"))
	require.True(t, info.Success)
	assert.Equal(t, 1, info.Stats.RecordsUpdated)

	rows, err := store.FetchMetadata(ctx, []string{"PAV-1"})
	require.NoError(t, err)
	raw := rows["PAV-1"]
	assert.Contains(t, raw, `"Count":9007199254740993`)
	assert.Contains(t, raw, `"Weight":1e+21`)
	assert.Contains(t, raw, `"Replicate":3`)
	assert.Contains(t, raw, `"Study":"CD8 Depletion"`)
}
