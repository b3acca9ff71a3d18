package update

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metadata"
	"github.com/nextseek-chat/server/internal/metrics"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

const (
	// UIDColumn is the mandatory identifier column of an upload.
	UIDColumn = "UID"
	// SampleTypeColumn is derived from the UID and never written back.
	SampleTypeColumn = "SampleType"
	// MaxReportedErrors caps UpdateInfo.Errors.
	MaxReportedErrors = 100
)

var (
	ErrNoFile      = errors.New("no uploaded file for this session")
	ErrNoUIDColumn = errors.New("uploaded file has no UID column")
)

// Store is the slice of the metadata store the pipeline needs.
type Store interface {
	AttributeCatalog(ctx context.Context, sampleTypes []string) (model.AttributeCatalog, error)
	FetchMetadata(ctx context.Context, uids []string) (map[string]string, error)
	WriteMetadata(ctx context.Context, uid, metadata string) error
}

// Pipeline validates an uploaded CSV against the attribute catalog and
// writes the changed metadata back in paced batches.
type Pipeline struct {
	store     Store
	batchSize int
	pause     time.Duration
	metrics   metrics.Recorder
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Pipeline)

func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithBatchPause(d time.Duration) Option {
	return func(p *Pipeline) { p.pause = d }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = metrics.OrNop(r) }
}

func New(store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		batchSize: 250,
		pause:     100 * time.Millisecond,
		metrics:   metrics.Nop{},
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Row is one CSV data row keyed by column name.
type Row struct {
	UID        string
	SampleType string
	Values     map[string]string
}

// Table is a decoded upload.
type Table struct {
	Columns []string
	Rows    []Row
}

// AttributeColumns lists the columns that carry attribute values.
func (t Table) AttributeColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c == UIDColumn || c == SampleTypeColumn {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SampleTypes lists the distinct sample types in row order.
func (t Table) SampleTypes() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range t.Rows {
		if _, ok := seen[r.SampleType]; ok {
			continue
		}
		seen[r.SampleType] = struct{}{}
		out = append(out, r.SampleType)
	}
	return out
}

// SampleTypeOf takes the segment before the first "-" of a UID.
func SampleTypeOf(uid string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(uid), "-")
	return head
}

// DecodeCSV decodes a base64 CSV payload. The UID column is required.
func DecodeCSV(payload string) (Table, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Table{}, fmt.Errorf("decode base64 payload: %w", err)
	}
	return ParseCSV(bytes.NewReader(raw))
}

// ParseCSV reads a CSV table from r.
func ParseCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return Table{}, fmt.Errorf("read csv header: %w", err)
	}
	cols := make([]string, len(header))
	uidIdx := -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		cols[i] = h
		if h == UIDColumn {
			uidIdx = i
		}
	}
	if uidIdx < 0 {
		return Table{}, ErrNoUIDColumn
	}

	t := Table{Columns: cols}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read csv row %d: %w", len(t.Rows)+1, err)
		}
		if uidIdx >= len(rec) || strings.TrimSpace(rec[uidIdx]) == "" {
			continue
		}
		row := Row{Values: make(map[string]string, len(cols))}
		for i, c := range cols {
			if i < len(rec) {
				row.Values[c] = strings.TrimSpace(rec[i])
			}
		}
		row.UID = row.Values[UIDColumn]
		row.SampleType = SampleTypeOf(row.UID)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Matrix scores every input attribute column against each sample type's
// legal attributes: 1 when legal, 0 otherwise.
type Matrix map[string]map[string]int

// BuildMatrix is pure: the same inputs always give the same matrix.
func BuildMatrix(columns, sampleTypes []string, legal map[string]map[string]struct{}) Matrix {
	m := make(Matrix, len(sampleTypes))
	for _, st := range sampleTypes {
		row := make(map[string]int, len(columns))
		allowed := legal[st]
		for _, c := range columns {
			if _, ok := allowed[c]; ok {
				row[c] = 1
			} else {
				row[c] = 0
			}
		}
		m[st] = row
	}
	return m
}

// Rejected returns, for every sample type with at least one 0, the columns
// that scored 0. Keys and columns are sorted.
func (m Matrix) Rejected() map[string][]string {
	out := map[string][]string{}
	for st, row := range m {
		for c, v := range row {
			if v == 0 {
				out[st] = append(out[st], c)
			}
		}
		if cols, ok := out[st]; ok {
			sort.Strings(cols)
		}
	}
	return out
}

// Filter drops every row of a rejected sample type and explains why.
func Filter(rows []Row, m Matrix) (kept []Row, reasons []string) {
	rejected := m.Rejected()
	types := make([]string, 0, len(rejected))
	for st := range rejected {
		types = append(types, st)
	}
	sort.Strings(types)
	for _, st := range types {
		for _, c := range rejected[st] {
			reasons = append(reasons, fmt.Sprintf("Sample Type %s removed because of 0 in attribute %s", st, c))
		}
	}
	for _, r := range rows {
		if _, drop := rejected[r.SampleType]; !drop {
			kept = append(kept, r)
		}
	}
	return kept, reasons
}

// Run executes the pipeline on file. It never returns an error: every
// failure is reported inside the UpdateInfo with Success false.
func (p *Pipeline) Run(ctx context.Context, file *model.FileData) (info model.UpdateInfo) {
	start := p.now()
	run := newRunLog(uuid.NewString())
	info.Success = true
	missing := 0

	defer func() {
		if r := recover(); r != nil {
			info.Success = false
			info.Errors = append(info.Errors, fmt.Sprintf("update pipeline panic: %v", r))
			run.log.Error().Msgf("pipeline aborted: %v", r)
		}
		info.Errors = capErrors(info.Errors, MaxReportedErrors)
		info.Logs = run.lines()
		info.Stats.MissingAttributes = missing
		info.Stats.ExecutionTime = p.now().Sub(start).Seconds()
		p.metrics.ObservePipeline(info.Success, info.Stats.TotalRecordsProcessed,
			info.Stats.RecordsUpdated, missing, p.now().Sub(start))
	}()

	fail := func(err error) model.UpdateInfo {
		info.Success = false
		info.Errors = append(info.Errors, err.Error())
		run.log.Error().Err(err).Msg("pipeline failed")
		return info
	}

	if file == nil || file.Content == "" {
		return fail(ErrNoFile)
	}

	catalog, err := p.store.AttributeCatalog(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("fetch attribute catalog: %w", err))
	}
	run.log.Info().Msgf("Fetched attribute catalog for %d sample types", len(catalog))

	table, err := DecodeCSV(file.Content)
	if err != nil {
		return fail(err)
	}
	info.Stats.TotalRecordsProcessed = len(table.Rows)
	run.log.Info().Msgf("Decoded %d rows with columns %s", len(table.Rows), strings.Join(table.Columns, ", "))

	columns := table.AttributeColumns()
	matrix := BuildMatrix(columns, table.SampleTypes(), catalog.Legal())
	kept, reasons := Filter(table.Rows, matrix)
	for _, r := range reasons {
		run.log.Warn().Msg(r)
	}
	info.Errors = append(info.Errors, reasons...)
	run.log.Info().Msgf("%d of %d rows passed attribute validation", len(kept), len(table.Rows))
	if len(kept) == 0 {
		run.log.Info().Msg("Nothing to update")
		return info
	}

	uids := make([]string, 0, len(kept))
	for _, r := range kept {
		uids = append(uids, r.UID)
	}
	current := make(map[string]map[string]any, len(uids))
	for i, batch := range metadata.Chunk(uids, p.batchSize) {
		rows, err := p.store.FetchMetadata(ctx, batch)
		if err != nil {
			return fail(fmt.Errorf("fetch metadata batch %d: %w", i+1, err))
		}
		for _, uid := range batch {
			raw, ok := rows[uid]
			if !ok {
				msg := fmt.Sprintf("Sample UUID '%s' not found in database", uid)
				run.log.Warn().Msg(msg)
				info.Errors = append(info.Errors, msg)
				continue
			}
			meta, err := decodeMetadata(raw)
			if err != nil || meta == nil {
				msg := fmt.Sprintf("Sample UUID '%s' has unreadable metadata", uid)
				run.log.Warn().Msg(msg)
				info.Errors = append(info.Errors, msg)
				continue
			}
			current[uid] = meta
		}
	}
	run.log.Info().Msgf("Fetched metadata for %d of %d samples", len(current), len(uids))

	type pending struct {
		uid  string
		json string
	}
	var writes []pending
	for _, r := range kept {
		meta, ok := current[r.UID]
		if !ok {
			continue
		}
		changed := false
		for _, c := range columns {
			v, present := r.Values[c]
			if !present {
				continue
			}
			if _, exists := meta[c]; !exists {
				missing++
				info.Errors = append(info.Errors,
					fmt.Sprintf("Attribute '%s' doesn't exist for sample UUID '%s'", c, r.UID))
				continue
			}
			meta[c] = v
			changed = true
		}
		if !changed {
			continue
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return fail(fmt.Errorf("encode metadata of %s: %w", r.UID, err))
		}
		writes = append(writes, pending{uid: r.UID, json: string(b)})
	}
	if missing > 0 {
		run.log.Warn().Msgf("%d attribute values skipped because the sample has no such attribute", missing)
	}

	for i, batch := range metadata.Chunk(writes, p.batchSize) {
		if i > 0 && p.pause > 0 {
			if err := p.sleep(ctx, p.pause); err != nil {
				return fail(fmt.Errorf("write batch %d: %w", i+1, err))
			}
		}
		for _, w := range batch {
			if err := p.store.WriteMetadata(ctx, w.uid, w.json); err != nil {
				return fail(fmt.Errorf("write batch %d aborted at %s: %w", i+1, w.uid, err))
			}
			info.Stats.RecordsUpdated++
		}
		run.log.Info().Msgf("Wrote batch %d (%d records)", i+1, len(batch))
	}
	run.log.Info().Msgf("Updated %d records", info.Stats.RecordsUpdated)
	return info
}

// decodeMetadata keeps numbers as json.Number so untouched values are
// written back exactly as stored.
func decodeMetadata(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var meta map[string]any
	if err := dec.Decode(&meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func capErrors(errs []string, max int) []string {
	if errs == nil {
		return []string{}
	}
	if len(errs) <= max {
		return errs
	}
	out := make([]string, 0, max+1)
	out = append(out, errs[:max]...)
	return append(out, fmt.Sprintf("...and %d more attribute errors", len(errs)-max))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runLog collects the ordered log lines of one run and mirrors them to the
// process logger.
type runLog struct {
	buf *bytes.Buffer
	log zerolog.Logger
}

func newRunLog(runID string) *runLog {
	buf := &bytes.Buffer{}
	w := zerolog.ConsoleWriter{
		Out:          buf,
		NoColor:      true,
		PartsExclude: []string{zerolog.TimestampFieldName},
	}
	tee := zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
		l := logx.Logger()
		l.WithLevel(level).Str("component", "update_pipeline").Str("run_id", runID).Msg(msg)
	})
	return &runLog{buf: buf, log: zerolog.New(w).Hook(tee)}
}

func (r *runLog) lines() []string {
	out := []string{}
	for _, l := range strings.Split(r.buf.String(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
