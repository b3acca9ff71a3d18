package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

// ErrSampleNotFound is returned by writes that target an unknown UID.
var ErrSampleNotFound = errors.New("sample not found")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const ddl = `
CREATE TABLE IF NOT EXISTS sample_types (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	title       TEXT NOT NULL UNIQUE,
	description TEXT
);
CREATE TABLE IF NOT EXISTS sample_attributes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	title          TEXT NOT NULL,
	sample_type_id INTEGER NOT NULL REFERENCES sample_types(id)
);
CREATE TABLE IF NOT EXISTS samples (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	title          TEXT,
	sample_type_id INTEGER REFERENCES sample_types(id),
	uuid           TEXT NOT NULL UNIQUE,
	json_metadata  JSON,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sample_tree (
	uuid      TEXT PRIMARY KEY,
	tree_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sample_attributes_type ON sample_attributes(sample_type_id);
`

// Store is the metadata store: samples with schemaless JSON metadata, their
// descendant trees and the per sample type attribute catalog.
type Store struct {
	db     *sql.DB
	cfg    model.MetadataConfig
	schema *schemaCache
	now    func() time.Time
}

// NewStore wraps db. Zero config values fall back to the defaults.
func NewStore(db *sql.DB, cfg model.MetadataConfig) *Store {
	def := model.DefaultMetadataConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SchemaTTL <= 0 {
		cfg.SchemaTTL = def.SchemaTTL
	}
	if cfg.JSONKeySampleSize <= 0 {
		cfg.JSONKeySampleSize = def.JSONKeySampleSize
	}
	if len(cfg.SchemaTables) == 0 {
		cfg.SchemaTables = def.SchemaTables
	}
	s := &Store{db: db, cfg: cfg, now: time.Now}
	s.schema = newSchemaCache(cfg.SchemaTTL, func() time.Time { return s.now() })
	return s
}

func (s *Store) Config() model.MetadataConfig {
	return s.cfg
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			logx.Error().Err(err).Msg("failed to migrate metadata store")
			return errx.WrapStore(err)
		}
	}
	return nil
}

// Sample returns the metadata record of uid, or nil when it does not exist.
func (s *Store) Sample(ctx context.Context, uid string) (model.MetadataRecord, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT json_metadata FROM samples WHERE uuid = ?`, uid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logx.Error().Err(err).Str("uid", uid).Msg("failed to fetch sample")
		return nil, errx.WrapStore(err)
	}
	return decodeRecord(uid, raw)
}

// SamplesByUIDs fetches records for uids in batches of the configured size.
// UIDs absent from the store are skipped.
func (s *Store) SamplesByUIDs(ctx context.Context, uids []string) (model.SampleMetadata, error) {
	out := make(model.SampleMetadata, 0, len(uids))
	for _, batch := range Chunk(uids, s.cfg.BatchSize) {
		rows, err := s.FetchMetadata(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, uid := range batch {
			raw, ok := rows[uid]
			if !ok {
				continue
			}
			rec, err := decodeRecord(uid, sql.NullString{String: raw, Valid: true})
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// FetchMetadata returns the raw JSON metadata of every uid found, in a single
// query. Callers batch.
func (s *Store) FetchMetadata(ctx context.Context, uids []string) (map[string]string, error) {
	out := make(map[string]string, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	q := `SELECT uuid, COALESCE(json_metadata, '{}') FROM samples WHERE uuid IN (` + placeholders(len(uids)) + `)`
	rows, err := s.db.QueryContext(ctx, q, toArgs(uids)...)
	if err != nil {
		logx.Error().Err(err).Int("uids", len(uids)).Msg("failed to fetch metadata batch")
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid, raw string
		if err := rows.Scan(&uid, &raw); err != nil {
			return nil, errx.WrapStore(err)
		}
		out[uid] = raw
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapStore(err)
	}
	return out, nil
}

// WriteMetadata replaces the JSON metadata of one sample.
func (s *Store) WriteMetadata(ctx context.Context, uid, metadata string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE samples SET json_metadata = ?, updated_at = ? WHERE uuid = ?`,
		metadata, s.now().UTC(), uid)
	if err != nil {
		logx.Error().Err(err).Str("uid", uid).Msg("failed to write metadata")
		return errx.WrapStore(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrSampleNotFound, uid)
	}
	return nil
}

// TreeNode is one node of a stored sample tree.
type TreeNode struct {
	ID       string     `json:"id"`
	Children []TreeNode `json:"children,omitempty"`
}

func (s *Store) tree(ctx context.Context, uid string) (*TreeNode, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT tree_json FROM sample_tree WHERE uuid = ?`, uid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logx.Error().Err(err).Str("uid", uid).Msg("failed to fetch sample tree")
		return nil, errx.WrapStore(err)
	}
	var nodes []TreeNode
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		return nil, fmt.Errorf("decode sample tree %s: %w", uid, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

// Children lists the direct children of uid.
func (s *Store) Children(ctx context.Context, uid string) ([]string, error) {
	root, err := s.tree(ctx, uid)
	if err != nil || root == nil {
		return []string{}, err
	}
	out := make([]string, 0, len(root.Children))
	for _, c := range root.Children {
		out = append(out, c.ID)
	}
	return out, nil
}

// Descendants lists every descendant of uid depth-first. A non-empty filter
// keeps only ids starting with one of its prefixes.
func (s *Store) Descendants(ctx context.Context, uid string, filter []string) ([]string, error) {
	root, err := s.tree(ctx, uid)
	if err != nil || root == nil {
		return []string{}, err
	}
	var all []string
	var walk func(n TreeNode)
	walk = func(n TreeNode) {
		for _, c := range n.Children {
			all = append(all, c.ID)
			walk(c)
		}
	}
	walk(*root)
	return FilterPrefixes(all, filter), nil
}

// FilterPrefixes keeps ids starting with any of prefixes; empty prefixes keep all.
func FilterPrefixes(ids []string, prefixes []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if len(prefixes) == 0 {
			out = append(out, id)
			continue
		}
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(id, p) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// UIDsByTerms returns the UIDs whose metadata field i equals terms[i] for
// every pair. Mismatched or empty inputs yield an empty list.
func (s *Store) UIDsByTerms(ctx context.Context, fields, terms []string) ([]string, error) {
	if len(terms) == 0 || len(fields) != len(terms) {
		return []string{}, nil
	}
	conds := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)*2)
	for i, f := range fields {
		conds = append(conds, `json_extract(json_metadata, ?) = ?`)
		args = append(args, JSONPath(f), terms[i])
	}
	q := `SELECT uuid FROM samples WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY uuid`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		logx.Error().Err(err).Strs("fields", fields).Msg("failed to search samples by terms")
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, errx.WrapStore(err)
		}
		out = append(out, uid)
	}
	return out, errx.WrapStore(rows.Err())
}

// JSONPath turns an attribute name into a json_extract path, upper-casing
// its first letter.
func JSONPath(field string) string {
	field = strings.TrimSpace(field)
	if field == "" {
		return "$"
	}
	r, size := utf8.DecodeRuneInString(field)
	return "$." + string(unicode.ToUpper(r)) + field[size:]
}

// AttributeCatalog lists legal attributes per sample type. A non-empty
// sampleTypes restricts the result to those titles.
func (s *Store) AttributeCatalog(ctx context.Context, sampleTypes []string) (model.AttributeCatalog, error) {
	q := `SELECT st.title, COALESCE(st.description, ''), sa.title
		FROM sample_types st
		LEFT JOIN sample_attributes sa ON sa.sample_type_id = st.id`
	var args []any
	if len(sampleTypes) > 0 {
		q += ` WHERE st.title IN (` + placeholders(len(sampleTypes)) + `)`
		args = toArgs(sampleTypes)
	}
	q += ` ORDER BY st.title, sa.id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		logx.Error().Err(err).Msg("failed to fetch attribute catalog")
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()

	out := model.AttributeCatalog{}
	index := map[string]int{}
	for rows.Next() {
		var title, desc string
		var attr sql.NullString
		if err := rows.Scan(&title, &desc, &attr); err != nil {
			return nil, errx.WrapStore(err)
		}
		i, ok := index[title]
		if !ok {
			i = len(out)
			index[title] = i
			out = append(out, model.SampleTypeAttributes{SampleType: title, Description: desc, Attributes: []string{}})
		}
		if attr.Valid {
			out[i].Attributes = append(out[i].Attributes, attr.String)
		}
	}
	return out, errx.WrapStore(rows.Err())
}

// Schema returns column descriptors for tables, served from the single-slot
// cache while it is fresh. An empty list means the configured tables.
func (s *Store) Schema(ctx context.Context, tables []string) ([]model.Table, error) {
	if len(tables) == 0 {
		tables = s.cfg.SchemaTables
	}
	key := strings.Join(tables, ",")
	if cached, ok := s.schema.get(key); ok {
		return cached, nil
	}
	out := make([]model.Table, 0, len(tables))
	for _, t := range tables {
		tbl, err := s.describe(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, tbl)
	}
	s.schema.put(key, out)
	logx.Debug().Str("tables", key).Msg("schema cache refreshed")
	return out, nil
}

func (s *Store) describe(ctx context.Context, table string) (model.Table, error) {
	if !identRe.MatchString(table) {
		return model.Table{}, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return model.Table{}, errx.WrapStore(err)
	}
	var cols []model.Column
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return model.Table{}, errx.WrapStore(err)
		}
		cols = append(cols, model.Column{Name: name, Type: typ, Nullable: notNull == 0, Default: dflt.String})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.Table{}, errx.WrapStore(err)
	}

	for i, c := range cols {
		if !isJSONColumn(c) {
			continue
		}
		keys, err := s.jsonKeys(ctx, table, c.Name)
		if err != nil {
			return model.Table{}, err
		}
		cols[i].JSONKeys = keys
	}
	return model.Table{Name: table, Columns: cols}, nil
}

func isJSONColumn(c model.Column) bool {
	return strings.EqualFold(c.Type, "JSON") || strings.HasSuffix(c.Name, "json_metadata")
}

// jsonKeys samples up to JSONKeySampleSize rows; the result is not exhaustive.
func (s *Store) jsonKeys(ctx context.Context, table, column string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+` FROM `+table+` WHERE `+column+` IS NOT NULL LIMIT ?`, s.cfg.JSONKeySampleSize)
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	defer rows.Close()
	seen := map[string]struct{}{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errx.WrapStore(err)
		}
		var m map[string]any
		if json.Unmarshal([]byte(raw), &m) != nil {
			continue
		}
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, errx.WrapStore(rows.Err())
}

func decodeRecord(uid string, raw sql.NullString) (model.MetadataRecord, error) {
	rec := model.MetadataRecord{}
	if raw.Valid && strings.TrimSpace(raw.String) != "" {
		if err := json.Unmarshal([]byte(raw.String), &rec); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", uid, err)
		}
	}
	if rec.UID() == "" {
		rec["UID"] = uid
	}
	return rec, nil
}

// Chunk splits items into consecutive batches of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(items []string) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}
