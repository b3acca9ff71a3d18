package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
)

// PutSampleType creates or replaces a sample type and its legal attributes.
func (s *Store) PutSampleType(ctx context.Context, title, description string, attributes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapStore(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sample_types (title, description) VALUES (?, ?)
		 ON CONFLICT(title) DO UPDATE SET description = excluded.description`,
		title, description); err != nil {
		return errx.WrapStore(err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM sample_types WHERE title = ?`, title).Scan(&id); err != nil {
		return errx.WrapStore(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sample_attributes WHERE sample_type_id = ?`, id); err != nil {
		return errx.WrapStore(err)
	}
	for _, a := range attributes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sample_attributes (title, sample_type_id) VALUES (?, ?)`, a, id); err != nil {
			return errx.WrapStore(err)
		}
	}
	return errx.WrapStore(tx.Commit())
}

// PutSample creates or replaces a sample row.
func (s *Store) PutSample(ctx context.Context, uid, sampleType string, metadata map[string]any) error {
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata of %s: %w", uid, err)
	}
	var typeID sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM sample_types WHERE title = ?`, sampleType).Scan(&typeID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errx.WrapStore(err)
	}
	title := model.MetadataRecord(metadata).Name()
	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO samples (title, sample_type_id, uuid, json_metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET
		   title = excluded.title,
		   sample_type_id = excluded.sample_type_id,
		   json_metadata = excluded.json_metadata,
		   updated_at = excluded.updated_at`,
		title, typeID, uid, string(b), now, now)
	return errx.WrapStore(err)
}

// PutTree stores the descendant tree rooted at root.
func (s *Store) PutTree(ctx context.Context, root TreeNode) error {
	b, err := json.Marshal([]TreeNode{root})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sample_tree (uuid, tree_json) VALUES (?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET tree_json = excluded.tree_json`,
		root.ID, string(b))
	return errx.WrapStore(err)
}

// Fixture is the on-disk seed format used by the import command.
type Fixture struct {
	SampleTypes []model.SampleTypeAttributes `json:"sample_types"`
	Samples     []struct {
		UID        string         `json:"uid"`
		SampleType string         `json:"sampletype"`
		Metadata   map[string]any `json:"metadata"`
	} `json:"samples"`
	Trees []TreeNode `json:"trees"`
}

// ImportFile loads a JSON fixture into the store.
func (s *Store) ImportFile(ctx context.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f Fixture
	if err := json.Unmarshal(b, &f); err != nil {
		return 0, fmt.Errorf("decode fixture: %w", err)
	}
	return s.Import(ctx, f)
}

// Import loads f and returns the number of samples written.
func (s *Store) Import(ctx context.Context, f Fixture) (int, error) {
	for _, st := range f.SampleTypes {
		if err := s.PutSampleType(ctx, st.SampleType, st.Description, st.Attributes); err != nil {
			return 0, err
		}
	}
	for i, smp := range f.Samples {
		if err := s.PutSample(ctx, smp.UID, smp.SampleType, smp.Metadata); err != nil {
			return i, err
		}
	}
	for _, t := range f.Trees {
		if err := s.PutTree(ctx, t); err != nil {
			return len(f.Samples), err
		}
	}
	s.InvalidateSchema()
	return len(f.Samples), nil
}
