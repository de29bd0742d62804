package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// ManuscriptStore persists final manuscripts with exactly-once semantics: a
// job's output row is written once and never overwritten.
type ManuscriptStore struct {
	db *sql.DB
}

// NewManuscriptStore creates a manuscript store over the shared pool.
func NewManuscriptStore(db *sql.DB) *ManuscriptStore {
	return &ManuscriptStore{db: db}
}

// Save writes the completed manuscript. Returns ErrAlreadyExists when the job
// already has output, so a resumed worker cannot double-publish.
func (s *ManuscriptStore) Save(ctx context.Context, rec *models.ManuscriptRecord) error {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}
	if rec.Warnings == nil {
		warnings = []byte("[]")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO manuscripts (job_id, title, blurb, content, word_count, warnings)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO NOTHING`,
		rec.JobID, rec.Title, rec.Blurb, rec.Content, rec.WordCount, warnings)
	if err != nil {
		return fmt.Errorf("failed to save manuscript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get fetches the manuscript for a completed job.
func (s *ManuscriptStore) Get(ctx context.Context, jobID uuid.UUID) (*models.ManuscriptRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, title, blurb, content, word_count, warnings, created_at
		FROM manuscripts
		WHERE job_id = $1`, jobID)

	var (
		rec      models.ManuscriptRecord
		warnings []byte
	)
	err := row.Scan(&rec.JobID, &rec.Title, &rec.Blurb, &rec.Content, &rec.WordCount, &warnings, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manuscript: %w", err)
	}
	if err := json.Unmarshal(warnings, &rec.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode warnings: %w", err)
	}
	return &rec, nil
}
