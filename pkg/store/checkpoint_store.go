package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// CheckpointStore persists the append-only resume log. Writes are idempotent
// on (job_id, phase_tag): re-running a phase after a crash lands on the same
// row instead of duplicating it.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a checkpoint store over the shared pool.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save records a checkpoint. A duplicate phase tag is silently ignored, which
// makes resume-then-recheckpoint safe.
func (s *CheckpointStore) Save(ctx context.Context, jobID uuid.UUID, phaseTag string, state, manuscript json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (job_id, phase_tag, state, manuscript)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT checkpoints_job_phase_unique DO NOTHING`,
		jobID, phaseTag, state, manuscript)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", phaseTag, err)
	}
	return nil
}

// Latest returns the most recent checkpoint for a job, or ErrNotFound when
// the job has never checkpointed.
func (s *CheckpointStore) Latest(ctx context.Context, jobID uuid.UUID) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, phase_tag, state, manuscript, created_at
		FROM checkpoints
		WHERE job_id = $1
		ORDER BY id DESC
		LIMIT 1`, jobID)

	var cp models.Checkpoint
	err := row.Scan(&cp.ID, &cp.JobID, &cp.PhaseTag, &cp.State, &cp.Manuscript, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return &cp, nil
}

// PruneTerminal deletes checkpoints belonging to jobs that reached a terminal
// status before the cutoff. Checkpoints only exist to resume interrupted jobs;
// once a job is finished they are dead weight.
func (s *CheckpointStore) PruneTerminal(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		USING jobs
		WHERE jobs.id = checkpoints.job_id
		  AND jobs.status IN ('completed', 'failed', 'cancelled')
		  AND jobs.completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of checkpoints recorded for a job.
func (s *CheckpointStore) Count(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}
