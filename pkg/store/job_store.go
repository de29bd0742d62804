// Package store implements the persistence layer on raw SQL over the pooled
// PostgreSQL connection: the job queue, the checkpoint log, and the final
// manuscript records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/models"
)

const jobColumns = `id, prompt, genre, target_length_words, mode, status, phase, progress,
	COALESCE(error_message, ''), requeue_count, COALESCE(claimed_by, ''),
	created_at, started_at, last_interaction_at, completed_at`

// JobStore persists generation jobs and implements the queue claim protocol.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a job store over the shared connection pool.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new queued job and returns it.
func (s *JobStore) Create(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ModePolished
	}

	id := uuid.New()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, prompt, genre, target_length_words, mode)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		id, req.Prompt, req.Genre, req.TargetLengthWords, string(mode))

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest queued job for the given worker.
// The FOR UPDATE SKIP LOCKED scan lets concurrent workers claim without
// blocking each other; returns ErrNoJobsAvailable when the queue is empty.
func (s *JobStore) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	// Claims are critical writes: use a background context with timeout so a
	// cancelled poll loop cannot abandon a half-claimed row.
	claimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(claimCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id uuid.UUID
	err = tx.QueryRowContext(claimCtx, `
		SELECT id FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queued job: %w", err)
	}

	row := tx.QueryRowContext(claimCtx, `
		UPDATE jobs
		SET status = 'running',
		    claimed_by = $2,
		    started_at = COALESCE(started_at, now()),
		    last_interaction_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, workerID)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes the claim so the orphan scan leaves the job alone.
func (s *JobStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_interaction_at = now()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress records the current phase and percent complete. Progress is
// monotonic: a stale writer can never move the bar backwards.
func (s *JobStore) UpdateProgress(ctx context.Context, id uuid.UUID, phase string, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET phase = $2, progress = GREATEST(progress, $3), last_interaction_at = now()
		WHERE id = $1 AND status = 'running'`,
		id, phase, progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// Finish writes a terminal status. Callers pass a fresh background-derived
// context so the write survives job cancellation.
func (s *JobStore) Finish(ctx context.Context, id uuid.UUID, status models.JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish called with non-terminal status %q", status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    last_interaction_at = now(),
		    completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// CancelQueued cancels a job that has not been claimed yet. Running jobs are
// cancelled through the worker pool's cancel registry instead.
func (s *JobStore) CancelQueued(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountRunning returns the number of jobs currently claimed across all
// replicas. Used for the global capacity check before claiming.
func (s *JobStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return n, nil
}

// RequeueOrphans returns to the queue every running job whose heartbeat is
// older than threshold, up to maxRequeues attempts per job; beyond that the
// job is marked failed. Returns the ids requeued and the ids failed.
func (s *JobStore) RequeueOrphans(ctx context.Context, threshold time.Duration, maxRequeues int) (requeued, failed []uuid.UUID, err error) {
	cutoff := time.Now().Add(-threshold)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'queued', claimed_by = NULL, requeue_count = requeue_count + 1
		WHERE status = 'running'
		  AND last_interaction_at < $1
		  AND requeue_count < $2
		RETURNING id`, cutoff, maxRequeues)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	requeued, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
		    error_message = 'abandoned after repeated worker crashes',
		    completed_at = now()
		WHERE status = 'running'
		  AND last_interaction_at < $1
		  AND requeue_count >= $2
		RETURNING id`, cutoff, maxRequeues)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fail exhausted orphans: %w", err)
	}
	failed, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	return requeued, failed, nil
}

// PruneDead deletes failed and cancelled jobs that finished before the
// retention window. Completed jobs are kept: their manuscript rows are the
// product. Checkpoints and manuscripts cascade with the job row.
func (s *JobStore) PruneDead(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('failed', 'cancelled')
		  AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dead jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer func() { _ = rows.Close() }()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job    models.Job
		mode   string
		status string
	)
	err := row.Scan(
		&job.ID, &job.Prompt, &job.Genre, &job.TargetLengthWords, &mode,
		&status, &job.Phase, &job.Progress, &job.ErrorMessage,
		&job.RequeueCount, &job.ClaimedBy,
		&job.CreatedAt, &job.StartedAt, &job.LastInteractionAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Mode = models.JobMode(mode)
	job.Status = models.JobStatus(status)
	return &job, nil
}
