// Package queue provides job queue management and processing infrastructure.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no queued jobs are waiting.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates the global concurrent job limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// JobExecutor is the interface for job processing.
//
// The executor owns the entire generation pipeline internally and writes
// checkpoints progressively during execution. The worker only handles:
// claiming, heartbeat, timeout/cancellation mapping, and the terminal status
// update.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job) *ExecutionResult
}

// ExecutionResult is just the terminal state; all intermediate state was
// already checkpointed by the executor during processing.
type ExecutionResult struct {
	Status models.JobStatus // completed, failed, cancelled
	Error  error            // error details (if failed)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveJobs       int            `json:"active_jobs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRequeued  int            `json:"orphans_requeued"`
	OrphansAbandoned int            `json:"orphans_abandoned"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
