package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// JobRegistry is the subset of WorkerPool used by Worker for job registration.
type JobRegistry interface {
	RegisterJob(jobID uuid.UUID, cancel context.CancelFunc)
	UnregisterJob(jobID uuid.UUID)
}

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id       string
	podID    string
	jobs     *store.JobStore
	config   *config.QueueConfig
	executor JobExecutor
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, jobs *store.JobStore, cfg *config.QueueConfig, executor JobExecutor, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		jobs:         jobs,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a job, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	activeCount, err := w.jobs.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking active jobs: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	// 2. Claim next job
	job, err := w.jobs.ClaimNext(ctx, w.id)
	if errors.Is(err, store.ErrNoJobsAvailable) {
		return ErrNoJobsAvailable
	}
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "worker_id", w.id)
	log.Info("Job claimed", "mode", string(job.Mode), "requeue_count", job.RequeueCount)

	w.setStatus(WorkerStatusWorking, job.ID.String())
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create job context with the mode's wall-clock ceiling
	jobCtx, cancelJob := context.WithTimeout(ctx, w.jobTimeout(job))
	defer cancelJob()

	// 4. Register cancel function for API-triggered cancellation
	w.pool.RegisterJob(job.ID, cancelJob)
	defer w.pool.UnregisterJob(job.ID)

	// 5. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	// 6. Execute job
	result := w.executor.Execute(jobCtx, job)

	// 6a. Nil-guard: synthesize a safe result if the executor returned nil
	if result == nil {
		result = &ExecutionResult{
			Status: models.StatusFailed,
			Error:  fmt.Errorf("executor returned nil result"),
		}
	}

	// 7. Stop heartbeat before deciding the outcome.
	cancelHeartbeat()

	// 8. Map context ends to outcomes.
	switch {
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		// The wall-clock ceiling is a hard failure, not a crash.
		result = &ExecutionResult{
			Status: models.StatusFailed,
			Error:  fmt.Errorf("job exceeded wall-clock ceiling %v", w.jobTimeout(job)),
		}
	case ctx.Err() != nil:
		// Shutdown interruption: leave unfinished jobs running so the orphan
		// scan requeues them and another replica resumes from the last
		// checkpoint.
		if result.Status != models.StatusCompleted {
			log.Info("Shutdown during job, leaving for orphan requeue")
			return nil
		}
	case errors.Is(jobCtx.Err(), context.Canceled):
		// API-triggered cancellation through the pool registry.
		result = &ExecutionResult{
			Status: models.StatusCancelled,
			Error:  context.Canceled,
		}
	}

	// 9. Update terminal status (background context — job ctx may be cancelled)
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()

	var errMsg string
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	if err := w.jobs.Finish(writeCtx, job.ID, result.Status, errMsg); err != nil {
		log.Error("Failed to update job terminal status", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete", "status", string(result.Status))
	return nil
}

// jobTimeout returns the wall-clock ceiling for the job's mode.
func (w *Worker) jobTimeout(job *models.Job) time.Duration {
	if job.Mode == models.ModeDraft {
		return w.config.DraftJobTimeout
	}
	return w.config.JobTimeout
}

// runHeartbeat periodically refreshes last_interaction_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID uuid.UUID) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
