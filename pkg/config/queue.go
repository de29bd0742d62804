package config

import "time"

// QueueConfig contains queue and worker pool configuration.
// These values control how jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and processes jobs. One job saturates
	// the LLM rate budget, so the default is a single worker.
	WorkerCount int

	// MaxConcurrentJobs is the global limit of concurrent jobs being
	// processed across ALL replicas. Enforced by a database COUNT(*) check.
	MaxConcurrentJobs int

	// PollInterval is the base interval for checking queued jobs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// JobTimeout is the wall-clock ceiling for a full-pipeline job.
	JobTimeout time.Duration

	// DraftJobTimeout is the wall-clock ceiling for a draft-mode job.
	DraftJobTimeout time.Duration

	// GracefulShutdownTimeout is the max time to wait for active jobs to
	// checkpoint and stop during shutdown.
	GracefulShutdownTimeout time.Duration

	// OrphanDetectionInterval is how often to scan for orphaned jobs.
	OrphanDetectionInterval time.Duration

	// OrphanThreshold is how long a job can go without a heartbeat before it
	// is considered orphaned and returned to the queue.
	OrphanThreshold time.Duration

	// HeartbeatInterval is how often a worker refreshes its claim.
	HeartbeatInterval time.Duration

	// MaxRequeues is how many times an orphaned job is requeued before the
	// orphan scan gives up and fails it.
	MaxRequeues int
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             1,
		MaxConcurrentJobs:       4,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              2 * time.Hour,
		DraftJobTimeout:         30 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		OrphanDetectionInterval: 1 * time.Minute,
		OrphanThreshold:         3 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		MaxRequeues:             3,
	}
}
