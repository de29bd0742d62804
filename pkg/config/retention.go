package config

import "time"

// RetentionConfig controls the background data-retention sweeps.
type RetentionConfig struct {
	// CheckpointTTL is how long checkpoints of finished jobs are kept. They
	// only exist to resume interrupted jobs, so the window is short.
	CheckpointTTL time.Duration

	// DeadJobRetentionDays is how long failed and cancelled job rows are kept
	// for post-mortem inspection before deletion. Completed jobs are never
	// pruned; their manuscripts are the product.
	DeadJobRetentionDays int

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CheckpointTTL:        24 * time.Hour,
		DeadJobRetentionDays: 30,
		CleanupInterval:      1 * time.Hour,
	}
}
