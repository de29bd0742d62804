// Package config loads the service configuration from environment variables,
// applying built-in defaults for everything not explicitly set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Queue     *QueueConfig
	Engine    *EngineConfig
	LLM       *LLMConfig
	Retention *RetentionConfig

	// HTTPPort serves the health and job endpoints.
	HTTPPort int
}

// Load reads configuration from the environment on top of the defaults.
// Callers run godotenv first so a local .env file participates.
func Load() (*Config, error) {
	cfg := &Config{
		Queue:     DefaultQueueConfig(),
		Engine:    DefaultEngineConfig(),
		LLM:       DefaultLLMConfig(),
		Retention: DefaultRetentionConfig(),
		HTTPPort:  8080,
	}

	var err error
	set := func(f func() error) {
		if err == nil {
			err = f()
		}
	}

	set(envInt("HTTP_PORT", &cfg.HTTPPort))
	set(envInt("WORKER_CONCURRENCY", &cfg.Queue.WorkerCount))
	set(envInt("MAX_CONCURRENT_JOBS", &cfg.Queue.MaxConcurrentJobs))
	set(envInt("MAX_JOB_REQUEUES", &cfg.Queue.MaxRequeues))
	set(envDurationMS("JOB_WALL_CLOCK_CEILING_MS", &cfg.Queue.JobTimeout))
	set(envDurationMS("DRAFT_JOB_WALL_CLOCK_CEILING_MS", &cfg.Queue.DraftJobTimeout))
	set(envDurationMS("JOB_POLL_INTERVAL_MS", &cfg.Queue.PollInterval))
	set(envDurationMS("HEARTBEAT_INTERVAL_MS", &cfg.Queue.HeartbeatInterval))
	set(envDurationMS("ORPHAN_DETECTION_INTERVAL_MS", &cfg.Queue.OrphanDetectionInterval))
	set(envDurationMS("ORPHAN_THRESHOLD_MS", &cfg.Queue.OrphanThreshold))

	set(envInt("MAX_SCENE_REGENERATIONS", &cfg.Engine.MaxSceneRegenerations))
	set(envInt("FINGERPRINT_WINDOW_SIZE", &cfg.Engine.FingerprintWindow))
	set(envFloat("REPETITION_SIMILARITY_THRESHOLD", &cfg.Engine.SimilarityThreshold))
	set(envInt("CHAPTER_ROLL_THRESHOLD", &cfg.Engine.ChapterRollThreshold))
	set(envFloat("SCENE_WORD_TOLERANCE", &cfg.Engine.SceneWordTolerance))

	set(envDurationMS("CHECKPOINT_TTL_MS", &cfg.Retention.CheckpointTTL))
	set(envInt("DEAD_JOB_RETENTION_DAYS", &cfg.Retention.DeadJobRetentionDays))
	set(envDurationMS("CLEANUP_INTERVAL_MS", &cfg.Retention.CleanupInterval))

	set(envString("LLM_PROVIDER_URL", &cfg.LLM.ProviderURL))
	set(envString("LLM_API_KEY", &cfg.LLM.APIKey))
	set(envString("LLM_MODEL", &cfg.LLM.Model))
	set(envInt("LLM_REQUESTS_PER_MINUTE", &cfg.LLM.RequestsPerMinute))
	set(envInt("LLM_MAX_ATTEMPTS", &cfg.LLM.MaxAttempts))

	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.LLM.ProviderURL == "" {
		return fmt.Errorf("LLM_PROVIDER_URL is required")
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Engine.SimilarityThreshold <= 0 || c.Engine.SimilarityThreshold > 1 {
		return fmt.Errorf("REPETITION_SIMILARITY_THRESHOLD must be in (0,1]")
	}
	if c.Engine.FingerprintWindow < 1 {
		return fmt.Errorf("FINGERPRINT_WINDOW_SIZE must be at least 1")
	}
	return nil
}

func envString(key string, dst *string) func() error {
	return func() error {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
		return nil
	}
}

func envInt(key string, dst *int) func() error {
	return func() error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
}

func envFloat(key string, dst *float64) func() error {
	return func() error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
		return nil
	}
}

func envDurationMS(key string, dst *time.Duration) func() error {
	return func() error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
}
