package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER_URL", "https://api.example.com/v1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 1, cfg.Queue.WorkerCount)
	assert.Equal(t, 4, cfg.Queue.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Queue.MaxRequeues)
	assert.Equal(t, 2*time.Hour, cfg.Queue.JobTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Queue.DraftJobTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxSceneRegenerations)
	assert.Equal(t, 20, cfg.Engine.FingerprintWindow)
	assert.Equal(t, 0.7, cfg.Engine.SimilarityThreshold)
	assert.Equal(t, 3500, cfg.Engine.ChapterRollThreshold)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 60, cfg.LLM.RequestsPerMinute)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER_URL", "https://api.example.com/v1")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("JOB_WALL_CLOCK_CEILING_MS", "600000")
	t.Setenv("REPETITION_SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("LLM_MODEL", "test-model")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 8, cfg.Queue.WorkerCount)
	assert.Equal(t, 10*time.Minute, cfg.Queue.JobTimeout)
	assert.Equal(t, 0.85, cfg.Engine.SimilarityThreshold)
	assert.Equal(t, "test-model", cfg.LLM.Model)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("LLM_PROVIDER_URL", "https://api.example.com/v1")
	t.Setenv("WORKER_CONCURRENCY", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Queue:    DefaultQueueConfig(),
			Engine:   DefaultEngineConfig(),
			LLM:      DefaultLLMConfig(),
			HTTPPort: 8080,
		}
	}

	t.Run("missing provider url", func(t *testing.T) {
		cfg := base()
		cfg.LLM.ProviderURL = ""
		assert.ErrorContains(t, cfg.Validate(), "LLM_PROVIDER_URL")
	})

	t.Run("zero workers", func(t *testing.T) {
		cfg := base()
		cfg.LLM.ProviderURL = "https://api.example.com/v1"
		cfg.Queue.WorkerCount = 0
		assert.ErrorContains(t, cfg.Validate(), "WORKER_CONCURRENCY")
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := base()
		cfg.LLM.ProviderURL = "https://api.example.com/v1"
		cfg.Engine.SimilarityThreshold = 1.5
		assert.ErrorContains(t, cfg.Validate(), "REPETITION_SIMILARITY_THRESHOLD")
	})

	t.Run("window too small", func(t *testing.T) {
		cfg := base()
		cfg.LLM.ProviderURL = "https://api.example.com/v1"
		cfg.Engine.FingerprintWindow = 0
		assert.ErrorContains(t, cfg.Validate(), "FINGERPRINT_WINDOW_SIZE")
	})
}
