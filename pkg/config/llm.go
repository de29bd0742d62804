package config

import "time"

// LLMConfig contains provider connection settings.
type LLMConfig struct {
	// ProviderURL is the base URL of the OpenAI-compatible endpoint.
	ProviderURL string

	// APIKey authenticates against the provider. Never logged.
	APIKey string

	// Model is the model identifier sent with every request.
	Model string

	// RequestsPerMinute caps request issuance across all concurrent jobs.
	RequestsPerMinute int

	// MaxAttempts is the per-call transient retry cap.
	MaxAttempts int

	// RequestTimeout is the per-call deadline.
	RequestTimeout time.Duration
}

// DefaultLLMConfig returns the built-in provider defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:             "gpt-4o",
		RequestsPerMinute: 60,
		MaxAttempts:       4,
		RequestTimeout:    120 * time.Second,
	}
}
