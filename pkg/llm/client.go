// Package llm is the only code that talks to the LLM provider. It exposes a
// two-call contract — structured text and schema-conforming JSON — and hides
// retries, rate limiting, and the provider wire format behind it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/chroniclehq/chronicle/pkg/version"
)

// Request carries one generation call. ContextTag identifies the calling
// agent and scene for logs; it never reaches the provider.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	ContextTag   string
}

// Usage reports token consumption for a call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Completion is the result of a text generation call.
type Completion struct {
	Content string
	Usage   Usage
}

// Client is the generation contract the agents are built on. Implementations
// must be safe for concurrent use.
type Client interface {
	// GenerateText produces free-form prose.
	GenerateText(ctx context.Context, req Request) (*Completion, error)

	// GenerateJSON produces output decoded into out, which must be a pointer
	// to a struct. Struct validation tags are enforced at this boundary; a
	// response that fails to decode or validate gets one repair retry before
	// surfacing as a SchemaError.
	GenerateJSON(ctx context.Context, req Request, out any) (*Usage, error)
}

// Config tunes the HTTP client.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	MaxAttempts       int           // transient retry cap, attempts total
	RequestTimeout    time.Duration // per-call deadline
	RequestsPerMinute int           // leaky-bucket issuance limit; 0 disables
}

// DefaultConfig returns the built-in client defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		RequestTimeout:    120 * time.Second,
		RequestsPerMinute: 60,
	}
}

// HTTPClient talks to an OpenAI-compatible chat completion endpoint.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	validate   *validator.Validate
}

// NewHTTPClient creates a provider client. The limiter and validator are
// shared across calls; both are concurrency-safe.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute/6+1)
	}
	return &HTTPClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		limiter:  limiter,
		validate: validator.New(),
	}
}

// GenerateText implements Client.
func (c *HTTPClient) GenerateText(ctx context.Context, req Request) (*Completion, error) {
	return c.generate(ctx, req, false)
}

// GenerateJSON implements Client.
func (c *HTTPClient) GenerateJSON(ctx context.Context, req Request, out any) (*Usage, error) {
	completion, err := c.generate(ctx, req, true)
	if err != nil {
		return nil, err
	}

	if decodeErr := c.decodeInto(completion.Content, out); decodeErr != nil {
		// One in-place repair retry with the decode failure as a hint.
		slog.Warn("LLM output failed schema validation, retrying with repair hint",
			"context_tag", req.ContextTag, "error", decodeErr)

		repair := req
		repair.UserPrompt = fmt.Sprintf(
			"%s\n\nYour previous response could not be parsed: %v\nPrevious response:\n%s\nRespond again with only a valid JSON object.",
			req.UserPrompt, decodeErr, truncate(completion.Content, 2000))

		retried, retryErr := c.generate(ctx, repair, true)
		if retryErr != nil {
			return nil, retryErr
		}
		if decodeErr = c.decodeInto(retried.Content, out); decodeErr != nil {
			return nil, &SchemaError{Err: decodeErr, Raw: retried.Content}
		}
		usage := addUsage(completion.Usage, retried.Usage)
		return &usage, nil
	}

	usage := completion.Usage
	return &usage, nil
}

// decodeInto unmarshals content into out and enforces struct validation tags.
func (c *HTTPClient) decodeInto(content string, out any) error {
	cleaned := stripCodeFence(content)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	// validator.Struct only accepts struct targets.
	v := reflect.ValueOf(out)
	if v.Kind() == reflect.Pointer && v.Elem().Kind() == reflect.Struct {
		if err := c.validate.Struct(out); err != nil {
			return fmt.Errorf("schema validation failed: %w", err)
		}
	}
	return nil
}

// generate runs one logical call with rate limiting and transient retries.
func (c *HTTPClient) generate(ctx context.Context, req Request, jsonMode bool) (*Completion, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FatalError{Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	log := slog.With("context_tag", req.ContextTag, "model", c.cfg.Model, "json_mode", jsonMode)

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &FatalError{Err: ctx.Err()}
			}
		}

		start := time.Now()
		completion, err := c.doRequest(ctx, req, jsonMode)
		if err == nil {
			log.Debug("LLM call complete",
				"attempt", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
				"output_tokens", completion.Usage.OutputTokens)
			return completion, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		log.Warn("LLM call failed, will retry", "attempt", attempt, "error", err)
	}

	return nil, &FatalError{Err: fmt.Errorf("llm retries exhausted after %d attempts: %w", c.cfg.MaxAttempts, lastErr)}
}

// chatRequest / chatResponse follow the OpenAI chat completion wire shape.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) doRequest(ctx context.Context, req Request, jsonMode bool) (*Completion, error) {
	system := req.SystemPrompt
	if jsonMode {
		system += "\n\nRespond with a single valid JSON object and nothing else."
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if jsonMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("marshaling request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &FatalError{Err: ctx.Err()}
		}
		return nil, &TransientError{Err: fmt.Errorf("provider request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(string(respBody), 300))}
	default:
		return nil, &FatalError{Err: fmt.Errorf("provider status %d: %s", resp.StatusCode, truncate(string(respBody), 300))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("parsing provider response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &TransientError{Err: fmt.Errorf("provider returned no choices")}
	}

	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// stripCodeFence removes a surrounding markdown fence some models emit even in
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func addUsage(a, b Usage) Usage {
	return Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
	}
}
