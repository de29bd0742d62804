package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatJSON(content string) string {
	msg, _ := json.Marshal(content)
	return fmt.Sprintf(`{
		"choices": [{"message": {"role": "assistant", "content": %s}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 34, "total_tokens": 46}
	}`, msg)
}

func testClient(baseURL string) *HTTPClient {
	return NewHTTPClient(Config{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		Model:             "test-model",
		MaxAttempts:       3,
		RequestTimeout:    5 * time.Second,
		RequestsPerMinute: 0, // disable rate limiting in tests
	})
}

func TestGenerateTextSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Nil(t, req.ResponseFormat)

		fmt.Fprint(w, chatJSON("The rain fell all night."))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	completion, err := c.GenerateText(context.Background(), Request{
		SystemPrompt: "write", UserPrompt: "a scene", MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "The rain fell all night.", completion.Content)
	assert.Equal(t, 34, completion.Usage.OutputTokens)
	assert.Equal(t, 46, completion.Usage.TotalTokens)
}

func TestGenerateTextRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, chatJSON("second try"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	completion, err := c.GenerateText(context.Background(), Request{UserPrompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "second try", completion.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerateTextFatalIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.GenerateText(context.Background(), Request{UserPrompt: "x"})
	require.Error(t, err)

	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateTextExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.GenerateText(context.Background(), Request{UserPrompt: "x"})
	require.Error(t, err)

	var fatal *FatalError
	assert.ErrorAs(t, err, &fatal)
	assert.Equal(t, int32(3), calls.Load(), "all attempts consumed")
}

type briefOut struct {
	POV  string `json:"pov" validate:"required"`
	Goal string `json:"goal" validate:"required"`
}

func TestGenerateJSONDecodesAndValidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		fmt.Fprint(w, chatJSON(`{"pov": "Mara", "goal": "open the vault"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out briefOut
	usage, err := c.GenerateJSON(context.Background(), Request{UserPrompt: "brief"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Mara", out.POV)
	assert.Equal(t, "open the vault", out.Goal)
	assert.Equal(t, 46, usage.TotalTokens)
}

func TestGenerateJSONStripsCodeFence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatJSON("```json\n{\"pov\": \"Mara\", \"goal\": \"escape\"}\n```"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out briefOut
	_, err := c.GenerateJSON(context.Background(), Request{UserPrompt: "brief"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "escape", out.Goal)
}

func TestGenerateJSONRepairRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Missing required field triggers the repair retry.
			fmt.Fprint(w, chatJSON(`{"pov": "Mara"}`))
			return
		}
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Messages[1].Content, "could not be parsed")

		fmt.Fprint(w, chatJSON(`{"pov": "Mara", "goal": "repaired"}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out briefOut
	usage, err := c.GenerateJSON(context.Background(), Request{UserPrompt: "brief"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "repaired", out.Goal)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 92, usage.TotalTokens, "usage sums both calls")
}

func TestGenerateJSONSchemaErrorAfterFailedRepair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatJSON("not json at all"))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out briefOut
	_, err := c.GenerateJSON(context.Background(), Request{UserPrompt: "brief"}, &out)
	require.Error(t, err)
	assert.True(t, IsSchema(err))

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "not json at all", schemaErr.Raw)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}

func TestErrorClassificationHelpers(t *testing.T) {
	transient := &TransientError{Err: fmt.Errorf("boom")}
	wrapped := fmt.Errorf("context: %w", transient)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(fmt.Errorf("plain")))
	assert.False(t, IsSchema(transient))
}
