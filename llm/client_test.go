package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, handler func(n int64, w http.ResponseWriter, req map[string]any)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		handler(calls.Add(1), w, req)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func apiError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": "test_error"},
	})
}

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BackoffBase: time.Millisecond, BackoffMultiplier: 1.5, MaxBackoff: 5 * time.Millisecond}
}

func TestComplete_Success(t *testing.T) {
	srv, calls := completionServer(t, func(_ int64, w http.ResponseWriter, req map[string]any) {
		assert.Equal(t, "qwen-72b", req["model"])
		reply(w, "a survey")
	})
	c := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "default-model", Retry: fastRetry(3)}, nil)
	out, err := c.Complete(context.Background(), "qwen-72b", "write")
	require.NoError(t, err)
	assert.Equal(t, "a survey", out)
	assert.EqualValues(t, 1, calls.Load())
}

func TestComplete_RetriesTransient(t *testing.T) {
	srv, calls := completionServer(t, func(n int64, w http.ResponseWriter, _ map[string]any) {
		if n < 3 {
			apiError(w, http.StatusServiceUnavailable, "overloaded")
			return
		}
		reply(w, "ok")
	})
	c := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m", Retry: fastRetry(3)}, nil)
	out, err := c.Complete(context.Background(), "", "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 3, calls.Load())
}

func TestComplete_BoundedAttempts(t *testing.T) {
	srv, calls := completionServer(t, func(_ int64, w http.ResponseWriter, _ map[string]any) {
		apiError(w, http.StatusTooManyRequests, "slow down")
	})
	c := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m", Retry: fastRetry(4)}, nil)
	_, err := c.Complete(context.Background(), "", "p")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 4, calls.Load())
}

func TestComplete_FatalNotRetried(t *testing.T) {
	srv, calls := completionServer(t, func(_ int64, w http.ResponseWriter, _ map[string]any) {
		apiError(w, http.StatusBadRequest, "context length exceeded")
	})
	c := NewClient(Config{BaseURL: srv.URL + "/v1", Model: "m", Retry: fastRetry(5)}, nil)
	_, err := c.Complete(context.Background(), "", "p")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestComplete_NoModel(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.Complete(context.Background(), "", "p")
	assert.True(t, IsFatal(err))
}

func TestClassify(t *testing.T) {
	assert.True(t, IsTransient(classify(errors.New("connection reset"))))
	assert.True(t, IsFatal(classify(context.Canceled)))
	assert.Nil(t, classify(nil))
}
