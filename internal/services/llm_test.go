package services

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
	"go.uber.org/zap"

	"hirelens/evaluator/internal/apperrors"
	"hirelens/evaluator/internal/config"
)

func testLLMConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:           "sk-test",
		BaseURL:          baseURL,
		ProviderOverride: "openai",
		Temperature:      0.3,
		MaxTokens:        256,
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		EmbeddingDim:     8,
	}
}

func testTimeouts() config.TimeoutConfig {
	return config.TimeoutConfig{
		Chat:      5 * time.Second,
		Embedding: 5 * time.Second,
		Retrieval: time.Second,
		JobStore:  time.Second,
	}
}

func newTestLLM(t *testing.T, handler http.Handler) (*llmService, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc := NewLLMService(testLLMConfig(srv.URL+"/v1"), testTimeouts(), zap.NewNop()).(*llmService)
	return svc, srv
}

func chatCompletionBody(content string) string {
	payload := map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func errorBody(message, errType string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{"message": message, "type": errType},
	})
	return string(b)
}

func TestChatRetriesTransientThenSucceeds(t *testing.T) {
	var calls int64
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, errorBody("upstream unavailable", "server_error"))
			return
		}
		fmt.Fprint(w, chatCompletionBody("hello"))
	}))

	result, err := svc.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)

	require.NoError(t, err)
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestChatTransientRetriesExhausted(t *testing.T) {
	var calls int64
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, errorBody("boom", "server_error"))
	}))

	_, err := svc.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestChatQuotaNotRetried(t *testing.T) {
	var calls int64
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, errorBody("You exceeded your current quota, please check your plan. Retry after 60 seconds.", "insufficient_quota"))
	}))

	_, err := svc.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsQuota(err))
	assert.Equal(t, 60*time.Second, apperrors.RetryAfterOf(err))
	assert.Contains(t, err.Error(), "temporarily unavailable")
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "quota errors must not be retried")
}

func TestChatPlainRateLimitIsRetried(t *testing.T) {
	var calls int64
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, errorBody("Rate limit reached, slow down.", "rate_limit_error"))
			return
		}
		fmt.Fprint(w, chatCompletionBody("ok"))
	}))

	result, err := svc.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestEmbedViaEndpointFitsDimension(t *testing.T) {
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		b, _ := json.Marshal(map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{
				{"object": "embedding", "index": 0, "embedding": []float32{3, 4, 0, 0}},
			},
			"model": "text-embedding-3-small",
			"usage": map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
		w.Write(b)
	}))

	vec, err := svc.GenerateEmbedding(context.Background(), "some text")

	require.NoError(t, err)
	require.Len(t, vec, 8, "vector must be padded to the configured dimension")
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assertUnitNorm(t, vec)
}

func TestEmbedFallsBackToChat(t *testing.T) {
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/embeddings" {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, errorBody("embeddings down", "server_error"))
			return
		}
		fmt.Fprint(w, chatCompletionBody("0.5, 0.5, 0.5, 0.5, 0.0, 0.0, 0.0, 0.0"))
	}))

	vec, err := svc.GenerateEmbedding(context.Background(), "some text")

	require.NoError(t, err)
	require.Len(t, vec, 8)
	assertUnitNorm(t, vec)
	assert.InDelta(t, 0.5, vec[0], 1e-6)
}

func TestEmbedFallsBackToHashWhenEverythingFails(t *testing.T) {
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, errorBody("everything is down", "server_error"))
	}))

	vec, err := svc.GenerateEmbedding(context.Background(), "deterministic input")

	require.NoError(t, err)
	assert.Equal(t, HashEmbedding("deterministic input", 8), vec)
}

func TestHashEmbeddingDeterministic(t *testing.T) {
	a := HashEmbedding("the same text", 128)
	b := HashEmbedding("the same text", 128)
	c := HashEmbedding("different text", 128)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	require.Len(t, a, 128)
	assertUnitNorm(t, a)
}

func TestHashEmbeddingEmptyText(t *testing.T) {
	vec := HashEmbedding("", 16)

	require.Len(t, vec, 16)
	assertUnitNorm(t, vec)
}

func TestEvaluateParsesWrappedJSON(t *testing.T) {
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody("Here is my evaluation:\n```json\n{\"matchRate\": 0.85}\n```\nLet me know if you need more."))
	}))

	result, err := svc.Evaluate(context.Background(), "evaluate this", nil)

	require.NoError(t, err)
	require.NotNil(t, result.Parsed)

	var parsed struct {
		MatchRate float64 `json:"matchRate"`
	}
	require.NoError(t, json.Unmarshal(result.Parsed, &parsed))
	assert.Equal(t, 0.85, parsed.MatchRate)
}

func TestEvaluateReturnsRawOnUnparseableResponse(t *testing.T) {
	svc, _ := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, chatCompletionBody("I cannot produce JSON today."))
	}))

	result, err := svc.Evaluate(context.Background(), "evaluate this", nil)

	require.NoError(t, err)
	assert.Nil(t, result.Parsed)
	assert.Equal(t, "I cannot produce JSON today.", result.Raw)
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"strict", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose wrapped", `the answer is {"a":1} obviously`, `{"a":1}`, true},
		{"nested braces", `x {"a":{"b":2}} y`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`, true},
		{"picks longest", `{"a":1} and {"b":{"c":2},"d":3}`, `{"b":{"c":2},"d":3}`, true},
		{"no json", "nothing here", "", false},
		{"unbalanced", `{"a":1`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.JSONEq(t, tt.want, string(got))
			}
		})
	}
}

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LLMConfig
		want Provider
	}{
		{"override wins", config.LLMConfig{ProviderOverride: "openrouter", APIKey: "sk-abc"}, ProviderOpenRouter},
		{"openrouter base url", config.LLMConfig{BaseURL: "https://openrouter.ai/api/v1", APIKey: "sk-abc"}, ProviderOpenRouter},
		{"openrouter key prefix", config.LLMConfig{APIKey: "sk-or-v1-abc"}, ProviderOpenRouter},
		{"default openai", config.LLMConfig{APIKey: "sk-abc"}, ProviderOpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectProvider(tt.cfg))
		})
	}
}

func TestResolveModelSubstitutesCrossProviderNames(t *testing.T) {
	svc, _ := newTestLLM(t, http.NotFoundHandler())

	assert.Equal(t, defaultOpenAIModel, svc.resolveModel(""))
	assert.Equal(t, "gpt-4o", svc.resolveModel("gpt-4o"))
	// OpenRouter-style name under an OpenAI provider falls back to default.
	assert.Equal(t, defaultOpenAIModel, svc.resolveModel("anthropic/claude-3.5-sonnet"))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 60*time.Second, parseRetryAfter("please retry after 60 seconds"))
	assert.Equal(t, 30*time.Second, parseRetryAfter("Retry-After: 30"))
	assert.Equal(t, 5*time.Second, parseRetryAfter("try again in 5 seconds"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("no hint here"))
}

func TestParseFloatList(t *testing.T) {
	values := parseFloatList("[0.1, -0.2, 3e-1, junk, 0.4]", 8)
	require.Len(t, values, 4)
	assert.InDelta(t, 0.1, float64(values[0]), 1e-6)
	assert.InDelta(t, -0.2, float64(values[1]), 1e-6)
	assert.InDelta(t, 0.3, float64(values[2]), 1e-6)
}

func assertUnitNorm(t *testing.T, vec []float32) {
	t.Helper()
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-4, "vector should be L2-normalized")
}
