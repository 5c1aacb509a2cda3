package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semcrew/llm"
	_ "github.com/c360studio/semcrew/llm/providers" // Register providers
	"github.com/c360studio/semcrew/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = llm.RetryConfig{
	MaxAttempts:       3,
	BackoffBase:       time.Millisecond,
	BackoffMultiplier: 1.0,
	MaxBackoff:        10 * time.Millisecond,
}

func chatReply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 8, "total_tokens": 18},
	})
}

// singleEndpoint builds a registry whose fast capability points only at url.
func singleEndpoint(url string) *model.Registry {
	return model.NewRegistry(model.RegistryConfig{
		Capabilities: map[string]*model.CapabilityConfig{
			"fast": {Preferred: []string{"test-model"}},
		},
		Endpoints: map[string]*model.EndpointConfig{
			"test-model": {Provider: "ollama", URL: url, Model: "test-model"},
		},
	})
}

func userMessage(s string) []llm.Message {
	return []llm.Message{{Role: "user", Content: s}}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		chatReply(w, "Hello! How can I help you?")
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpoint(server.URL))
	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityFast,
		Messages:   userMessage("Hello"),
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "test-model", resp.Endpoint)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestClient_Complete_UsesConfiguredAPIKeyEnv(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		chatReply(w, "ok")
	}))
	defer server.Close()

	registry := singleEndpoint(server.URL)
	registry.SetEndpoint("test-model", &model.EndpointConfig{
		Provider: "ollama", URL: server.URL, Model: "test-model", APIKeyEnv: "CREW_TEST_KEY",
	})

	client := llm.NewClient(registry, llm.WithEnv(func(k string) string {
		if k == "CREW_TEST_KEY" {
			return "secret"
		}
		return ""
	}))
	_, err := client.Complete(context.Background(), llm.Request{Messages: userMessage("hi")})
	require.NoError(t, err)
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Service temporarily unavailable"))
			return
		}
		chatReply(w, "Success after retries")
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpoint(server.URL), llm.WithRetryConfig(fastRetry))
	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityFast,
		Messages:   userMessage("Test"),
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	registry := singleEndpoint(server.URL)
	client := llm.NewClient(registry, llm.WithRetryConfig(fastRetry))
	_, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityFast,
		Messages:   userMessage("Test"),
	})

	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	var apiErr *llm.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Nil(t, registry.EndpointHealth("test-model"), "fatal errors do not affect health")
}

func TestClient_Complete_Fallback(t *testing.T) {
	var primaryAttempts, fallbackAttempts atomic.Int32

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryAttempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackAttempts.Add(1)
		chatReply(w, "From fallback")
	}))
	defer fallback.Close()

	registry := model.NewRegistry(model.RegistryConfig{
		Capabilities: map[string]*model.CapabilityConfig{
			"coding": {Preferred: []string{"primary"}, Fallback: []string{"fallback"}},
		},
		Endpoints: map[string]*model.EndpointConfig{
			"primary":  {Provider: "ollama", URL: primary.URL, Model: "primary-model"},
			"fallback": {Provider: "ollama", URL: fallback.URL, Model: "fallback-model"},
		},
	})

	cfg := fastRetry
	cfg.MaxAttempts = 2
	client := llm.NewClient(registry, llm.WithRetryConfig(cfg))
	resp, err := client.Complete(context.Background(), llm.Request{
		Capability: model.CapabilityCoding,
		Messages:   userMessage("Test"),
	})

	require.NoError(t, err)
	assert.Equal(t, "From fallback", resp.Content)
	assert.Equal(t, "fallback", resp.Endpoint)
	assert.Equal(t, int32(2), primaryAttempts.Load())
	assert.Equal(t, int32(1), fallbackAttempts.Load())

	health := registry.EndpointHealth("primary")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_RateLimitRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatReply(w, "Success")
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpoint(server.URL), llm.WithRetryConfig(fastRetry))
	resp, err := client.Complete(context.Background(), llm.Request{Messages: userMessage("Test")})

	require.NoError(t, err)
	assert.Equal(t, "Success", resp.Content)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpoint(server.URL), llm.WithRetryConfig(fastRetry))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, llm.Request{Messages: userMessage("Test")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Complete_NoMessages(t *testing.T) {
	client := llm.NewClient(model.NewRegistry(model.DefaultRegistryConfig()))
	_, err := client.Complete(context.Background(), llm.Request{Capability: model.CapabilityFast})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one message is required")
}

func TestClient_Complete_UnknownProviderIsFatal(t *testing.T) {
	registry := model.NewRegistry(model.RegistryConfig{
		Default:   "x",
		Endpoints: map[string]*model.EndpointConfig{"x": {Provider: "nope", Model: "m"}},
	})
	_, err := llm.NewClient(registry).Complete(context.Background(), llm.Request{Messages: userMessage("hi")})
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
}
