package providers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/c360studio/semcrew/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropic_BuildURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"empty uses default", "", "https://api.anthropic.com/v1/messages"},
		{"custom base URL", "https://custom.api.com", "https://custom.api.com/v1/messages"},
		{"trailing slash handled", "https://api.anthropic.com/", "https://api.anthropic.com/v1/messages"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Anthropic{}.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropic_BuildRequestBody(t *testing.T) {
	temp := 0.7
	body, err := Anthropic{}.BuildRequestBody(llm.Call{
		Model: "claude-3-opus",
		Messages: []llm.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "system", Content: "Answer in JSON."},
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi there!"},
		},
		Temperature: &temp,
		MaxTokens:   2048,
	})
	require.NoError(t, err)

	var decoded anthropicRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "claude-3-opus", decoded.Model)
	assert.Equal(t, 2048, decoded.MaxTokens)
	assert.Equal(t, "You are helpful.\n\nAnswer in JSON.", decoded.System)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, "user", decoded.Messages[0].Role)
	require.NotNil(t, decoded.Temperature)
	assert.InDelta(t, 0.7, *decoded.Temperature, 1e-9)
}

func TestAnthropic_BuildRequestBody_DefaultMaxTokens(t *testing.T) {
	body, err := Anthropic{}.BuildRequestBody(llm.Call{
		Model:    "claude",
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropic_SetHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	Anthropic{}.SetHeaders(req, "sk-test")
	assert.Equal(t, "sk-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	Anthropic{}.SetHeaders(req, "")
	assert.Empty(t, req.Header.Get("x-api-key"))
}

func TestAnthropic_ParseResponse(t *testing.T) {
	body := []byte(`{
		"id": "msg_1",
		"content": [
			{"type": "text", "text": "Hello, "},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": "world"}
		],
		"model": "claude-3-opus",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 5}
	}`)

	resp, err := Anthropic{}.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", resp.Content)
	assert.Equal(t, "claude-3-opus", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, llm.TokenUsage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, resp.Usage)
}

func TestAnthropic_ParseResponse_Invalid(t *testing.T) {
	_, err := Anthropic{}.ParseResponse([]byte("not json"))
	assert.Error(t, err)
}
