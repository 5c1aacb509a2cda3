package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/semcrew/llm"
)

// ChatCompletions implements the OpenAI chat completions format shared by
// OpenAI, OpenRouter, Ollama and vLLM.
type ChatCompletions struct {
	ProviderName string
	DefaultURL   string
	KeyEnv       string

	// ExtraHeaders maps header names to environment variables; headers are
	// only set when the variable is non-empty.
	ExtraHeaders map[string]string
}

func init() {
	llm.RegisterProvider(&ChatCompletions{
		ProviderName: "ollama",
		DefaultURL:   "http://localhost:11434/v1",
		KeyEnv:       "OPENAI_API_KEY",
	})
	llm.RegisterProvider(&ChatCompletions{
		ProviderName: "openai",
		DefaultURL:   "https://api.openai.com/v1",
		KeyEnv:       "OPENAI_API_KEY",
		ExtraHeaders: map[string]string{
			"HTTP-Referer": "OPENROUTER_SITE_URL",
			"X-Title":      "OPENROUTER_SITE_NAME",
		},
	})
}

// Name returns the provider identifier.
func (p *ChatCompletions) Name() string { return p.ProviderName }

// APIKeyEnv returns the conventional key variable.
func (p *ChatCompletions) APIKeyEnv() string { return p.KeyEnv }

// BuildURL appends /chat/completions unless the URL already ends with it.
func (p *ChatCompletions) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.DefaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer authentication and any configured extra headers.
func (p *ChatCompletions) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for header, env := range p.ExtraHeaders {
		if v := os.Getenv(env); v != "" {
			req.Header.Set(header, v)
		}
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// BuildRequestBody passes messages through unchanged. max_tokens is only
// sent when set.
func (p *ChatCompletions) BuildRequestBody(call llm.Call) ([]byte, error) {
	req := chatRequest{
		Model:       call.Model,
		Messages:    call.Messages,
		Temperature: call.Temperature,
	}
	if call.MaxTokens > 0 {
		maxTokens := call.MaxTokens
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse takes the first choice.
func (p *ChatCompletions) ParseResponse(body []byte) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.ProviderName, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	usage := llm.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &llm.Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		Usage:        usage,
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
