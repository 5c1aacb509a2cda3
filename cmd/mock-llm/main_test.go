package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/workflow"
)

func TestLoadFixtures_Order(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "coder.2.json", `{"summary":"second"}`)
	writeFixture(t, dir, "coder.1.fail", "")
	writeFixture(t, dir, "coder.json", `{"summary":"fallback"}`)
	writeFixture(t, dir, "tester.json", `{"summary":"tests"}`)
	writeFixture(t, dir, "notes.txt", "ignored")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}
	if len(fixtures) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(fixtures))
	}

	coder := fixtures["coder"]
	if len(coder) != 3 {
		t.Fatalf("coder: expected 3 fixtures, got %d", len(coder))
	}
	if coder[0].status != http.StatusServiceUnavailable {
		t.Errorf("fixture[0] status = %d, want 503", coder[0].status)
	}
	if !strings.Contains(coder[1].content, "second") {
		t.Errorf("fixture[1] = %q, want second", coder[1].content)
	}
	if !strings.Contains(coder[2].content, "fallback") {
		t.Errorf("fixture[2] = %q, want fallback", coder[2].content)
	}
}

func TestLoadFixtures_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"invalid json", "coder.json", "{not json"},
		{"unnumbered failure", "coder.fail", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFixture(t, dir, tt.file, tt.content)
			if _, err := loadFixtures(dir); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := loadFixtures(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestParseFailure(t *testing.T) {
	tests := []struct {
		body       string
		wantStatus int
		wantBody   string
	}{
		{"", 503, "Service Unavailable"},
		{"upstream overloaded", 503, "upstream overloaded"},
		{"status: 400\nbad prompt", 400, "bad prompt"},
		{"status: 500", 500, "Internal Server Error"},
	}
	for _, tt := range tests {
		f := parseFailure(tt.body)
		if f.status != tt.wantStatus || f.content != tt.wantBody {
			t.Errorf("parseFailure(%q) = (%d, %q), want (%d, %q)",
				tt.body, f.status, f.content, tt.wantStatus, tt.wantBody)
		}
	}
}

func TestChatCompletions_RoutesByAgentPrompt(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"coder":     {{status: 503, content: "busy"}, {content: `{"summary":"done"}`}},
		"model-xyz": {{content: `{"summary":"by model"}`}},
	})

	rec := s.post(t, "model-xyz", agent.SystemPrompt(workflow.AgentCoder))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("first call status = %d, want 503", rec.Code)
	}

	rec = s.post(t, "model-xyz", agent.SystemPrompt(workflow.AgentCoder))
	if rec.Code != http.StatusOK {
		t.Fatalf("second call status = %d, want 200", rec.Code)
	}
	var resp chatResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := resp.Choices[0].Message.Content; !strings.Contains(got, "done") {
		t.Errorf("content = %q", got)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens || resp.Usage.PromptTokens == 0 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// The last fixture repeats once the sequence is exhausted.
	if rec = s.post(t, "model-xyz", agent.SystemPrompt(workflow.AgentCoder)); rec.Code != http.StatusOK {
		t.Errorf("third call status = %d, want 200", rec.Code)
	}

	// An unknown prompt falls back to the model name.
	rec = s.post(t, "model-xyz", "You are something else.")
	if !strings.Contains(rec.Body.String(), "by model") {
		t.Errorf("model fallback body = %s", rec.Body.String())
	}
}

func TestChatCompletions_DefaultAndMissing(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		defaultRoute: {{content: `{"summary":"default"}`}},
	})
	rec := s.post(t, "anything", agent.SystemPrompt(workflow.AgentTester))
	if !strings.Contains(rec.Body.String(), "default") {
		t.Errorf("body = %s", rec.Body.String())
	}

	empty := newTestServer(map[string][]fixture{})
	if rec := empty.post(t, "anything", "system"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatsAndRequests(t *testing.T) {
	s := newTestServer(map[string][]fixture{
		"analyst": {{content: `{}`}},
	})
	s.post(t, "m", agent.SystemPrompt(workflow.AgentAnalyst))
	s.post(t, "m", agent.SystemPrompt(workflow.AgentAnalyst))

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		Total   int            `json:"total_calls"`
		ByRoute map[string]int `json:"calls_by_route"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.ByRoute["analyst"] != 2 {
		t.Errorf("stats = %+v", stats)
	}

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests?route=analyst", nil))
	var captured struct {
		Requests []capturedRequest `json:"requests"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if len(captured.Requests) != 2 || captured.Requests[1].CallIndex != 2 {
		t.Errorf("captured = %+v", captured.Requests)
	}
}

func TestChatCompletions_RejectsGet(t *testing.T) {
	s := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

type testServer struct {
	*server
}

func newTestServer(fixtures map[string][]fixture) testServer {
	return testServer{newServer(fixtures, slog.New(slog.NewTextHandler(io.Discard, nil)))}
}

func (s testServer) post(t *testing.T, model, system string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: "## Task\n\nDo the thing\n"},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body)))
	return rec
}

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}
