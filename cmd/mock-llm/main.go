// Package main implements a fixture-driven stand-in for the agent backend.
// It serves OpenAI-compatible /v1/chat/completions responses so a semcrew
// serve process can run the full gate, execution and recovery path offline.
//
// Usage:
//
//	mock-llm -fixtures ./fixtures -port 11434
//
// Requests are routed to an agent by matching the system message against the
// prompts semcrew sends, falling back to the request's model name and then to
// "default". Fixture files are named after the route:
//
//	coder.json       repeating response for the coder agent
//	coder.1.json     response for the first coder call
//	coder.2.fail     the second coder call fails with HTTP 503 (file body is
//	                 the error message; a first line "status: 500" overrides
//	                 the code)
//
// Numbered fixtures are served in order, then the base file repeats. When a
// route has no base file its last numbered fixture repeats.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/c360studio/semcrew/agent"
	"github.com/c360studio/semcrew/workflow"
)

const defaultRoute = "default"

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// fixture is one canned reply. A non-zero status makes it a failure.
type fixture struct {
	content string
	status  int
}

// capturedRequest records what an agent was asked, for test assertions.
type capturedRequest struct {
	Route     string        `json:"route"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture
	prompts  map[string]string
	logger   *slog.Logger

	mu       sync.Mutex
	calls    map[string]int
	requests []capturedRequest
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	prompts := make(map[string]string, len(workflow.AgentTypes))
	for _, a := range workflow.AgentTypes {
		prompts[agent.SystemPrompt(a)] = string(a)
	}
	return &server{
		fixtures: fixtures,
		prompts:  prompts,
		logger:   logger,
		calls:    make(map[string]int),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *fixtureDir == "" {
		*fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for route, seq := range fixtures {
		logger.Info("Loaded fixtures", "route", route, "count", len(seq))
	}

	s := newServer(fixtures, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Mock LLM listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /requests", s.handleRequests)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	route := s.route(req)
	seq, ok := s.fixtures[route]
	if !ok {
		route = defaultRoute
		seq, ok = s.fixtures[route]
	}
	if !ok {
		s.logger.Warn("No fixture for request", "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	callIndex := s.record(route, req)
	f := seq[len(seq)-1]
	if callIndex < len(seq) {
		f = seq[callIndex]
	}

	if f.status != 0 {
		s.logger.Info("Injecting failure", "route", route, "call", callIndex+1, "status", f.status)
		http.Error(w, f.content, f.status)
		return
	}

	var promptChars int
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	prompt, completion := promptChars/4, len(f.content)/4

	s.logger.Info("Serving fixture", "route", route, "call", callIndex+1, "bytes", len(f.content))
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: f.content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	})
}

// route names the agent a request belongs to.
func (s *server) route(req chatRequest) string {
	for _, m := range req.Messages {
		if m.Role != "system" {
			continue
		}
		if a, ok := s.prompts[m.Content]; ok {
			return a
		}
	}
	return req.Model
}

// record captures the request and returns its 0-based index for the route.
func (s *server) record(route string, req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls[route]
	s.calls[route] = idx + 1
	s.requests = append(s.requests, capturedRequest{
		Route:     route,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: idx + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	return idx
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byRoute := make(map[string]int, len(s.calls))
	total := 0
	for route, n := range s.calls {
		byRoute[route] = n
		total += n
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":    total,
		"calls_by_route": byRoute,
	})
}

// handleRequests returns captured requests, optionally filtered by ?route=.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("route")

	s.mu.Lock()
	out := make([]capturedRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if filter == "" || req.Route == filter {
			out = append(out, req)
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fixtureName matches "route.json", "route.N.json" and "route.N.fail".
var fixtureName = regexp.MustCompile(`^(.+?)(?:\.(\d+))?\.(json|fail)$`)

var statusLine = regexp.MustCompile(`^status:\s*(\d{3})\s*\n?`)

// loadFixtures reads a fixture directory into ordered per-route sequences:
// numbered fixtures in numeric order, then the base file.
func loadFixtures(dir string) (map[string][]fixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixture dir: %w", err)
	}

	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fixtureName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		route, num, kind := m[1], m[2], m[3]

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		var f fixture
		switch kind {
		case "json":
			if !json.Valid(data) {
				return nil, fmt.Errorf("invalid JSON in %s", e.Name())
			}
			f = fixture{content: string(data)}
		case "fail":
			if num == "" {
				return nil, fmt.Errorf("%s: failure fixtures must be numbered", e.Name())
			}
			f = parseFailure(string(data))
		}

		if num == "" {
			base[route] = f
			continue
		}
		idx, _ := strconv.Atoi(num)
		if numbered[route] == nil {
			numbered[route] = make(map[int]fixture)
		}
		numbered[route][idx] = f
	}

	out := make(map[string][]fixture)
	for route, byIdx := range numbered {
		indices := make([]int, 0, len(byIdx))
		for idx := range byIdx {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			out[route] = append(out[route], byIdx[idx])
		}
	}
	for route, f := range base {
		out[route] = append(out[route], f)
	}
	return out, nil
}

func parseFailure(body string) fixture {
	f := fixture{status: http.StatusServiceUnavailable, content: strings.TrimSpace(body)}
	if m := statusLine.FindStringSubmatch(body); m != nil {
		f.status, _ = strconv.Atoi(m[1])
		f.content = strings.TrimSpace(body[len(m[0]):])
	}
	if f.content == "" {
		f.content = http.StatusText(f.status)
	}
	return f
}
