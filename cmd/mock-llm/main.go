// Package main implements a mock LLM server for pipeline testing.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON fixture
// files, so a full buildforge run can execute offline and deterministically.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixtures are keyed by pipeline stage or by model. A request is matched to a
// stage through its system prompt headline ("You are the Architect Agent." maps
// to "architect"); when no stage fixture exists the request's model name is
// tried, with and without a "mock-" prefix.
//
// Each fixture file holds one reply:
//
//	{"content": "...", "tool_calls": [{"name": "...", "arguments": {...}}],
//	 "usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
//	 "status": 503}
//
// A non-zero status answers with that HTTP status instead of a reply, which
// exercises client retries. Omitted usage is reported as absent so callers fall
// back to estimating.
//
// Sequential fixtures: numbered files ("backend.1.json", "backend.2.json") are
// served in order for successive calls with the same key; after they run out
// the base "backend.json" repeats. Without a base file the last numbered
// fixture repeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools,omitempty"`
	Stream bool `json:"stream,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

// --- Fixtures ---

// fixtureToolCall is a tool call the mock asks the client to make.
type fixtureToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// fixture is one scripted reply.
type fixture struct {
	Content   string            `json:"content"`
	ToolCalls []fixtureToolCall `json:"tool_calls,omitempty"`
	Usage     *chatUsage        `json:"usage,omitempty"`
	Status    int               `json:"status,omitempty"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Key       string        `json:"key"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []string      `json:"tools,omitempty"`
	Stream    bool          `json:"stream"`
	CallIndex int           `json:"call_index"` // 1-indexed per-key call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture // key → ordered fixtures
	calls    atomic.Int64
	logger   *slog.Logger

	mu       sync.Mutex
	keyCalls map[string]int
	requests map[string][]capturedRequest
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	return &server{
		fixtures: fixtures,
		logger:   logger,
		keyCalls: make(map[string]int),
		requests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	for key, seq := range fixtures {
		logger.Info("Loaded fixtures", "key", key, "count", len(seq))
	}

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Mock LLM server listening", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(fixtures, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// stageHeadline extracts the stage from "You are the <Stage> Agent.".
var stageHeadline = regexp.MustCompile(`(?i)you are the ([a-z]+) agent`)

// keyFor picks the fixture key for a request.
func (s *server) keyFor(req chatRequest) (string, bool) {
	for _, m := range req.Messages {
		if m.Role != "system" {
			continue
		}
		if match := stageHeadline.FindStringSubmatch(m.Content); match != nil {
			stage := strings.ToLower(match[1])
			if _, ok := s.fixtures[stage]; ok {
				return stage, true
			}
		}
		break
	}
	if _, ok := s.fixtures[req.Model]; ok {
		return req.Model, true
	}
	stripped := strings.TrimPrefix(req.Model, "mock-")
	if _, ok := s.fixtures[stripped]; ok {
		return stripped, true
	}
	return "", false
}

// next returns the fixture for the key's next call and its 1-indexed position.
func (s *server) next(key string, req chatRequest) (fixture, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keyCalls[key]++
	callIndex := s.keyCalls[key]

	tools := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, t.Function.Name)
	}
	s.requests[key] = append(s.requests[key], capturedRequest{
		Key:       key,
		Model:     req.Model,
		Messages:  req.Messages,
		Tools:     tools,
		Stream:    req.Stream,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})

	seq := s.fixtures[key]
	if callIndex <= len(seq) {
		return seq[callIndex-1], callIndex
	}
	return seq[len(seq)-1], callIndex
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)
	key, ok := s.keyFor(req)
	if !ok {
		s.logger.Warn("No fixture for request", "call", callNum, "model", req.Model)
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	fx, callIndex := s.next(key, req)
	s.logger.Info("Serving fixture",
		"call", callNum,
		"key", key,
		"model", req.Model,
		"call_index", callIndex,
		"stream", req.Stream)

	if fx.Status != 0 {
		http.Error(w, fmt.Sprintf("scripted failure for %s", key), fx.Status)
		return
	}

	id := fmt.Sprintf("mock-%d", time.Now().UnixNano())
	calls := fx.wireToolCalls(callNum)
	if req.Stream {
		s.stream(w, id, req.Model, fx, calls)
		return
	}

	finish := finishReason(calls)
	writeJSON(w, chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      &chatMessage{Role: "assistant", Content: fx.Content, ToolCalls: calls},
			FinishReason: &finish,
		}},
		Usage: fx.Usage,
	})
}

// stream writes the reply as SSE events: content word by word, tool calls, the
// finish reason, a usage-only event when usage is scripted, then [DONE].
func (s *server) stream(w http.ResponseWriter, id, model string, fx fixture, calls []chatToolCall) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	chunk := func(choices []chatChoice, usage *chatUsage) chatResponse {
		return chatResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: choices,
			Usage:   usage,
		}
	}

	for _, word := range strings.SplitAfter(fx.Content, " ") {
		if word == "" {
			continue
		}
		writeEvent(w, chunk([]chatChoice{{Delta: &chatMessage{Content: word}}}, nil))
	}
	for i := range calls {
		index := i
		calls[i].Index = &index
	}
	if len(calls) > 0 {
		writeEvent(w, chunk([]chatChoice{{Delta: &chatMessage{ToolCalls: calls}}}, nil))
	}

	finish := finishReason(calls)
	writeEvent(w, chunk([]chatChoice{{Delta: &chatMessage{}, FinishReason: &finish}}, nil))
	if fx.Usage != nil {
		writeEvent(w, chunk([]chatChoice{}, fx.Usage))
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (fx fixture) wireToolCalls(callNum int64) []chatToolCall {
	if len(fx.ToolCalls) == 0 {
		return nil
	}
	calls := make([]chatToolCall, len(fx.ToolCalls))
	for i, tc := range fx.ToolCalls {
		calls[i].ID = fmt.Sprintf("call_%d_%d", callNum, i)
		calls[i].Type = "function"
		calls[i].Function.Name = tc.Name
		calls[i].Function.Arguments = "{}"
		if len(tc.Arguments) > 0 {
			calls[i].Function.Arguments = string(tc.Arguments)
		}
	}
	return calls
}

func finishReason(calls []chatToolCall) string {
	if len(calls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// handleModels returns the list of fixture keys (Ollama-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	keys := make([]string, 0, len(s.fixtures))
	for key := range s.fixtures {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	models := make([]modelEntry, 0, len(keys))
	for _, key := range keys {
		models = append(models, modelEntry{ID: key, Object: "model", OwnedBy: "mock-llm"})
	}
	writeJSON(w, map[string]any{"object": "list", "data": models})
}

// handleStats returns total_calls and the per-key calls_by_key breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byKey := make(map[string]int, len(s.keyCalls))
	for key, n := range s.keyCalls {
		byKey[key] = n
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"total_calls":  s.calls.Load(),
		"calls_by_key": byKey,
	})
}

// handleRequests returns captured requests.
// Query params:
//   - key: filter by stage or model key (optional)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	keyFilter := r.URL.Query().Get("key")
	callFilter, _ := strconv.Atoi(r.URL.Query().Get("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for key, reqs := range s.requests {
		if keyFilter != "" && key != keyFilter {
			continue
		}
		for _, req := range reqs {
			if callFilter > 0 && req.CallIndex != callFilter {
				continue
			}
			result[key] = append(result[key], req)
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"requests_by_key": result})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// numberedFileRe matches files like "backend.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads every *.json under dir and returns key → fixture sequence:
// numbered files in numeric order, then the base file as the repeating fallback.
func loadFixtures(dir string) (map[string][]fixture, error) {
	paths, err := doublestar.Glob(os.DirFS(dir), "**/*.json")
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}

	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	for _, rel := range paths {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var fx fixture
		if err := json.Unmarshal(data, &fx); err != nil {
			return nil, fmt.Errorf("invalid fixture %s: %w", path, err)
		}
		if fx.Content == "" && len(fx.ToolCalls) == 0 && fx.Status == 0 {
			return nil, fmt.Errorf("fixture %s has no content, tool_calls or status", path)
		}

		name := filepath.Base(path)
		if m := numberedFileRe.FindStringSubmatch(name); m != nil {
			index, _ := strconv.Atoi(m[2])
			if numbered[m[1]] == nil {
				numbered[m[1]] = make(map[int]fixture)
			}
			numbered[m[1]][index] = fx
			continue
		}
		base[strings.TrimSuffix(name, ".json")] = fx
	}

	keys := make(map[string]bool)
	for k := range base {
		keys[k] = true
	}
	for k := range numbered {
		keys[k] = true
	}

	fixtures := make(map[string][]fixture, len(keys))
	for key := range keys {
		var seq []fixture
		indices := make([]int, 0, len(numbered[key]))
		for idx := range numbered[key] {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			seq = append(seq, numbered[key][idx])
		}
		if fx, ok := base[key]; ok {
			seq = append(seq, fx)
		}
		fixtures[key] = seq
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
