// Package llm is the model gateway: a provider-agnostic client that sends one chat
// completion (or one streamed completion) to the endpoint the model.Registry
// resolves for a model name. Retries belong to the caller; the client makes a
// single attempt per call and classifies failures as transient or fatal.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/buildforge/metrics"
	"github.com/c360studio/buildforge/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

const (
	// DefaultTimeout bounds a synchronous call.
	DefaultTimeout = 90 * time.Second

	// DefaultStreamTimeout bounds a streamed call from request to final chunk.
	DefaultStreamTimeout = 5 * time.Minute
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is the raw JSON object produced by the model.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request defines one completion call.
type Request struct {
	// Model is the endpoint name in the registry.
	Model string

	// System is sent as the first message when non-empty.
	System string

	// Messages is the conversation history, sent in order.
	Messages []Message

	// Tools is the set of tools bound for this call.
	Tools []ToolDefinition

	// Profile carries the generation parameters.
	Profile model.Profile
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for trajectory correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// ToolCalls holds the tools the model asked to run.
	ToolCalls []ToolCall

	// Model is the model the provider reports having used.
	Model string

	// Usage contains token consumption as reported by the provider.
	Usage TokenUsage

	// UsageReported is false when the provider returned no usage block.
	UsageReported bool

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// AssistantMessage converts the response into a history entry.
func (r *Response) AssistantMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Content,
		ToolCalls: r.ToolCalls,
	}
}

// ChunkHandler receives streamed text fragments in arrival order.
// Returning an error aborts the stream.
type ChunkHandler func(chunk string) error

// Gateway is the model invocation capability consumed by the pipeline.
type Gateway interface {
	// Invoke sends a request and waits for the full reply.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Stream sends a request, forwards each text fragment to onChunk and returns the
	// accumulated reply once the provider signals the end of the stream.
	Stream(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error)
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	registry      *model.Registry
	httpClient    *http.Client
	timeout       time.Duration
	streamTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics

	// callStore optionally persists calls for trajectory tracking.
	callStore *CallStore
}

var _ Gateway = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout bounds each synchronous call.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.timeout = d
		}
	}
}

// WithStreamTimeout bounds each streamed call.
func WithStreamTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.streamTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// WithCallStore records every call in the trajectory store.
func WithCallStore(store *CallStore) ClientOption {
	return func(client *Client) {
		client.callStore = store
	}
}

// NewClient creates a gateway client over the given registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:      registry,
		httpClient:    &http.Client{},
		timeout:       DefaultTimeout,
		streamTimeout: DefaultStreamTimeout,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Invoke sends a completion request and waits for the full reply.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	call, err := c.prepare(req, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doInvoke(ctx, call)
	c.finish(ctx, call, "invoke", resp, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream sends a streamed completion request.
func (c *Client) Stream(ctx context.Context, req Request, onChunk ChunkHandler) (*Response, error) {
	call, err := c.prepare(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	resp, err := c.doStream(ctx, call, onChunk)
	c.finish(ctx, call, "stream", resp, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// preparedCall carries everything resolved before the HTTP round trip.
type preparedCall struct {
	requestID string
	startedAt time.Time
	name      string
	endpoint  *model.EndpointConfig
	provider  Provider
	url       string
	body      []byte
	request   Request
}

func (c *Client) prepare(req Request, stream bool) (*preparedCall, error) {
	if req.Model == "" {
		return nil, NewFatalError(fmt.Errorf("model is required"))
	}
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}

	ep := c.registry.GetEndpoint(req.Model)
	if ep == nil {
		return nil, NewFatalError(fmt.Errorf("no endpoint configured for model %s", req.Model))
	}

	if !c.registry.IsEndpointAvailable(req.Model) {
		return nil, NewTransientError(fmt.Errorf("circuit open for model %s", req.Model))
	}

	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	body, err := provider.BuildRequestBody(ep.Model, req, stream)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	return &preparedCall{
		requestID: uuid.New().String(),
		startedAt: time.Now(),
		name:      req.Model,
		endpoint:  ep,
		provider:  provider,
		url:       provider.BuildURL(ep.URL),
		body:      body,
		request:   req,
	}, nil
}

func (c *Client) send(ctx context.Context, call *preparedCall) (*http.Response, error) {
	c.logger.Debug("Sending LLM request",
		"provider", call.endpoint.Provider,
		"model", call.endpoint.Model,
		"url", call.url,
		"messages", len(call.request.Messages),
		"tools", len(call.request.Tools))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, call.url, bytes.NewReader(call.body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	call.provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	return httpResp, nil
}

func (c *Client) doInvoke(ctx context.Context, call *preparedCall) (*Response, error) {
	httpResp, err := c.send(ctx, call)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	resp, err := call.provider.ParseResponse(respBody, call.endpoint.Model)
	if err != nil {
		return nil, NewTransientError(err)
	}
	resp.RequestID = call.requestID
	return resp, nil
}

func (c *Client) doStream(ctx context.Context, call *preparedCall, onChunk ChunkHandler) (*Response, error) {
	httpResp, err := c.send(ctx, call)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	acc := newStreamAccumulator(call.endpoint.Model)
	scanner := bufio.NewScanner(io.LimitReader(httpResp.Body, maxResponseSize))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == streamDoneSentinel {
			resp := acc.response()
			resp.RequestID = call.requestID
			return resp, nil
		}

		chunk, err := call.provider.ParseStreamChunk([]byte(data))
		if err != nil {
			return nil, NewTransientError(fmt.Errorf("parse stream chunk: %w", err))
		}
		acc.add(chunk)

		if chunk.Content != "" && onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				return nil, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	// Some OpenAI-compatible servers close the stream without the sentinel.
	if acc.finishReason == "" {
		return nil, NewTransientError(fmt.Errorf("stream ended without completion"))
	}
	resp := acc.response()
	resp.RequestID = call.requestID
	return resp, nil
}

// finish updates endpoint health, metrics and the trajectory store.
func (c *Client) finish(ctx context.Context, call *preparedCall, mode string, resp *Response, err error) {
	result := "success"
	switch {
	case err == nil:
		c.registry.MarkEndpointSuccess(call.name)
	case IsTransient(err):
		result = "transient_error"
		c.registry.MarkEndpointFailure(call.name)
	case errors.Is(err, context.Canceled):
		result = "cancelled"
	default:
		// Fatal errors point at configuration, not endpoint health.
		result = "fatal_error"
	}
	c.metrics.IncGatewayRequest(call.name, mode, result)

	if c.callStore == nil {
		return
	}

	traceCtx := GetTraceContext(ctx)
	record := &CallRecord{
		RequestID:     call.requestID,
		TraceID:       traceCtx.TraceID,
		Stage:         traceCtx.Stage,
		Model:         call.endpoint.Model,
		Provider:      call.endpoint.Provider,
		Mode:          mode,
		MessagesCount: len(call.request.Messages),
		ToolsBound:    len(call.request.Tools),
		StartedAt:     call.startedAt,
		CompletedAt:   time.Now(),
		ContextBudget: call.endpoint.ContextWindow,
	}
	record.DurationMs = record.CompletedAt.Sub(record.StartedAt).Milliseconds()
	if err != nil {
		record.Error = err.Error()
	} else {
		record.ResponsePreview = truncate(resp.Content, maxPreviewLength)
		record.ToolCalls = len(resp.ToolCalls)
		record.PromptTokens = resp.Usage.PromptTokens
		record.CompletionTokens = resp.Usage.CompletionTokens
		record.TotalTokens = resp.Usage.TotalTokens
		record.FinishReason = resp.FinishReason
	}

	// Recording must not delay the run.
	go c.recordCall(record)
}

func (c *Client) recordCall(record *CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.callStore.Store(ctx, record); err != nil {
		c.logger.Warn("Failed to record LLM call",
			"request_id", record.RequestID,
			"trace_id", record.TraceID,
			"error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
