package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/metrics"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/prompts"
	"github.com/c360studio/buildforge/tools"
	"github.com/c360studio/buildforge/tools/builtin"
)

// Auditor receives audit events and usage reports. *audit.Recorder satisfies it.
// Implementations must not block.
type Auditor interface {
	Record(ctx context.Context, action, userID string, metadata map[string]any)
	ReportUsage(ctx context.Context, usage audit.Usage)
}

// AgentNode runs one stage's model call.
type AgentNode struct {
	router   *model.Router
	factory  *llm.Factory
	registry *tools.Registry
	prompts  *prompts.Set
	auditor  Auditor
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// AgentOption configures an AgentNode.
type AgentOption func(*AgentNode)

// WithAgentAuditor sets the audit and metering sink.
func WithAgentAuditor(au Auditor) AgentOption {
	return func(a *AgentNode) {
		a.auditor = au
	}
}

// WithAgentMetrics sets the metrics collector.
func WithAgentMetrics(m *metrics.Metrics) AgentOption {
	return func(a *AgentNode) {
		a.metrics = m
	}
}

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *slog.Logger) AgentOption {
	return func(a *AgentNode) {
		a.logger = logger
	}
}

// NewAgentNode creates an agent node. A nil registry binds no tools.
func NewAgentNode(router *model.Router, factory *llm.Factory, registry *tools.Registry, set *prompts.Set, opts ...AgentOption) *AgentNode {
	a := &AgentNode{
		router:   router,
		factory:  factory,
		registry: registry,
		prompts:  set,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Toolset returns the tools bound to a stage.
func (a *AgentNode) Toolset(stage Stage) *tools.Toolset {
	if a.registry == nil {
		return nil
	}
	return builtin.ForAgent(a.registry, stage.Agent())
}

// Run makes one model call for stage. With onChunk set the call is streamed and
// every fragment is forwarded as it arrives. The state is only read.
func (a *AgentNode) Run(ctx context.Context, st *State, stage Stage, onChunk llm.ChunkHandler) (Update, error) {
	agent := stage.Agent()

	system, err := a.prompts.Render(string(stage), prompts.Data{
		Prompt:  st.Prompt,
		Memory:  st.Memory,
		Outputs: st.outputStrings(),
	})
	if err != nil {
		return Update{}, err
	}

	decision := a.router.Route(ctx, model.RouteRequest{
		Agent:      agent,
		Plan:       st.Tier,
		Complexity: st.Complexity,
		ForceModel: st.ForceModel,
		UserID:     st.UserID,
		ProjectID:  st.ProjectID,
	})
	bound := a.factory.For(decision, a.Toolset(stage).ListTools())

	var update Update
	messages := st.Messages
	if len(messages) == 0 {
		first := llm.Message{Role: llm.RoleUser, Content: st.Prompt}
		messages = []llm.Message{first}
		update.Messages = append(update.Messages, first)
	}

	callCtx := llm.WithTraceContext(ctx, llm.TraceContext{TraceID: st.RunID, Stage: string(stage)})
	var resp *llm.Response
	if onChunk != nil {
		resp, err = bound.Stream(callCtx, system, messages, onChunk)
	} else {
		resp, err = bound.Invoke(callCtx, system, messages)
	}
	if err != nil {
		return Update{}, err
	}
	if resp == nil {
		return Update{}, errors.New("empty model response")
	}

	tokens, estimated := resp.Usage.TotalTokens, false
	if !resp.UsageReported || tokens <= 0 {
		tokens, estimated = llm.EstimateTokens(resp.Content), true
	}
	update.Tokens = tokens
	update.Estimated = estimated
	update.Messages = append(update.Messages, resp.AssistantMessage())

	if len(resp.ToolCalls) == 0 {
		out := parseOutput(resp.Content)
		if !out.IsStructured() {
			a.logger.Debug("Stage reply is not JSON, keeping raw text", "stage", stage)
		}
		update.OutputKey = OutputKey(stage)
		update.Output = &out
	}

	source := "reported"
	if estimated {
		source = "estimated"
	}
	a.metrics.AddTokens(string(stage), decision.Model, source, tokens)

	if a.auditor != nil {
		a.auditor.ReportUsage(ctx, audit.Usage{
			UserID:    st.UserID,
			ProjectID: st.ProjectID,
			Stage:     string(stage),
			Model:     decision.Model,
			Tokens:    tokens,
			Estimated: estimated,
		})
		a.auditor.Record(ctx, fmt.Sprintf("agent_%s_executed", stage), st.UserID, map[string]any{
			"project_id":     st.ProjectID,
			"tokens":         tokens,
			"estimated":      estimated,
			"model":          decision.Model,
			"has_tool_calls": len(resp.ToolCalls) > 0,
		})
	}

	a.logger.Debug("Agent stage replied",
		"stage", stage,
		"model", decision.Model,
		"tokens", tokens,
		"tool_calls", len(resp.ToolCalls))

	return update, nil
}

func parseOutput(content string) Output {
	content = strings.TrimSpace(content)
	// A bare null decodes but carries nothing to hand on.
	if v, ok := llm.ParseStructured(content); ok && v != nil {
		return Output{Structured: v}
	}
	return Output{Raw: content}
}

// ToolNode executes the tool calls of the last assistant message.
type ToolNode struct {
	agent *AgentNode
}

// NewToolNode returns a tool node that uses the agent node's stage bindings.
func NewToolNode(agent *AgentNode) *ToolNode {
	return &ToolNode{agent: agent}
}

// Run executes every pending call in order and returns one tool message per call.
// Unknown tools and tool failures come back as error-shaped results.
func (n *ToolNode) Run(ctx context.Context, st *State, stage Stage) Update {
	if len(st.Messages) == 0 {
		return Update{}
	}
	last := st.Messages[len(st.Messages)-1]
	if !last.HasToolCalls() {
		return Update{}
	}

	toolset := n.agent.Toolset(stage)
	ctx = llm.WithTraceContext(ctx, llm.TraceContext{TraceID: st.RunID, Stage: string(stage)})

	update := Update{Messages: make([]llm.Message, 0, len(last.ToolCalls))}
	for _, call := range last.ToolCalls {
		result := toolset.Call(ctx, call)
		update.Messages = append(update.Messages, result.Message(call))
	}
	return update
}
