// Package tools holds the agent tool catalog: the Executor contract, a name-keyed
// Registry with per-stage subsets, and trajectory recording for every call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/buildforge/llm"
)

// ErrUnknownTool is returned when a call names a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Result is the outcome of one tool call. Content is the JSON payload sent back to
// the model; Error is set when the tool failed.
type Result struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Message converts the result into a tool-role history entry. Failed calls become
// an error-shaped JSON object so the model can see what went wrong.
func (r Result) Message(call llm.ToolCall) llm.Message {
	content := r.Content
	if r.Error != "" {
		data, _ := json.Marshal(map[string]string{"error": r.Error})
		content = string(data)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// Executor runs one or more named tools.
type Executor interface {
	Execute(ctx context.Context, call llm.ToolCall) (Result, error)
	ListTools() []llm.ToolDefinition
}

// JSONResult marshals v as a successful result.
func JSONResult(callID string, v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{CallID: callID, Error: fmt.Sprintf("marshal result: %v", err)}, err
	}
	return Result{CallID: callID, Content: string(data)}, nil
}

// ErrorResult builds a failed result.
func ErrorResult(callID, format string, args ...any) Result {
	return Result{CallID: callID, Error: fmt.Sprintf(format, args...)}
}

// DecodeArgs unmarshals a call's JSON arguments into v.
func DecodeArgs(call llm.ToolCall, v any) error {
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
	}
	return nil
}

// Registry maps tool names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	defs      map[string]llm.ToolDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		defs:      make(map[string]llm.ToolDefinition),
	}
}

// Register adds every tool the executor lists. Re-registering a name is an error.
func (r *Registry) Register(exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range exec.ListTools() {
		if _, exists := r.executors[def.Name]; exists {
			return fmt.Errorf("tool %s already registered", def.Name)
		}
		r.executors[def.Name] = exec
		r.defs[def.Name] = def
	}
	return nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition returns the definition for a tool name.
func (r *Registry) Definition(name string) (llm.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// ListTools returns every definition, sorted by name.
func (r *Registry) ListTools() []llm.ToolDefinition {
	return r.Subset(r.Names()...).ListTools()
}

// Execute runs a call against the registry. Unknown names return ErrUnknownTool.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (Result, error) {
	r.mu.RLock()
	exec, ok := r.executors[call.Name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(call.ID, "unknown tool: %s", call.Name), fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	return exec.Execute(ctx, call)
}

// Call runs a call and never fails: unknown tools and tool errors come back as
// error-shaped results.
func (r *Registry) Call(ctx context.Context, call llm.ToolCall) Result {
	return callSafely(ctx, r, call)
}

// Subset returns a toolset restricted to the given names. Unregistered names are
// ignored.
func (r *Registry) Subset(names ...string) *Toolset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := &Toolset{registry: r, allowed: make(map[string]bool, len(names))}
	for _, name := range names {
		if _, ok := r.defs[name]; !ok {
			continue
		}
		if !ts.allowed[name] {
			ts.allowed[name] = true
			ts.names = append(ts.names, name)
		}
	}
	return ts
}

// Toolset is the slice of the registry bound to one stage.
type Toolset struct {
	registry *Registry
	allowed  map[string]bool
	names    []string
}

// Empty reports whether the toolset binds no tools.
func (t *Toolset) Empty() bool {
	return t == nil || len(t.names) == 0
}

// ListTools returns the definitions of the toolset's tools in binding order.
func (t *Toolset) ListTools() []llm.ToolDefinition {
	if t.Empty() {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(t.names))
	for _, name := range t.names {
		if def, ok := t.registry.Definition(name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Execute runs a call if the tool belongs to the set.
func (t *Toolset) Execute(ctx context.Context, call llm.ToolCall) (Result, error) {
	if t.Empty() || !t.allowed[call.Name] {
		return ErrorResult(call.ID, "unknown tool: %s", call.Name), fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	return t.registry.Execute(ctx, call)
}

// Call runs a call and folds every failure into the result.
func (t *Toolset) Call(ctx context.Context, call llm.ToolCall) Result {
	return callSafely(ctx, t, call)
}

func callSafely(ctx context.Context, exec Executor, call llm.ToolCall) Result {
	result, err := exec.Execute(ctx, call)
	result.CallID = call.ID
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}
	return result
}
