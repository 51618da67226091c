// Package builtin assembles the built-in tool catalog and the per-stage tool
// bindings.
package builtin

import (
	"fmt"

	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/tools"
	"github.com/c360studio/buildforge/tools/catalog"
	"github.com/c360studio/buildforge/tools/code"
	"github.com/c360studio/buildforge/tools/doc"
)

// Config configures the built-in tools.
type Config struct {
	// DocsAllowlist restricts fetch_documentation. Empty uses doc.DefaultAllowlist.
	DocsAllowlist []string

	// DocsMaxChars bounds the markdown fetch_documentation returns.
	DocsMaxChars int
}

// StageTools lists the tools bound to each agent. Agents without an entry get no
// tools; devops has no tool edge in the pipeline graph.
var StageTools = map[model.Agent][]string{
	model.AgentArchitect: {catalog.ToolStackTrends, doc.ToolFetchDocumentation},
	model.AgentFrontend:  {catalog.ToolUIComponent, doc.ToolFetchDocumentation},
	model.AgentBackend:   {code.ToolExecute},
	model.AgentSecurity:  {code.ToolScan},
	model.AgentQA:        {code.ToolExecute},
}

// NewRegistry registers every built-in executor, each wrapped for recording.
func NewRegistry(cfg Config, opts ...tools.RecordingOption) (*tools.Registry, error) {
	docs, err := doc.NewExecutor(cfg.DocsAllowlist, doc.WithMaxChars(cfg.DocsMaxChars))
	if err != nil {
		return nil, fmt.Errorf("documentation tool: %w", err)
	}

	registry := tools.NewRegistry()
	for _, exec := range []tools.Executor{
		catalog.NewExecutor(),
		code.NewExecutor(),
		docs,
	} {
		if err := registry.Register(tools.NewRecordingExecutor(exec, opts...)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// ForAgent returns the toolset bound to an agent.
func ForAgent(registry *tools.Registry, agent model.Agent) *tools.Toolset {
	return registry.Subset(StageTools[agent]...)
}
