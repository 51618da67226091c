package builtin

import (
	"context"
	"testing"

	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry(Config{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"execute_code_snippet",
		"fetch_documentation",
		"fetch_ui_component_example",
		"generate_ci_cd_pipeline",
		"scan_code_for_vulnerabilities",
		"search_latest_stack_trends",
	}, registry.Names())
}

func TestForAgent(t *testing.T) {
	registry, err := NewRegistry(Config{})
	require.NoError(t, err)

	tests := []struct {
		agent model.Agent
		want  []string
	}{
		{model.AgentArchitect, []string{"search_latest_stack_trends", "fetch_documentation"}},
		{model.AgentFrontend, []string{"fetch_ui_component_example", "fetch_documentation"}},
		{model.AgentBackend, []string{"execute_code_snippet"}},
		{model.AgentSecurity, []string{"scan_code_for_vulnerabilities"}},
		{model.AgentQA, []string{"execute_code_snippet"}},
		{model.AgentDevOps, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.agent), func(t *testing.T) {
			ts := ForAgent(registry, tt.agent)
			var names []string
			for _, def := range ts.ListTools() {
				names = append(names, def.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestToolsetRejectsUnboundTool(t *testing.T) {
	registry, err := NewRegistry(Config{})
	require.NoError(t, err)

	ts := ForAgent(registry, model.AgentSecurity)
	result := ts.Call(context.Background(), llm.ToolCall{ID: "c1", Name: "execute_code_snippet", Arguments: `{"code":"x=1"}`})
	assert.Contains(t, result.Error, "unknown tool")

	msg := result.Message(llm.ToolCall{ID: "c1", Name: "execute_code_snippet"})
	assert.Equal(t, llm.RoleTool, msg.Role)
	assert.Equal(t, "c1", msg.ToolCallID)
	assert.JSONEq(t, `{"error":"unknown tool: execute_code_snippet"}`, msg.Content)
}
