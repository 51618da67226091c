// Package catalog provides the reference-data tools: stack trend lookup, UI
// component examples and CI/CD pipeline generation.
package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/tools"
)

// Tool names.
const (
	ToolStackTrends = "search_latest_stack_trends"
	ToolUIComponent = "fetch_ui_component_example"
	ToolCICD        = "generate_ci_cd_pipeline"
)

// StackTrend is what search_latest_stack_trends returns for a technology.
type StackTrend struct {
	Version         string   `json:"version"`
	ReleaseDate     string   `json:"release_date,omitempty"`
	Recommendations []string `json:"recommendations"`
	Sources         []string `json:"sources,omitempty"`
}

// UIComponent is one fetch_ui_component_example result.
type UIComponent struct {
	ComponentName string `json:"component_name"`
	Framework     string `json:"framework"`
	Code          string `json:"code"`
}

// Pipeline is one generate_ci_cd_pipeline result.
type Pipeline struct {
	Name    string `json:"name"`
	File    string `json:"file"`
	Content string `json:"content"`
}

var defaultTrends = map[string]StackTrend{
	"next.js": {
		Version:         "15.2",
		ReleaseDate:     "January 2026",
		Recommendations: []string{"Use App Router", "Server Components by default", "Turbopack for dev"},
		Sources:         []string{"nextjs.org/blog", "GitHub releases"},
	},
	"fastapi": {
		Version:         "0.115",
		ReleaseDate:     "December 2025",
		Recommendations: []string{"Use SQLModel for ORM", "Pydantic v2", "BackgroundTasks for async"},
	},
	"postgresql": {
		Version:         "17",
		ReleaseDate:     "September 2024",
		Recommendations: []string{"Use pgvector for embeddings", "Prefer identity columns over serial"},
		Sources:         []string{"postgresql.org/docs"},
	},
	"go": {
		Version:         "1.25",
		ReleaseDate:     "August 2025",
		Recommendations: []string{"Use log/slog for structured logging", "Range over func iterators"},
		Sources:         []string{"go.dev/doc/devel/release"},
	},
}

var defaultComponents = map[string]map[string]string{
	"Button": {
		"nextjs": `import { Button } from '@/components/ui/button'

export function PrimaryButton() {
  return <Button variant="default">Click me</Button>
}
`,
		"svelte": `<script>
  import { Button } from '$lib/components/ui/button'
</script>

<Button variant="default">Click me</Button>
`,
	},
}

var frameworks = []string{"react", "nextjs", "svelte", "vue"}

var targets = []string{"vercel", "railway", "flyio", "aws", "k8s"}

// Executor implements the catalog tools over static reference data.
type Executor struct {
	trends     map[string]StackTrend
	components map[string]map[string]string
}

// NewExecutor creates an executor with the built-in reference data.
func NewExecutor() *Executor {
	return &Executor{
		trends:     defaultTrends,
		components: defaultComponents,
	}
}

// Execute executes a catalog tool call.
func (e *Executor) Execute(_ context.Context, call llm.ToolCall) (tools.Result, error) {
	switch call.Name {
	case ToolStackTrends:
		return e.stackTrends(call)
	case ToolUIComponent:
		return e.uiComponent(call)
	case ToolCICD:
		return e.pipeline(call)
	default:
		return tools.ErrorResult(call.ID, "unknown tool: %s", call.Name), fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	}
}

func (e *Executor) stackTrends(call llm.ToolCall) (tools.Result, error) {
	var args struct {
		Technology string `json:"technology"`
	}
	if err := tools.DecodeArgs(call, &args); err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}
	if args.Technology == "" {
		return tools.ErrorResult(call.ID, "technology is required"), nil
	}

	trend, ok := e.trends[strings.ToLower(strings.TrimSpace(args.Technology))]
	if !ok {
		trend = StackTrend{Version: "unknown", Recommendations: []string{"No data found"}}
	}
	return tools.JSONResult(call.ID, trend)
}

func (e *Executor) uiComponent(call llm.ToolCall) (tools.Result, error) {
	var args struct {
		ComponentName string `json:"component_name"`
		Framework     string `json:"framework"`
	}
	if err := tools.DecodeArgs(call, &args); err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}
	if args.ComponentName == "" {
		return tools.ErrorResult(call.ID, "component_name is required"), nil
	}
	if args.Framework == "" {
		args.Framework = "nextjs"
	}

	code, ok := e.components[args.ComponentName][args.Framework]
	if !ok {
		code = "No example found"
	}
	return tools.JSONResult(call.ID, UIComponent{
		ComponentName: args.ComponentName,
		Framework:     args.Framework,
		Code:          code,
	})
}

func (e *Executor) pipeline(call llm.ToolCall) (tools.Result, error) {
	var args struct {
		Stack  string `json:"stack"`
		Target string `json:"target"`
	}
	if err := tools.DecodeArgs(call, &args); err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}
	if args.Stack == "" {
		return tools.ErrorResult(call.ID, "stack is required"), nil
	}
	if args.Target == "" {
		args.Target = "vercel"
	}

	return tools.JSONResult(call.ID, GeneratePipeline(args.Stack, args.Target))
}

// GeneratePipeline renders a GitHub Actions deploy workflow.
func GeneratePipeline(stack, target string) Pipeline {
	content := fmt.Sprintf(`name: Deploy to %[1]s
on: [push]
jobs:
  deploy:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - name: Setup Node
        uses: actions/setup-node@v4
        with: { node-version: '20' }
      - run: npm ci
      - run: npm run build
      - name: Deploy
        run: echo "Deploy to %[1]s"
`, target)

	return Pipeline{
		Name:    fmt.Sprintf("Deploy %s to %s", stack, target),
		File:    ".github/workflows/deploy.yml",
		Content: content,
	}
}

// ListTools returns the tool definitions for the catalog tools.
func (e *Executor) ListTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolStackTrends,
			Description: "Search for latest versions, trends, best practices, and security notes for a given technology.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"technology": map[string]any{
						"type":        "string",
						"description": "Tech stack or library (e.g. 'Next.js', 'FastAPI', 'PostgreSQL')",
					},
				},
				"required": []string{"technology"},
			},
		},
		{
			Name:        ToolUIComponent,
			Description: "Fetch a modern, accessible, production-ready UI component example.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"component_name": map[string]any{
						"type":        "string",
						"description": "Component name, e.g. 'Button', 'Modal', 'DataTable'",
					},
					"framework": map[string]any{
						"type":        "string",
						"description": "Target framework",
						"enum":        frameworks,
					},
				},
				"required": []string{"component_name"},
			},
		},
		{
			Name:        ToolCICD,
			Description: "Generate a CI/CD pipeline config (GitHub Actions) for a stack and deployment target.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"stack": map[string]any{
						"type":        "string",
						"description": "Tech stack summary, e.g. 'Next.js + FastAPI + Postgres'",
					},
					"target": map[string]any{
						"type":        "string",
						"description": "Deployment target",
						"enum":        targets,
					},
				},
				"required": []string{"stack"},
			},
		},
	}
}
