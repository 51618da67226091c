// Package code provides the source-inspection tools: execute_code_snippet, which
// validates a snippet without running it, and scan_code_for_vulnerabilities.
// Both parse the snippet with tree-sitter.
package code

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/tools"
)

// Tool names.
const (
	ToolExecute = "execute_code_snippet"
	ToolScan    = "scan_code_for_vulnerabilities"
)

// maxSnippetBytes bounds the snippet size accepted by either tool.
const maxSnippetBytes = 256 * 1024

// unsafePatterns are rejected before parsing, per language.
var unsafePatterns = map[string][]string{
	LangPython:     {"import os", "subprocess", "__import__"},
	LangJavaScript: {"child_process", "require('fs')", `require("fs")`},
	LangTypeScript: {"child_process", "require('fs')", `require("fs")`},
	LangGo:         {`"os/exec"`, `"syscall"`, `"unsafe"`},
}

// ExecResult is the execute_code_snippet result.
type ExecResult struct {
	Output       string        `json:"output"`
	Error        string        `json:"error,omitempty"`
	Success      bool          `json:"success"`
	SyntaxErrors []SyntaxError `json:"syntax_errors,omitempty"`
}

// Executor implements the code tools. Snippets are never executed.
type Executor struct{}

// NewExecutor creates a new code tool executor.
func NewExecutor() *Executor {
	return &Executor{}
}

type snippetArgs struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func decodeSnippet(call llm.ToolCall) (snippetArgs, error) {
	var args snippetArgs
	if err := tools.DecodeArgs(call, &args); err != nil {
		return args, err
	}
	if strings.TrimSpace(args.Code) == "" {
		return args, fmt.Errorf("code is required")
	}
	if len(args.Code) > maxSnippetBytes {
		return args, fmt.Errorf("code exceeds %d bytes", maxSnippetBytes)
	}
	args.Language = normalizeLanguage(args.Language)
	return args, nil
}

// Execute executes a code tool call.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (tools.Result, error) {
	switch call.Name {
	case ToolExecute:
		return e.execute(ctx, call)
	case ToolScan:
		return e.scan(ctx, call)
	default:
		return tools.ErrorResult(call.ID, "unknown tool: %s", call.Name), fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	}
}

func (e *Executor) execute(ctx context.Context, call llm.ToolCall) (tools.Result, error) {
	args, err := decodeSnippet(call)
	if err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}

	for _, pattern := range unsafePatterns[args.Language] {
		if strings.Contains(args.Code, pattern) {
			return tools.JSONResult(call.ID, ExecResult{Error: "Unsafe code detected: " + pattern})
		}
	}

	tree, err := parseSnippet(ctx, args.Language, []byte(args.Code))
	if err != nil {
		return tools.JSONResult(call.ID, ExecResult{Error: err.Error()})
	}
	defer tree.Close()

	root := tree.RootNode()
	if errs := syntaxErrors(root, []byte(args.Code)); len(errs) > 0 {
		return tools.JSONResult(call.ID, ExecResult{
			Error:        fmt.Sprintf("syntax error at line %d: %s", errs[0].Line, errs[0].Message),
			SyntaxErrors: errs,
		})
	}

	return tools.JSONResult(call.ID, ExecResult{
		Output:  fmt.Sprintf("Validated %s snippet: %d top-level statements parsed, no syntax errors", args.Language, root.NamedChildCount()),
		Success: true,
	})
}

func (e *Executor) scan(ctx context.Context, call llm.ToolCall) (tools.Result, error) {
	args, err := decodeSnippet(call)
	if err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}

	source := []byte(args.Code)
	tree, err := parseSnippet(ctx, args.Language, source)
	if err != nil {
		// Unsupported languages still get the keyword scan.
		return tools.JSONResult(call.ID, Scan(args.Language, nil, source))
	}
	defer tree.Close()

	return tools.JSONResult(call.ID, Scan(args.Language, tree.RootNode(), source))
}

// ListTools returns the tool definitions for the code tools.
func (e *Executor) ListTools() []llm.ToolDefinition {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "Code snippet or file content",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "Snippet language (default python)",
				"enum":        Languages,
			},
		},
		"required": []string{"code"},
	}

	return []llm.ToolDefinition{
		{
			Name:        ToolExecute,
			Description: "Validate a small code snippet: rejects unsafe imports and reports syntax errors. The snippet is not run.",
			Parameters:  params,
		},
		{
			Name:        ToolScan,
			Description: "Security scan for common vulnerabilities such as hardcoded secrets and dynamic evaluation.",
			Parameters:  params,
		},
	}
}
