package code

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Supported snippet languages.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangGo         = "go"
)

// Languages lists the accepted language names.
var Languages = []string{LangPython, LangJavaScript, LangTypeScript, LangGo}

// maxSyntaxErrors caps the number of syntax errors reported per snippet.
const maxSyntaxErrors = 5

func grammar(lang string) (*sitter.Language, error) {
	switch lang {
	case LangPython:
		return python.GetLanguage(), nil
	case LangJavaScript:
		return javascript.GetLanguage(), nil
	case LangTypeScript:
		return typescript.GetLanguage(), nil
	case LangGo:
		return golang.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("unsupported language: %s", lang)
	}
}

// normalizeLanguage maps common aliases onto the supported names.
func normalizeLanguage(lang string) string {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "py", "python":
		return LangPython
	case "js", "javascript", "node":
		return LangJavaScript
	case "ts", "typescript":
		return LangTypeScript
	case "go", "golang":
		return LangGo
	default:
		return strings.ToLower(lang)
	}
}

// parseSnippet parses source with the language grammar.
func parseSnippet(ctx context.Context, lang string, source []byte) (*sitter.Tree, error) {
	language, err := grammar(lang)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(language)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", lang, err)
	}
	return tree, nil
}

// SyntaxError is one ERROR or MISSING node found by the parser.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// syntaxErrors collects up to maxSyntaxErrors error nodes.
func syntaxErrors(root *sitter.Node, source []byte) []SyntaxError {
	if !root.HasError() {
		return nil
	}

	var errs []SyntaxError
	walk(root, func(n *sitter.Node) bool {
		if len(errs) >= maxSyntaxErrors {
			return false
		}
		switch {
		case n.IsMissing():
			errs = append(errs, SyntaxError{
				Line:    int(n.StartPoint().Row) + 1,
				Column:  int(n.StartPoint().Column) + 1,
				Message: fmt.Sprintf("missing %s", n.Type()),
			})
			return false
		case n.IsError():
			errs = append(errs, SyntaxError{
				Line:    int(n.StartPoint().Row) + 1,
				Column:  int(n.StartPoint().Column) + 1,
				Message: fmt.Sprintf("unexpected %q", truncate(n.Content(source), 40)),
			})
			return false
		}
		return n.HasError()
	})
	return errs
}

// walk visits n depth-first. visit returns false to skip a node's children.
func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
