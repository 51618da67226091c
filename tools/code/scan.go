package code

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Issue severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// Issue is one finding of scan_code_for_vulnerabilities.
type Issue struct {
	Severity    string `json:"severity"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Fix         string `json:"fix"`
}

// ScanReport is the scan_code_for_vulnerabilities result.
type ScanReport struct {
	Issues []Issue `json:"issues"`
	Score  int     `json:"score"`
	Passed bool    `json:"passed"`
}

// secretMarkers are identifier fragments that indicate a credential.
var secretMarkers = []string{"password", "passwd", "api_key", "apikey", "secret", "token"}

// keywordMarkers trigger the text fallback when the AST finds nothing.
var keywordMarkers = []string{"password", "api_key"}

// stringTypes are the literal node types of the supported grammars.
var stringTypes = map[string]bool{
	"string":                     true,
	"template_string":            true,
	"interpreted_string_literal": true,
	"raw_string_literal":         true,
}

// evalCalls are dynamic evaluation builtins per language.
var evalCalls = map[string]map[string]bool{
	LangPython:     {"eval": true, "exec": true},
	LangJavaScript: {"eval": true, "Function": true},
	LangTypeScript: {"eval": true, "Function": true},
}

// bindingFields are the (target, value) field pairs of assignment-like nodes.
var bindingFields = [][2]string{
	{"left", "right"},
	{"name", "value"},
	{"key", "value"},
}

func hasSecretMarker(name string) bool {
	name = strings.ToLower(name)
	for _, m := range secretMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func isStringLiteral(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	if stringTypes[n.Type()] {
		return true
	}
	// Go declarations wrap values in an expression_list.
	if n.Type() == "expression_list" && n.NamedChildCount() > 0 {
		return isStringLiteral(n.NamedChild(0))
	}
	return false
}

// Scan reports hardcoded secrets and dynamic evaluation in a parsed snippet.
// Score is 10 minus the number of issues, floored at zero.
func Scan(lang string, root *sitter.Node, source []byte) ScanReport {
	issues := make([]Issue, 0)
	seenLines := make(map[int]bool)

	walk(root, func(n *sitter.Node) bool {
		for _, f := range bindingFields {
			target := n.ChildByFieldName(f[0])
			value := n.ChildByFieldName(f[1])
			if target == nil || value == nil {
				continue
			}
			if hasSecretMarker(target.Content(source)) && isStringLiteral(value) {
				line := int(n.StartPoint().Row) + 1
				if !seenLines[line] {
					seenLines[line] = true
					issues = append(issues, secretIssue(line))
				}
				return false
			}
		}

		if fn := n.ChildByFieldName("function"); fn != nil && evalCalls[lang][fn.Content(source)] {
			issues = append(issues, Issue{
				Severity:    SeverityMedium,
				Type:        "code_injection",
				Description: "Dynamic evaluation via " + fn.Content(source),
				Line:        int(n.StartPoint().Row) + 1,
				Fix:         "Avoid evaluating runtime strings as code",
			})
		}
		return true
	})

	if len(seenLines) == 0 {
		if line := keywordLine(string(source)); line > 0 {
			issues = append(issues, secretIssue(line))
		}
	}

	score := 10 - len(issues)
	if score < 0 {
		score = 0
	}
	return ScanReport{Issues: issues, Score: score, Passed: len(issues) == 0}
}

func secretIssue(line int) Issue {
	return Issue{
		Severity:    SeverityHigh,
		Type:        "hardcoded_secret",
		Description: "Potential hardcoded credential detected",
		Line:        line,
		Fix:         "Use environment variables or secrets manager",
	}
}

// keywordLine returns the first line mentioning a credential keyword, or 0.
func keywordLine(source string) int {
	for i, line := range strings.Split(source, "\n") {
		lower := strings.ToLower(line)
		for _, m := range keywordMarkers {
			if strings.Contains(lower, m) {
				return i + 1
			}
		}
	}
	return 0
}
