package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Pre-compiled patterns for pulling JSON out of model replies.
var (
	// fencedJSONPattern matches an object or array inside a markdown code fence.
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?([\\[{].*[\\]}])\\s*```")
	// bareObjectPattern matches the outermost-looking JSON object (greedy).
	bareObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseStructured decodes a model reply as JSON. It accepts a bare document, a
// fenced code block, or an object embedded in prose, and tolerates line comments
// and trailing commas. ok is false when nothing decodes.
func ParseStructured(content string) (value any, ok bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}

	if err := json.Unmarshal([]byte(content), &value); err == nil {
		return value, true
	}

	candidate := ExtractJSON(content)
	if candidate == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(candidate), &value); err != nil {
		return nil, false
	}
	return value, true
}

// ExtractJSON returns the JSON document embedded in a reply, cleaned of comments
// and trailing commas, or "" if none is found.
func ExtractJSON(content string) string {
	var raw string
	if m := fencedJSONPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment removes a // comment that sits outside any JSON string.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

// EstimateTokens approximates the token count of text at four characters per token.
// It is only used when a provider reports no usage.
func EstimateTokens(text string) int {
	return len(text)/4 + 1
}
