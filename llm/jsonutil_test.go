package llm

import (
	"encoding/json"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
	}{
		{"bare architecture", `{"stack": {"frontend": "Next.js"}}`, "stack"},
		{"fenced without language", "```\n{\"services\": [\"api\"]}\n```", "services"},
		{"fenced with trailing prose", "```json\n{\"stack\": \"Go\"}\n```\n\nThe API is stateless.", "stack"},
		{
			name:    "security findings with comments and trailing commas",
			input:   "```json\n{\n  \"findings\": [\n    {\"rule\": \"sql-injection\"},  // handlers/user.go\n    {\"rule\": \"hardcoded-secret\"},\n  ],\n}\n```",
			wantKey: "findings",
		},
		{"URL survives comment stripping", `{"docs": "https://go.dev/doc"} // reference`, "docs"},
		{"escaped quote before slashes", `{"note": "say \"hi\" // not a comment"}`, "note"},
		{"object after prose", "Deployment plan follows.\n{\"target\": \"fly.io\"}", "target"},
		{"empty input", "", ""},
		{"plain text", "Use PostgreSQL 17 with pgvector.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractJSON(tt.input)
			if tt.wantKey == "" {
				if result != "" {
					t.Errorf("expected no JSON, got: %s", result)
				}
				return
			}

			var parsed map[string]any
			if err := json.Unmarshal([]byte(result), &parsed); err != nil {
				t.Fatalf("result is not valid JSON: %v\nresult: %s", err, result)
			}
			if _, ok := parsed[tt.wantKey]; !ok {
				t.Errorf("expected key %q, got keys: %v", tt.wantKey, keysOf(parsed))
			}
		})
	}
}

func TestParseStructured(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{"architect object", `{"stack": "Next.js + FastAPI", "db": "PostgreSQL"}`, true},
		{"plain array", `["one", "two"]`, true},
		{"fenced array with comments", "```json\n[\n  \"one\",  // first\n  \"two\"\n]\n```", true},
		{"object in prose", "Here is the design:\n{\"auth\": \"JWT\"}\nLet me know.", true},
		{"plain text", "Use Next.js for the frontend.", false},
		{"whitespace", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, ok := ParseStructured(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ParseStructured(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && value == nil {
				t.Error("expected a decoded value")
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 1 {
		t.Errorf("EstimateTokens(\"\") = %d, want 1", got)
	}
	if got := EstimateTokens("abcdefgh"); got != 3 {
		t.Errorf("EstimateTokens(8 chars) = %d, want 3", got)
	}
}

func TestStripLineComment(t *testing.T) {
	tests := map[string]string{
		`"port": 8080,`:                           `"port": 8080,`,
		`"port": 8080,  // default`:               `"port": 8080,`,
		`// whole line`:                           ``,
		`"repo": "https://github.com/x/y",`:       `"repo": "https://github.com/x/y",`,
		`"repo": "https://github.com/x/y", // gh`: `"repo": "https://github.com/x/y",`,
		`"glob": "a\"b//c",  // escaped`:          `"glob": "a\"b//c",`,
	}
	for in, want := range tests {
		if got := stripLineComment(in); got != want {
			t.Errorf("stripLineComment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCleanJSONRemovesTrailingCommas(t *testing.T) {
	for _, in := range []string{
		`{"stages": ["qa", "devops",]}`,
		`{"retries": 4, "backoff": "4s",}`,
		"{\n  \"env\": [\n    \"DATABASE_URL\",  // required\n    \"REDIS_URL\",\n  ]\n}",
	} {
		var parsed any
		if err := json.Unmarshal([]byte(cleanJSON(in)), &parsed); err != nil {
			t.Errorf("cleanJSON(%q) is invalid: %v", in, err)
		}
	}
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
