// Package doc provides fetch_documentation, which lets agents read current
// framework documentation from an allowlist of sites.
package doc

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/tools"
)

// ToolFetchDocumentation is the tool name.
const ToolFetchDocumentation = "fetch_documentation"

const (
	// DefaultMaxChars bounds the markdown returned to the model.
	DefaultMaxChars = 8000

	// maxPageBytes bounds the fetched HTML.
	maxPageBytes = 5 * 1024 * 1024
)

// DefaultAllowlist is the set of documentation sites agents may read.
// Patterns match "host/path" with doublestar globbing.
var DefaultAllowlist = []string{
	"nextjs.org/docs/**",
	"react.dev/**",
	"svelte.dev/docs/**",
	"fastapi.tiangolo.com/**",
	"docs.python.org/**",
	"go.dev/doc/**",
	"pkg.go.dev/**",
	"developer.mozilla.org/**",
	"www.postgresql.org/docs/**",
	"docs.github.com/**",
}

// FetchResult is the fetch_documentation result.
type FetchResult struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Markdown  string `json:"markdown"`
	Truncated bool   `json:"truncated"`
}

// Executor implements fetch_documentation.
type Executor struct {
	allowlist  []string
	httpClient *http.Client
	converter  *Converter
	maxChars   int
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient sets the client used to fetch pages.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		e.httpClient = c
	}
}

// WithMaxChars bounds the markdown length returned.
func WithMaxChars(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxChars = n
		}
	}
}

// NewExecutor creates a documentation executor. An empty allowlist uses
// DefaultAllowlist.
func NewExecutor(allowlist []string, opts ...Option) (*Executor, error) {
	if len(allowlist) == 0 {
		allowlist = DefaultAllowlist
	}
	for _, pattern := range allowlist {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid allowlist pattern: %s", pattern)
		}
	}

	e := &Executor{
		allowlist: allowlist,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
				MaxConnsPerHost: 10,
			},
		},
		converter: NewConverter(),
		maxChars:  DefaultMaxChars,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Allowed reports whether a URL matches the allowlist.
func (e *Executor) Allowed(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	target := strings.ToLower(u.Host) + u.EscapedPath()
	if u.Path == "" {
		target += "/"
	}
	for _, pattern := range e.allowlist {
		if ok, _ := doublestar.Match(pattern, target); ok {
			return true
		}
	}
	return false
}

// Execute executes a documentation tool call.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall) (tools.Result, error) {
	if call.Name != ToolFetchDocumentation {
		return tools.ErrorResult(call.ID, "unknown tool: %s", call.Name), fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	}

	var args struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := tools.DecodeArgs(call, &args); err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}
	if args.URL == "" {
		return tools.ErrorResult(call.ID, "url argument is required"), nil
	}

	u, err := url.Parse(args.URL)
	if err != nil {
		return tools.ErrorResult(call.ID, "invalid url: %v", err), nil
	}
	if !e.Allowed(u) {
		return tools.ErrorResult(call.ID, "url not in documentation allowlist: %s", u.Host), nil
	}

	maxChars := e.maxChars
	if args.MaxChars > 0 && args.MaxChars < maxChars {
		maxChars = args.MaxChars
	}

	page, err := e.fetch(ctx, u)
	if err != nil {
		return tools.ErrorResult(call.ID, "%v", err), nil
	}

	result := FetchResult{URL: u.String(), Title: page.Title, Markdown: page.Markdown}
	if len(result.Markdown) > maxChars {
		result.Markdown = result.Markdown[:maxChars]
		result.Truncated = true
	}
	return tools.JSONResult(call.ID, result)
}

func (e *Executor) fetch(ctx context.Context, u *url.URL) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", "buildforge-docs/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, _ := mime.ParseMediaType(ct)
		if mediaType != "text/html" && mediaType != "application/xhtml+xml" {
			return nil, fmt.Errorf("unsupported content type: %s", mediaType)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page, err := e.converter.Convert(body, u)
	if err != nil {
		return nil, fmt.Errorf("convert page: %w", err)
	}
	return page, nil
}

// ListTools returns the tool definition for fetch_documentation.
func (e *Executor) ListTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolFetchDocumentation,
			Description: "Fetch a page of official framework documentation and return it as markdown. Only allowlisted documentation sites can be read.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Documentation page URL, e.g. https://nextjs.org/docs/app",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"description": fmt.Sprintf("Maximum markdown characters to return (default: %d)", DefaultMaxChars),
					},
				},
				"required": []string{"url"},
			},
		},
	}
}
