package doc

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Pre-compiled regexes for better performance and to avoid ReDoS with runtime compilation
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Page is a documentation page reduced to markdown.
type Page struct {
	Title    string
	Markdown string
}

// Converter turns documentation HTML into markdown.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a new HTML to markdown converter.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &Converter{converter: converter}
}

// Convert extracts the main content of a page and converts it to markdown.
// Readability picks the article body; pages it cannot handle fall back to a
// landmark-based extraction.
func (c *Converter) Convert(content []byte, pageURL *url.URL) (*Page, error) {
	title := extractHTMLTitle(content)

	var body string
	if article, err := readability.FromReader(bytes.NewReader(content), pageURL); err == nil && strings.TrimSpace(article.Content) != "" {
		body = article.Content
		if article.Title != "" {
			title = article.Title
		}
	} else {
		body = extractMainContent(content)
	}

	markdown, err := c.converter.ConvertString(body)
	if err != nil {
		return nil, err
	}
	markdown = cleanMarkdown(markdown)

	if title == "" {
		title = extractMarkdownTitle(markdown)
	}

	return &Page{Title: title, Markdown: markdown}, nil
}

// extractHTMLTitle extracts the title from HTML.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return ""
	}

	if n := findElement(doc, "title"); n != nil && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	return ""
}

// extractMainContent returns the HTML of the main content area.
func extractMainContent(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return basicHTMLCleanup(string(content))
	}

	for _, selector := range []string{"main", "article", "[role=main]"} {
		if node := findElement(doc, selector); node != nil {
			return renderNode(node)
		}
	}

	removeElements(doc, []string{
		"nav", "header", "footer", "aside", "script", "style", "noscript",
		"iframe", "object", "embed", "form", "input", "button",
	})

	if body := findElement(doc, "body"); body != nil {
		return renderNode(body)
	}
	return string(content)
}

// findElement finds the first element matching a tag or [attr=value] selector.
func findElement(n *html.Node, selector string) *html.Node {
	if n.Type == html.ElementNode && matchesSelector(n, selector) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, selector); found != nil {
			return found
		}
	}
	return nil
}

func matchesSelector(n *html.Node, selector string) bool {
	if strings.HasPrefix(selector, "[") && strings.HasSuffix(selector, "]") {
		key, val, ok := strings.Cut(strings.Trim(selector, "[]"), "=")
		if !ok {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return true
			}
		}
		return false
	}
	return n.Data == selector
}

// removeElements removes all elements with the given tag names.
func removeElements(n *html.Node, tags []string) {
	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}

	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && tagSet[node.Data] {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

// basicHTMLCleanup strips scripts and styles when the HTML does not parse.
func basicHTMLCleanup(content string) string {
	content = scriptRe.ReplaceAllString(content, "")
	return styleRe.ReplaceAllString(content, "")
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractMarkdownTitle extracts the first H1 heading from markdown.
func extractMarkdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
