// Package websearch implements the web_search informational tool
// (SPEC_FULL.md §4.1): a one-shot HTML-scrape search returning up to 8
// titled snippets. Adapted down from the teacher's multi-backend, cached
// internal/tools/websearch package — that package's SearXNG/Brave
// backend-selection and content-extraction machinery has no analog in this
// spec, which calls for exactly one scrape-and-summarize tool.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/coderloop/engine/internal/store"
	"github.com/coderloop/engine/internal/tools"
)

// MaxResults is the snippet cap SPEC_FULL.md §4.1 assigns to web_search.
const MaxResults = 8

// SearchInput is web_search's argument shape.
type SearchInput struct {
	Query string `json:"query" jsonschema:"required,description=The search query."`
}

// Result is one titled snippet.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Tool implements web_search by scraping DuckDuckGo's HTML result page,
// which requires no API key and returns results in hand-parseable markup.
type Tool struct {
	client *http.Client
	schema json.RawMessage
}

// NewTool builds a web_search tool with a 15s HTTP client.
func NewTool() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
		schema: tools.GenerateSchema(SearchInput{}),
	}
}

func (t *Tool) Name() string            { return "web_search" }
func (t *Tool) Description() string     { return "Search the web and return up to 8 titled result snippets." }
func (t *Tool) Schema() json.RawMessage { return t.schema }

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*store.ToolResult, error) {
	var in SearchInput
	if err := json.Unmarshal(params, &in); err != nil {
		return &store.ToolResult{IsError: true, Content: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	if strings.TrimSpace(in.Query) == "" {
		return &store.ToolResult{IsError: true, Content: "query is required"}, nil
	}

	results, err := t.scrape(ctx, in.Query)
	if err != nil || len(results) == 0 {
		return &store.ToolResult{Content: "no results"}, nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return &store.ToolResult{Content: sb.String()}, nil
}

var (
	resultBlockPattern = regexp.MustCompile(`(?s)<a[^>]*class="result__a"[^>]*href="([^"]+)"[^>]*>(.*?)</a>.*?<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	tagStripPattern     = regexp.MustCompile(`<[^>]+>`)
)

// scrape fetches DuckDuckGo's no-JS HTML results page and pulls out up to
// MaxResults {title, url, snippet} triples with a regex scan, since the
// markup is stable enough not to need a full HTML parser for this.
func (t *Tool) scrape(ctx context.Context, query string) ([]Result, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	return t.scrapeFrom(ctx, endpoint)
}

// scrapeFrom issues the GET against endpoint and parses the response as a
// DuckDuckGo HTML results page; split out from scrape so tests can point it
// at an httptest.Server instead of the real backend.
func (t *Tool) scrapeFrom(ctx context.Context, endpoint string) ([]Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; coderloop-engine/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	matches := resultBlockPattern.FindAllStringSubmatch(string(body), MaxResults)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		title := cleanText(m[2])
		snippet := cleanText(m[3])
		if title == "" {
			continue
		}
		results = append(results, Result{Title: title, URL: decodeRedirect(m[1]), Snippet: snippet})
	}
	return results, nil
}

func cleanText(html string) string {
	return strings.TrimSpace(tagStripPattern.ReplaceAllString(html, ""))
}

// decodeRedirect unwraps DuckDuckGo's "/l/?uddg=<encoded>" redirect links
// back to the target URL when present.
func decodeRedirect(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	return href
}
