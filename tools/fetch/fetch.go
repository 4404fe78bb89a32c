// Package fetch implements agentloop.Tool for downloading a URL and
// extracting its readable text content.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/cortexflow/agentloop"
)

const maxContentBytes = 8000

// Tool fetches URLs and extracts readable content via go-readability,
// falling back to crude tag stripping when extraction fails.
type Tool struct {
	client *http.Client
}

var _ agentloop.Tool = (*Tool)(nil)

// New creates a Tool with a 15-second request timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Tool) Name() string { return "fetch_url" }

func (t *Tool) Description() string {
	return "Fetch a URL and extract its readable text content. Use for reading web pages, articles, and documentation."
}

func (t *Tool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`)
}

func (t *Tool) Invoke(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("fetch_url: invalid input: %w", err)
	}

	content, err := t.fetch(ctx, params.URL)
	if err != nil {
		return "", err
	}
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes] + "\n... (truncated)"
	}
	return content, nil
}

func (t *Tool) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch_url: invalid url: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agentloop/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch_url: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch_url: http %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("fetch_url: read failed: %w", err)
	}

	html := string(body)
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return stripHTML(html), nil
}

// stripHTML is a crude tag-stripping fallback used when readability
// extraction fails to find an article body.
func stripHTML(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	fields := strings.Fields(b.String())
	return strings.TrimSpace(strings.Join(fields, " "))
}
