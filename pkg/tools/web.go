// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const maxPageBytes = 1 << 20

// SearchResult is one hit returned by web_search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type webSearch struct {
	endpoint   string
	client     *http.Client
	maxResults int
}

func (s *webSearch) search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	body, _, err := get(ctx, s.client, u.String())
	if err != nil {
		return "", err
	}
	results, err := parseSearchResults(body, s.maxResults)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No results found for the query.", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Search results for: %s\n", query)
	for i, r := range results {
		fmt.Fprintf(&out, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&out, "   %s\n", r.Snippet)
		}
	}
	return out.String(), nil
}

// parseSearchResults reads DuckDuckGo's HTML result page: anchors with
// class result__a carry title and link, result__snippet the summary.
func parseSearchResults(r io.Reader, limit int) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	var results []SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				results = append(results, SearchResult{
					Title: collapse(textOf(n)),
					URL:   resultURL(attrOf(n, "href")),
				})
			case hasClass(n, "result__snippet") && len(results) > 0:
				last := &results[len(results)-1]
				if last.Snippet == "" {
					last.Snippet = collapse(textOf(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// resultURL unwraps DuckDuckGo redirect links (/l/?uddg=<target>).
func resultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

type urlFetcher struct {
	client   *http.Client
	maxChars int
}

func (f *urlFetcher) fetch(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("only absolute http and https URLs are supported")
	}
	body, contentType, err := get(ctx, f.client, u.String())
	if err != nil {
		return "", err
	}
	var text string
	if strings.Contains(contentType, "html") || contentType == "" {
		doc, err := html.Parse(body)
		if err != nil {
			return "", fmt.Errorf("parse page: %w", err)
		}
		text = readableText(doc)
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("read page: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if f.maxChars > 0 && len(text) > f.maxChars {
		text = text[:f.maxChars] + "\n... (content truncated)"
	}
	return text, nil
}

func get(ctx context.Context, client *http.Client, target string) (io.Reader, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "kairosforge/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	return strings.NewReader(string(data)), strings.ToLower(resp.Header.Get("Content-Type")), nil
}

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"footer": true, "header": true, "iframe": true, "svg": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "br": true, "pre": true, "blockquote": true, "title": true,
}

// readableText flattens a page to text, one block element per line.
func readableText(doc *html.Node) string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := collapse(cur.String()); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		block := n.Type == html.ElementNode && blockTags[n.Data]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(lines, "\n")
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(attrOf(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attrOf(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
