package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultBraveEndpoint = "https://api.search.brave.com/res/v1/web/search"
	maxResponseBytes     = 2 << 20
)

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// braveSearch issues one query against the Brave web search API and maps
// the response into the provider-neutral result shape. The request is
// assumed to be normalized by the caller.
func (c *Client) braveSearch(ctx context.Context, req SearchRequest) (SearchResult, error) {
	endpoint, err := url.Parse(c.endpoint)
	if err != nil {
		return SearchResult{}, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", req.Query)
	q.Set("count", strconv.Itoa(req.Count))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SearchResult{}, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return SearchResult{}, fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SearchResult{}, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(body))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return SearchResult{}, fmt.Errorf("web search status %d: %s", resp.StatusCode, detail)
	}

	var decoded braveResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}

	out := SearchResult{Provider: ProviderBrave, Query: req.Query}
	for _, item := range decoded.Web.Results {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = u
		}
		out.Results = append(out.Results, ResultItem{
			Title:   title,
			URL:     u,
			Snippet: strings.TrimSpace(item.Description),
		})
	}
	return out, nil
}
