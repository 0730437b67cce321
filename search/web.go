package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearcher queries a SearXNG-compatible JSON endpoint.
type WebSearcher struct {
	endpoint string
	client   *http.Client
}

func NewWebSearcher(endpoint string, timeout time.Duration) *WebSearcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WebSearcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Results []struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"results"`
}

// Search returns up to limit result URLs for query, in ranking order.
func (s *WebSearcher) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if s.endpoint == "" {
		return nil, fmt.Errorf("search: no endpoint configured")
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search %q: HTTP %d", query, resp.StatusCode)
	}
	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("search %q: decode: %w", query, err)
	}
	var urls []string
	for _, r := range body.Results {
		if r.URL == "" {
			continue
		}
		urls = append(urls, r.URL)
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	return urls, nil
}
