// Package crawl downloads web pages and turns them into markdown documents
// for the survey pipeline.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultFetchTimeout   = 30 * time.Second
	DefaultMaxContentSize = 5 << 20
	DefaultUserAgent      = "surveyx-crawler/1.0"
	maxRedirects          = 5
)

// ErrUnsupportedContent is returned for responses that are not HTML or text.
var ErrUnsupportedContent = errors.New("unsupported content type")

// Page is a fetched response body.
type Page struct {
	URL         string
	Body        []byte
	ContentType string
}

// Fetcher retrieves pages with a size cap and a redirect limit.
type Fetcher struct {
	client         *http.Client
	userAgent      string
	maxContentSize int64
}

func NewFetcher(timeout time.Duration, userAgent string, maxContentSize int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if maxContentSize <= 0 {
		maxContentSize = DefaultMaxContentSize
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (max %d)", maxRedirects)
				}
				return nil
			},
		},
		userAgent:      userAgent,
		maxContentSize: maxContentSize,
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

// Fetch downloads rawURL. Non-200 responses and oversize bodies are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxContentSize {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", f.maxContentSize)
	}
	return &Page{URL: rawURL, Body: body, ContentType: ct}, nil
}
