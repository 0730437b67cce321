package crawl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errTooShort = errors.New("document below minimum length")

// Document is one crawled source. JSON names follow the survey input file
// format ("txt" holds the text).
type Document struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title"`
	Text  string `json:"txt"`
}

// Options tune a Crawler.
type Options struct {
	Concurrency int
	// RequestsPerSecond caps fetch rate across all workers. Zero is unlimited.
	RequestsPerSecond float64
	// MinLength drops documents with fewer runes of text.
	MinLength int
	// MaxLength truncates longer documents.
	MaxLength int
}

// Crawler fetches URLs in parallel and converts them to documents.
type Crawler struct {
	fetcher   *Fetcher
	converter *Converter
	limiter   *rate.Limiter
	opts      Options
	log       *slog.Logger
}

func NewCrawler(f *Fetcher, c *Converter, opts Options, log *slog.Logger) *Crawler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if log == nil {
		log = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Concurrency)
	}
	return &Crawler{fetcher: f, converter: c, limiter: limiter, opts: opts, log: log}
}

// Crawl returns the documents that could be fetched, in input order. Per-URL
// failures are logged and skipped; only cancellation is an error.
func (c *Crawler) Crawl(ctx context.Context, urls []string) ([]Document, error) {
	docs := make([]*Document, len(urls))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			doc, err := c.one(gctx, u)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Debug("crawl failed", "url", u, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, *d)
		}
	}
	c.log.Info("crawl finished", "requested", len(urls), "kept", len(out), "failed", failed)
	return out, nil
}

func (c *Crawler) one(ctx context.Context, u string) (*Document, error) {
	page, err := c.fetcher.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	title, text, err := c.converter.Convert(page)
	if err != nil {
		return nil, err
	}
	n := utf8.RuneCountInString(text)
	if n < c.opts.MinLength || n == 0 {
		return nil, errTooShort
	}
	if c.opts.MaxLength > 0 && n > c.opts.MaxLength {
		text = string([]rune(text)[:c.opts.MaxLength])
	}
	if title == "" {
		title = u
	}
	return &Document{URL: u, Title: title, Text: text}, nil
}
