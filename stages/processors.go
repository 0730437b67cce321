package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohans/surveyx/crawl"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/sink"
)

// QueryGenerator turns a topic into search queries.
type QueryGenerator interface {
	GenerateQueries(ctx context.Context, model, topic, description string) ([]string, error)
}

// Searcher resolves one query to candidate URLs.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
}

// Crawler downloads URLs as documents.
type Crawler interface {
	Crawl(ctx context.Context, urls []string) ([]crawl.Document, error)
}

// Completer is a single LLM call.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

const (
	defaultDigestConcurrency = 4
	maxDigestInput           = 12000
	defaultBlockCount        = 5
)

// processors holds the collaborators shared by the stage functions.
type processors struct {
	queries           QueryGenerator
	searcher          Searcher
	crawler           Crawler
	llm               Completer
	sink              sink.Sink
	log               *slog.Logger
	digestConcurrency int
	now               func() time.Time
}

func (p *processors) prepare(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	if job.InputFile == "" {
		if strings.TrimSpace(job.Topic) == "" {
			return nil, errors.New("job has neither topic nor input file")
		}
		return item, nil
	}
	docs, err := loadDocuments(job.InputFile, job.DataNum)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("input file %s has no documents", job.InputFile)
	}
	job.Documents = docs
	p.log.Info("loaded input documents", "task_id", job.TaskID, "documents", len(docs))
	return item, nil
}

// inputLine is one line of a survey input file: either a topic with its
// papers, or a single paper.
type inputLine struct {
	Title    string           `json:"title"`
	URL      string           `json:"url"`
	Text     string           `json:"txt"`
	Abstract string           `json:"abstract"`
	Papers   []crawl.Document `json:"papers"`
}

func loadDocuments(path string, limit int) ([]crawl.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var docs []crawl.Document
	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var in inputLine
			if err := json.Unmarshal(line, &in); err == nil {
				if len(in.Papers) > 0 {
					for _, d := range in.Papers {
						if d.Text != "" {
							docs = append(docs, d)
						}
					}
				} else if text := firstNonEmpty(in.Text, in.Abstract); text != "" {
					docs = append(docs, crawl.Document{URL: in.URL, Title: in.Title, Text: text})
				}
			}
		}
		if limit > 0 && len(docs) >= limit {
			return docs[:limit], nil
		}
		if errors.Is(rerr, io.EOF) {
			return docs, nil
		}
		if rerr != nil {
			return nil, fmt.Errorf("read input: %w", rerr)
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (p *processors) query(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	qs, err := p.queries.GenerateQueries(ctx, job.Model, job.Topic, job.Description)
	if err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, errors.New("no search queries generated")
	}
	job.Queries = qs
	return item, nil
}

func (p *processors) search(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var urls []string
	var lastErr error
	for _, q := range job.Queries {
		found, err := p.searcher.Search(ctx, q, job.TopN)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn("search query failed", "task_id", job.TaskID, "query", q, "error", err)
			lastErr = err
			continue
		}
		for _, u := range found {
			if !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	if len(urls) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("every search query failed: %w", lastErr)
		}
		return nil, errors.New("search returned no results")
	}
	if job.TopN > 0 && len(urls) > job.TopN {
		urls = urls[:job.TopN]
	}
	job.URLs = urls
	return item, nil
}

func (p *processors) crawl(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	docs, err := p.crawler.Crawl(ctx, job.URLs)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("none of %d urls could be crawled", len(job.URLs))
	}
	if job.DataNum > 0 && len(docs) > job.DataNum {
		docs = docs[:job.DataNum]
	}
	job.Documents = docs
	return item, nil
}

func (p *processors) digest(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	subject := firstNonEmpty(job.Topic, job.Description, "the provided sources")
	digests := make([]Digest, len(job.Documents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.digestConcurrency)
	for i, doc := range job.Documents {
		g.Go(func() error {
			text := doc.Text
			if r := []rune(text); len(r) > maxDigestInput {
				text = string(r[:maxDigestInput])
			}
			summary, err := p.llm.Complete(gctx, job.Model, fmt.Sprintf(digestPrompt, subject, doc.Title, text))
			if err != nil {
				return fmt.Errorf("digest %q: %w", doc.Title, err)
			}
			digests[i] = Digest{Title: doc.Title, URL: doc.URL, Summary: strings.TrimSpace(summary)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	job.Digests = digests
	return item, nil
}

func (p *processors) write(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	if len(job.Digests) == 0 {
		return nil, errors.New("nothing to write: no digests")
	}
	var b strings.Builder
	for i, d := range job.Digests {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, d.Title, d.Summary)
	}
	blocks := job.BlockCount
	if blocks <= 0 {
		blocks = defaultBlockCount
	}
	desc := ""
	if job.Description != "" {
		desc = "Scope: " + job.Description + "\n"
	}
	subject := firstNonEmpty(job.Topic, "the provided sources")
	survey, err := p.llm.Complete(ctx, job.Model, fmt.Sprintf(writePrompt, subject, desc, blocks, b.String()))
	if err != nil {
		return nil, err
	}
	job.Survey = strings.TrimSpace(survey)
	return item, nil
}

// ResultRecord is the line appended to the shared sink. Title carries the
// task's unique marker.
type ResultRecord struct {
	Title     string   `json:"title"`
	TaskID    string   `json:"task_id"`
	Topic     string   `json:"topic,omitempty"`
	Content   string   `json:"content"`
	Papers    []Source `json:"papers"`
	Digests   []Digest `json:"digests,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// Source is a cited document without its text.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

func (p *processors) save(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error) {
	job, err := JobOf(item)
	if err != nil {
		return nil, err
	}
	rec := ResultRecord{
		Title:     job.Marker,
		TaskID:    job.TaskID,
		Topic:     job.Topic,
		Content:   job.Survey,
		Digests:   job.Digests,
		CreatedAt: p.now().UTC().Format(time.RFC3339),
	}
	for _, d := range job.Documents {
		rec.Papers = append(rec.Papers, Source{Title: d.Title, URL: d.URL})
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if err := p.sink.Append(ctx, b); err != nil {
		return nil, err
	}
	p.log.Info("survey written", "task_id", job.TaskID, "marker", job.Marker, "sink", p.sink.Locator())
	return nil, nil
}
