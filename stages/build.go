package stages

import (
	"errors"
	"log/slog"
	"time"

	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/sink"
	"github.com/mohans/surveyx/task"
)

// Stage names, in pipeline order.
const (
	StagePrepare = "prepare"
	StageQuery   = "query"
	StageSearch  = "search"
	StageCrawl   = "crawl"
	StageDigest  = "digest"
	StageWrite   = "write"
	StageSave    = "save"
)

// Names lists every stage in pipeline order.
func Names() []string {
	return []string{StagePrepare, StageQuery, StageSearch, StageCrawl, StageDigest, StageWrite, StageSave}
}

// Sizing sets one stage's concurrency.
type Sizing struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// Deps are the collaborators the survey stages call.
type Deps struct {
	Queries  QueryGenerator
	Searcher Searcher
	Crawler  Crawler
	LLM      Completer
	Sink     sink.Sink
	Log      *slog.Logger
	// DigestConcurrency bounds parallel LLM calls inside one digest item.
	DigestConcurrency int
	Now               func() time.Time
}

// Build assembles the survey graph:
//
//	prepare ─┬─(has documents)──────────────────────► digest ─► write ─► save
//	         └─► query ─► search ─► crawl ────────────┘
func Build(d Deps, sizes map[string]Sizing, opts ...pipeline.Option) (*pipeline.Graph, error) {
	if d.Queries == nil || d.Searcher == nil || d.Crawler == nil || d.LLM == nil || d.Sink == nil {
		return nil, errors.New("stages: every collaborator is required")
	}
	p := &processors{
		queries:           d.Queries,
		searcher:          d.Searcher,
		crawler:           d.Crawler,
		llm:               d.LLM,
		sink:              d.Sink,
		log:               d.Log,
		digestConcurrency: d.DigestConcurrency,
		now:               d.Now,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.digestConcurrency <= 0 {
		p.digestConcurrency = defaultDigestConcurrency
	}
	if p.now == nil {
		p.now = time.Now
	}

	defs := []struct {
		name   string
		status task.Status
		fn     pipeline.ProcessorFunc
	}{
		{StagePrepare, task.StatusPreparing, p.prepare},
		{StageQuery, task.StatusSearching, p.query},
		{StageSearch, task.StatusSearchingWeb, p.search},
		{StageCrawl, task.StatusCrawling, p.crawl},
		{StageDigest, task.StatusProcessing, p.digest},
		{StageWrite, task.StatusProcessing, p.write},
		{StageSave, task.StatusProcessing, p.save},
	}

	g := pipeline.NewGraph(opts...)
	for _, def := range defs {
		sz := sizes[def.name]
		if err := g.AddStage(pipeline.StageConfig{
			Name:          def.name,
			Status:        def.status,
			Workers:       sz.Workers,
			QueueCapacity: sz.QueueCapacity,
			Processor:     def.fn,
		}); err != nil {
			return nil, err
		}
	}
	if err := g.Connect(StagePrepare, StageDigest, HasDocuments); err != nil {
		return nil, err
	}
	if err := g.Chain(StagePrepare, StageQuery, StageSearch, StageCrawl, StageDigest, StageWrite, StageSave); err != nil {
		return nil, err
	}
	return g, nil
}
