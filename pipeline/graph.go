// Package pipeline runs work items through a directed acyclic graph of
// bounded stage pools.
//
// Every stage owns a bounded FIFO queue drained by a fixed number of workers.
// Edges between stages may carry a predicate; the first matching edge wins, so
// an item is owned by exactly one stage at a time. Submit blocks while the
// entry queue is full (optionally bounded by a submit timeout) and never drops
// an item silently. Stop drains: no new submissions are accepted, queued and
// in-flight items finish, and once Stop returns no worker is running.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type edge struct {
	to   string
	when func(*Item) bool
}

type graphState int

const (
	stateBuilding graphState = iota
	stateRunning
	stateStopping
	stateStopped
)

// Graph owns a set of stage pools and the queues between them.
type Graph struct {
	log           *slog.Logger
	tracker       Tracker
	submitTimeout time.Duration

	mu     sync.Mutex
	state  graphState
	pools  map[string]*Pool
	order  []string
	edges  map[string][]edge
	cancel context.CancelFunc
	stopCh chan struct{}

	submitWG sync.WaitGroup
	workerWG sync.WaitGroup

	positions sync.Map // task id -> stage name
}

type Option func(*Graph)

func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.log = l
		}
	}
}

func WithTracker(t Tracker) Option {
	return func(g *Graph) { g.tracker = t }
}

// WithSubmitTimeout bounds how long Submit waits on a full entry queue before
// returning ErrQueueFull. Zero waits until the caller's context is done.
func WithSubmitTimeout(d time.Duration) Option {
	return func(g *Graph) { g.submitTimeout = d }
}

func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		log:    slog.Default(),
		pools:  make(map[string]*Pool),
		edges:  make(map[string][]edge),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddStage registers a stage. The first stage added is the entry stage.
func (g *Graph) AddStage(cfg StageConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateBuilding {
		return errors.New("pipeline: cannot add stages after Start")
	}
	if cfg.Name == "" {
		return errors.New("pipeline: stage name required")
	}
	if cfg.Processor == nil {
		return fmt.Errorf("pipeline: stage %s has no processor", cfg.Name)
	}
	if _, dup := g.pools[cfg.Name]; dup {
		return fmt.Errorf("pipeline: duplicate stage %s", cfg.Name)
	}
	g.pools[cfg.Name] = newPool(cfg)
	g.order = append(g.order, cfg.Name)
	return nil
}

// Connect routes items leaving from into to. A nil predicate always matches.
// Edges are tried in the order they were connected.
func (g *Graph) Connect(from, to string, when func(*Item) bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateBuilding {
		return errors.New("pipeline: cannot connect stages after Start")
	}
	if _, ok := g.pools[from]; !ok {
		return fmt.Errorf("pipeline: unknown stage %s", from)
	}
	if _, ok := g.pools[to]; !ok {
		return fmt.Errorf("pipeline: unknown stage %s", to)
	}
	if from == to {
		return fmt.Errorf("pipeline: stage %s cannot feed itself", from)
	}
	g.edges[from] = append(g.edges[from], edge{to: to, when: when})
	return nil
}

// Chain connects stages in sequence with unconditional edges.
func (g *Graph) Chain(names ...string) error {
	for i := 1; i < len(names); i++ {
		if err := g.Connect(names[i-1], names[i], nil); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) validate() error {
	if len(g.order) == 0 {
		return errors.New("pipeline: no stages")
	}
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(g.order))
	var visit func(string) error
	visit = func(n string) error {
		switch mark[n] {
		case visiting:
			return fmt.Errorf("pipeline: cycle through stage %s", n)
		case done:
			return nil
		}
		mark[n] = visiting
		for _, e := range g.edges[n] {
			if err := visit(e.to); err != nil {
				return err
			}
		}
		mark[n] = done
		return nil
	}
	for _, n := range g.order {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

// Start spawns every stage's workers. Cancelling ctx aborts in-flight work.
func (g *Graph) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != stateBuilding {
		return errors.New("pipeline: already started")
	}
	if err := g.validate(); err != nil {
		return err
	}

	// The entry stage has Submit as an extra producer.
	g.pools[g.order[0]].upstream.Add(1)
	for _, es := range g.edges {
		seen := make(map[string]bool)
		for _, e := range es {
			if !seen[e.to] {
				seen[e.to] = true
				g.pools[e.to].upstream.Add(1)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	for _, name := range g.order {
		p := g.pools[name]
		p.start(runCtx, g.handle)
		g.workerWG.Add(1)
		go func(p *Pool) {
			defer g.workerWG.Done()
			p.wg.Wait()
			g.releaseDownstream(p.Name())
		}(p)
	}
	// Stages nothing feeds would never see their queue close.
	for _, name := range g.order[1:] {
		p := g.pools[name]
		if p.upstream.Load() == 0 {
			p.upstream.Add(1)
			p.producerDone()
		}
	}
	g.state = stateRunning
	g.log.Info("pipeline started", "stages", len(g.order), "entry", g.order[0])
	return nil
}

func (g *Graph) releaseDownstream(name string) {
	seen := make(map[string]bool)
	for _, e := range g.edges[name] {
		if !seen[e.to] {
			seen[e.to] = true
			g.pools[e.to].producerDone()
		}
	}
}

// Running reports whether the graph accepts submissions.
func (g *Graph) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == stateRunning
}

// Submit pushes item into the entry stage, blocking while the queue is full.
func (g *Graph) Submit(ctx context.Context, item *Item) error {
	if item == nil || item.TaskID == "" {
		return errors.New("pipeline: item requires a task id")
	}
	g.mu.Lock()
	if g.state != stateRunning {
		g.mu.Unlock()
		return ErrStopped
	}
	g.submitWG.Add(1)
	entry := g.pools[g.order[0]]
	g.mu.Unlock()
	defer g.submitWG.Done()

	item.EnqueuedAt = time.Now()
	var timeout <-chan time.Time
	if g.submitTimeout > 0 {
		t := time.NewTimer(g.submitTimeout)
		defer t.Stop()
		timeout = t.C
	}
	g.positions.Store(item.TaskID, entry.Name())
	select {
	case entry.queue <- item:
		return nil
	default:
	}
	g.log.Debug("entry queue full, waiting", "task_id", item.TaskID, "stage", entry.Name())
	var err error
	select {
	case entry.queue <- item:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-g.stopCh:
		err = ErrStopped
	case <-timeout:
		err = ErrQueueFull
	}
	g.positions.Delete(item.TaskID)
	return err
}

func (g *Graph) handle(ctx context.Context, p *Pool, item *Item) {
	name := p.Name()
	log := g.log.With("stage", name, "task_id", item.TaskID)

	if g.tracker != nil && !g.tracker.StageEntered(ctx, item, name, p.cfg.Status) {
		log.Info("dropping item for inactive task")
		g.positions.Delete(item.TaskID)
		return
	}

	next, err := p.run(ctx, item, log)
	if err != nil {
		g.fail(ctx, p, item, err)
		return
	}
	p.processed.Add(1)
	if next == nil {
		log.Debug("item consumed")
		g.positions.Delete(item.TaskID)
		return
	}
	edges := g.edges[name]
	if len(edges) == 0 {
		g.positions.Delete(item.TaskID)
		return
	}
	for _, e := range edges {
		if e.when != nil && !e.when(next) {
			continue
		}
		target := g.pools[e.to]
		g.positions.Store(item.TaskID, e.to)
		select {
		case target.queue <- next:
		case <-ctx.Done():
			g.fail(ctx, p, item, fmt.Errorf("handoff to %s: %w", e.to, ctx.Err()))
		}
		return
	}
	g.fail(ctx, p, item, fmt.Errorf("no route out of stage %s", name))
}

func (g *Graph) fail(ctx context.Context, p *Pool, item *Item, err error) {
	p.failed.Add(1)
	g.positions.Delete(item.TaskID)
	serr := &StageError{Stage: p.Name(), TaskID: item.TaskID, Err: err}
	g.log.Warn("stage failed", "stage", p.Name(), "task_id", item.TaskID, "error", err)
	if g.tracker != nil {
		g.tracker.ItemFailed(context.WithoutCancel(ctx), item, serr)
	}
}

// Stop stops intake and waits for queued and in-flight items to drain. If ctx
// expires first, in-flight work is cancelled; Stop still waits for workers to
// exit and returns ctx's error.
func (g *Graph) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.state != stateRunning {
		g.mu.Unlock()
		return nil
	}
	g.state = stateStopping
	close(g.stopCh)
	entry := g.pools[g.order[0]]
	g.mu.Unlock()

	g.submitWG.Wait()
	entry.producerDone()

	done := make(chan struct{})
	go func() {
		g.workerWG.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		g.log.Warn("pipeline drain interrupted, cancelling in-flight work")
		g.cancel()
		<-done
		err = ctx.Err()
	}
	g.cancel()

	g.mu.Lock()
	g.state = stateStopped
	g.mu.Unlock()
	g.log.Info("pipeline stopped")
	return err
}

// Stats is the graph-wide view consumed by status reporting.
type Stats struct {
	Running bool         `json:"running"`
	Stages  []StageStats `json:"stages"`
}

func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{Running: g.state == stateRunning}
	for _, name := range g.order {
		s.Stages = append(s.Stages, g.pools[name].stats())
	}
	return s
}

// Position reports the stage currently holding the task's item.
func (g *Graph) Position(taskID string) (string, bool) {
	v, ok := g.positions.Load(taskID)
	if !ok {
		return "", false
	}
	return v.(string), true
}
