package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	_ "modernc.org/sqlite"

	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/stages"
	"github.com/mohans/surveyx/task"
)

func openTestStore(t *testing.T) task.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s := task.NewSQLStore(db, task.DialectSQLite)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pollUntil(t *testing.T, timeout time.Duration, f func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := f()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type fakeGraph struct {
	mu    sync.Mutex
	items []*pipeline.Item
	err   error
}

func (g *fakeGraph) Submit(_ context.Context, item *pipeline.Item) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.items = append(g.items, item)
	return nil
}

func (g *fakeGraph) submitted() []*pipeline.Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*pipeline.Item(nil), g.items...)
}

func createTask(t *testing.T, store task.Store, id string) *task.TaskRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := task.TaskRecord{
		ID:                 id,
		Status:             task.StatusPending,
		Params:             task.Params{Topic: "queues"},
		OriginalIdentifier: "queues",
		UniqueMarker:       task.UniqueMarker("queues", id, now),
		CreatedAt:          now,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return &rec
}

func TestProcessor_Integration_SuccessAndFailure(t *testing.T) {
	s := startMiniRedis(t)
	defer s.Close()

	store := openTestStore(t)
	graph := &fakeGraph{}
	redis := asynq.RedisClientOpt{Addr: s.Addr()}
	processor := NewProcessor(redis, store, graph, ProcessorConfig{Concurrency: 5})
	if err := processor.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer processor.Shutdown()

	client := NewClient(redis, ClientOptions{MaxRetry: 1})
	defer client.Close()
	ctx := context.Background()

	ok := createTask(t, store, "task-ok")
	if err := client.Inject(ctx, stages.NewJob(ok)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := client.Inject(ctx, stages.NewJob(ok)); err != nil {
		t.Fatalf("duplicate inject must be a no-op: %v", err)
	}

	// a payload that cannot be decoded fails the task without retrying
	bad := createTask(t, store, "task-bad")
	raw := asynq.NewTask(TypeSurveyRun, []byte(`{"topic":"x"}`))
	if _, err := client.client.EnqueueContext(ctx, raw, asynq.TaskID(bad.ID), asynq.Queue(DefaultQueue)); err != nil {
		t.Fatalf("enqueue raw: %v", err)
	}

	if err := pollUntil(t, 3*time.Second, func() (bool, error) {
		items := graph.submitted()
		return len(items) == 1 && items[0].TaskID == ok.ID && items[0].Marker == ok.UniqueMarker, nil
	}); err != nil {
		t.Fatalf("job never reached the pipeline: %v (got %d items)", err, len(graph.submitted()))
	}
	if err := pollUntil(t, 3*time.Second, func() (bool, error) {
		rec, err := store.Get(ctx, bad.ID)
		if err != nil {
			return false, nil
		}
		return rec.Status == task.StatusFailed, nil
	}); err != nil {
		t.Fatalf("bad task did not fail: %v", err)
	}
	rec, _ := store.Get(ctx, bad.ID)
	if !strings.HasPrefix(rec.ErrorMessage(), "dispatch: ") {
		t.Fatalf("unexpected error message %q", rec.ErrorMessage())
	}
}

func TestProcessor_Handler(t *testing.T) {
	store := openTestStore(t)
	graph := &fakeGraph{}
	p := &Processor{store: store, graph: graph, log: discardLogger()}
	h := p.Handler()
	ctx := context.Background()

	deleted := &task.TaskRecord{ID: "gone", UniqueMarker: "m"}
	tk, err := NewTask(stages.NewJob(deleted))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if err := h.ProcessTask(ctx, tk); err != nil {
		t.Fatalf("deleted task must be acknowledged: %v", err)
	}

	done := createTask(t, store, "done")
	if err := store.UpdateStatus(ctx, done.ID, task.StatusTimeout, ""); err != nil {
		t.Fatal(err)
	}
	tk, _ = NewTask(stages.NewJob(done))
	if err := h.ProcessTask(ctx, tk); err != nil {
		t.Fatalf("finished task must be acknowledged: %v", err)
	}
	if n := len(graph.submitted()); n != 0 {
		t.Fatalf("inactive tasks reached the pipeline: %d", n)
	}

	live := createTask(t, store, "live")
	graph.err = pipeline.ErrStopped
	tk, _ = NewTask(stages.NewJob(live))
	if err := h.ProcessTask(ctx, tk); !errors.Is(err, pipeline.ErrStopped) {
		t.Fatalf("want ErrStopped for retry, got %v", err)
	}
	if rec, _ := store.Get(ctx, live.ID); rec.Status.IsTerminal() {
		t.Fatalf("retryable failure must not finish the task: %s", rec.Status)
	}

	if err := h.ProcessTask(ctx, asynq.NewTask("unknown:type", nil)); err == nil {
		t.Fatal("unknown task type must error")
	}
}
