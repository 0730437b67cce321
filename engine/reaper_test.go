package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/task"
)

func TestTempInputPath(t *testing.T) {
	p := TempInputPath("/work", "/data/papers.jsonl", "abc-123")
	if p != filepath.Join("/work", "papers.abc-123.tmp") {
		t.Fatalf("unexpected path %q", p)
	}
	id, ok := taskIDFromTemp(p)
	if !ok || id != "abc-123" {
		t.Fatalf("taskIDFromTemp = %q, %v", id, ok)
	}
	for _, bad := range []string{"papers.jsonl", "noid.tmp", "trailing..tmp"} {
		if _, ok := taskIDFromTemp(bad); ok {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestTagInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.jsonl")
	content := `{"title":"old","n":12345678901234567890}` + "\n" + `{"txt":"no title"}` + "\n" + "garbage\n" + `{"title":"last"}`
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out", "in.t1.tmp")
	if err := TagInput(src, dst, "m_t1", "t1"); err != nil {
		t.Fatalf("TagInput: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("want 4 lines, got %d:\n%s", len(lines), b)
	}
	var first map[string]json.RawMessage
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if string(first["title"]) != `"m_t1"` || string(first["task_id"]) != `"t1"` {
		t.Fatalf("first line not tagged: %s", lines[0])
	}
	if string(first["n"]) != "12345678901234567890" {
		t.Fatalf("large number altered: %s", first["n"])
	}
	if lines[1] != `{"txt":"no title"}` || lines[2] != "garbage" {
		t.Fatalf("untitled lines must be copied verbatim: %q %q", lines[1], lines[2])
	}
	if !strings.Contains(lines[3], `"title":"m_t1"`) {
		t.Fatalf("last line without newline not tagged: %s", lines[3])
	}
	if parts, _ := filepath.Glob(filepath.Join(dir, "out", "*.part-*")); len(parts) != 0 {
		t.Fatalf("partial files left: %v", parts)
	}

	if err := TagInput(filepath.Join(dir, "missing"), dst, "m", "t"); err == nil {
		t.Fatal("missing source must fail")
	}
}

func TestReaper_ReapIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "a.other.tmp")
	mine := filepath.Join(dir, "nested", "b.t1.tmp")
	os.MkdirAll(filepath.Dir(mine), 0o755)
	for _, p := range []string{keep, mine, filepath.Join(dir, "c.t1.tmp")} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	r := NewReaper(dir, newTestStore(t), nil)
	for i := 0; i < 2; i++ {
		if err := r.Reap("t1"); err != nil {
			t.Fatalf("Reap #%d: %v", i+1, err)
		}
	}
	if _, err := os.Stat(mine); !os.IsNotExist(err) {
		t.Fatalf("nested temp file kept: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("other task's file removed: %v", err)
	}
	if err := NewReaper("", nil, nil).Reap("t1"); err != nil {
		t.Fatalf("reaper without work dir: %v", err)
	}
	if err := NewReaper(filepath.Join(dir, "absent"), nil, nil).Reap("t1"); err != nil {
		t.Fatalf("missing work dir: %v", err)
	}
}

func TestReaper_Sweep(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for id, st := range map[string]task.Status{"active": task.StatusCrawling, "finished": task.StatusFailed} {
		rec := task.TaskRecord{ID: id, Status: task.StatusPending, Params: task.Params{Topic: id}, UniqueMarker: id, CreatedAt: now}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if err := store.UpdateStatus(ctx, id, st, "boom"); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"x.active.tmp", "x.finished.tmp", "x.orphan.tmp", "notes.txt"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0o644)
	}

	r := NewReaper(dir, store, nil)
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Files != 2 {
		t.Fatalf("want 2 files swept, got %d", res.Files)
	}
	for name, want := range map[string]bool{"x.active.tmp": true, "x.finished.tmp": false, "x.orphan.tmp": false, "notes.txt": true} {
		_, err := os.Stat(filepath.Join(dir, name))
		if (err == nil) != want {
			t.Fatalf("%s: exists=%v want %v", name, err == nil, want)
		}
	}

	// records past their TTL are purged, then their leftover files go too
	r.now = func() time.Time { return now.Add(task.DefaultTTL + time.Hour) }
	res, err = r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Records != 2 || res.Files != 1 {
		t.Fatalf("want 2 records and 1 file swept, got %+v", res)
	}
	if _, err := store.Get(ctx, "active"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expired record kept: %v", err)
	}
}

func TestReaper_StartRejectsBadSchedule(t *testing.T) {
	r := NewReaper(t.TempDir(), newTestStore(t), nil)
	if err := r.Start("not a schedule"); err == nil {
		t.Fatal("want schedule parse error")
	}
	if err := r.Start("@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}

type fakePipeline struct {
	stats pipeline.Stats
	pos   map[string]string
}

func (f fakePipeline) Stats() pipeline.Stats { return f.stats }

func (f fakePipeline) Position(id string) (string, bool) {
	s, ok := f.pos[id]
	return s, ok
}

func TestReporter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"a", "b", "c"} {
		rec := task.TaskRecord{ID: id, Status: task.StatusPending, Params: task.Params{Topic: id}, UniqueMarker: id, CreatedAt: now}
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	store.UpdateStatus(ctx, "a", task.StatusCrawling, "")
	store.UpdateStatus(ctx, "c", task.StatusPreparing, "")
	store.UpdateStatus(ctx, "c", task.StatusCompleted, "")

	src := fakePipeline{
		stats: pipeline.Stats{Running: true, Stages: []pipeline.StageStats{{Name: "crawl", Workers: 2, QueueCapacity: 10}}},
		pos:   map[string]string{"a": "crawl", "c": "save"},
	}
	r := NewReporter(store, src, nil, nil)

	gs, err := r.Global(ctx)
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if !gs.Initialized || !gs.Running || gs.ActiveTasks != 2 || gs.TotalTasks != 3 || len(gs.Stages) != 1 {
		t.Fatalf("unexpected global status %+v", gs)
	}

	ts, err := r.Task(ctx, "a")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if !ts.InPipeline || ts.Stage != "crawl" || ts.Task.Status != task.StatusCrawling {
		t.Fatalf("unexpected task status %+v", ts)
	}
	ts, _ = r.Task(ctx, "c")
	if ts.InPipeline {
		t.Fatal("finished task must not report a position")
	}
	if ts.Task.ExecutionSeconds == nil {
		t.Fatal("finished task needs execution_seconds")
	}
	if _, err := r.Task(ctx, "zzz"); err == nil {
		t.Fatal("want not found")
	}

	gs, err = NewReporter(store, nil, nil, nil).Global(ctx)
	if err != nil || gs.Initialized {
		t.Fatalf("reporter without pipeline: %+v %v", gs, err)
	}
}
