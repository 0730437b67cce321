package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/mohans/surveyx/engine"
	"github.com/mohans/surveyx/metrics"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/sink"
	"github.com/mohans/surveyx/stages"
	"github.com/mohans/surveyx/task"
)

type nopInjector struct{ err error }

func (n nopInjector) Inject(context.Context, *stages.Job) error { return n.err }

type brokenChecker struct{}

func (brokenChecker) HealthCheck(context.Context) error { return errors.New("connection refused") }

type testApp struct {
	srv   *httptest.Server
	store task.Store
	sink  *sink.FileSink
	ctrl  *engine.Controller
}

func newTestApp(t *testing.T, inj engine.Injector) *testApp {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store := task.NewSQLStore(db, task.DialectSQLite)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fs := sink.NewFileSink(filepath.Join(t.TempDir(), "results.jsonl"))
	t.Cleanup(func() { fs.Close() })
	ctrl := engine.NewController(store, inj, sink.NewExtractor(fs), nil, engine.Options{
		PollInterval:  10 * time.Millisecond,
		WorkDir:       t.TempDir(),
		OutputLocator: fs.Locator(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})

	reg := prometheus.NewRegistry()
	metrics.New(reg)
	h := NewHandler(Options{
		Tasks:          ctrl,
		Status:         engine.NewReporter(store, nil, ctrl, nil),
		Store:          store,
		Sink:           fs,
		MetricsHandler: metrics.Handler(reg),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testApp{srv: srv, store: store, sink: fs, ctrl: ctrl}
}

func (a *testApp) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAPI_TaskLifecycle(t *testing.T) {
	app := newTestApp(t, nopInjector{})

	resp, sub := app.do(t, http.MethodPost, "/api/task/submit", `{"topic":"retrieval augmented generation","top_n":"20"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status=%d body=%v", resp.StatusCode, sub)
	}
	id, _ := sub["task_id"].(string)
	marker, _ := sub["unique_marker"].(string)
	if id == "" || !strings.Contains(marker, id) {
		t.Fatalf("unexpected submission %v", sub)
	}
	if sub["output_locator"] != app.sink.Locator() {
		t.Fatalf("unexpected locator %v", sub["output_locator"])
	}

	resp, view := app.do(t, http.MethodGet, "/api/task/"+id, "")
	if resp.StatusCode != http.StatusOK || view["status"] != string(task.StatusPreparing) {
		t.Fatalf("get status=%d body=%v", resp.StatusCode, view)
	}
	params, _ := view["params"].(map[string]any)
	if params["top_n"] != float64(20) {
		t.Fatalf("string number not coerced: %v", params)
	}

	resp, out := app.do(t, http.MethodGet, "/api/output/"+id, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("output before completion: status=%d body=%v", resp.StatusCode, out)
	}

	if err := app.sink.Append(context.Background(), []byte(fmt.Sprintf(`{"title":%q,"content":"done"}`, marker))); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, view = app.do(t, http.MethodGet, "/api/task/"+id, "")
		if view["status"] == string(task.StatusCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := view["execution_seconds"]; !ok {
		t.Fatalf("completed view lacks execution_seconds: %v", view)
	}

	resp, out = app.do(t, http.MethodGet, "/api/output/"+id, "")
	if resp.StatusCode != http.StatusOK || out["content"] != "done" {
		t.Fatalf("output status=%d body=%v", resp.StatusCode, out)
	}

	resp, list := app.do(t, http.MethodGet, "/api/tasks?status=completed&limit=5", "")
	if resp.StatusCode != http.StatusOK || list["count"] != float64(1) {
		t.Fatalf("list status=%d body=%v", resp.StatusCode, list)
	}

	resp, ps := app.do(t, http.MethodGet, "/api/task/"+id+"/pipeline_status", "")
	if resp.StatusCode != http.StatusOK || ps["in_pipeline"] != false {
		t.Fatalf("pipeline_status status=%d body=%v", resp.StatusCode, ps)
	}

	resp, _ = app.do(t, http.MethodDelete, "/api/task/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp, _ = app.do(t, http.MethodGet, "/api/task/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status=%d", resp.StatusCode)
	}
	resp, _ = app.do(t, http.MethodDelete, "/api/task/"+id, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
}

func TestAPI_SubmitErrors(t *testing.T) {
	app := newTestApp(t, nopInjector{})
	cases := []struct {
		body string
		want int
	}{
		{`not json`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"topic":"x","input_file":"/tmp/a.jsonl"}`, http.StatusBadRequest},
		{`{"topic":"x","top_n":"many"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, body := app.do(t, http.MethodPost, "/api/task/submit", tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("submit %s: status=%d want %d body=%v", tc.body, resp.StatusCode, tc.want, body)
		}
		if body["error"] == nil {
			t.Errorf("submit %s: missing error message", tc.body)
		}
	}
}

func TestAPI_Backpressure(t *testing.T) {
	app := newTestApp(t, nopInjector{err: pipeline.ErrQueueFull})
	resp, body := app.do(t, http.MethodPost, "/api/task/submit", `{"topic":"busy"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") != "5" {
		t.Fatalf("missing Retry-After, got %q", resp.Header.Get("Retry-After"))
	}
	_, list := app.do(t, http.MethodGet, "/api/tasks", "")
	if list["count"] != float64(0) {
		t.Fatalf("rejected task was kept: %v", list)
	}
}

func TestAPI_StatusAndHealth(t *testing.T) {
	app := newTestApp(t, nopInjector{})

	resp, gs := app.do(t, http.MethodGet, "/api/global_pipeline_status", "")
	if resp.StatusCode != http.StatusOK || gs["initialized"] != false {
		t.Fatalf("global status=%d body=%v", resp.StatusCode, gs)
	}

	resp, health := app.do(t, http.MethodGet, "/api/health", "")
	if resp.StatusCode != http.StatusOK || health["ok"] != true {
		t.Fatalf("health status=%d body=%v", resp.StatusCode, health)
	}

	resp, _ = app.do(t, http.MethodGet, "/api/tasks?status=bogus", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", resp.StatusCode)
	}
	resp, _ = app.do(t, http.MethodGet, "/api/tasks?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", resp.StatusCode)
	}

	mresp, err := http.Get(app.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status=%d", mresp.StatusCode)
	}
}

func TestAPI_HealthFailsOnlyForStore(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Options{Store: brokenChecker{}}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("broken store: status=%d", resp.StatusCode)
	}

	srv2 := httptest.NewServer(NewHandler(Options{Sink: brokenChecker{}}))
	defer srv2.Close()
	resp, err = http.Get(srv2.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("broken sink must not fail health: status=%d", resp.StatusCode)
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["sink"] != "connection refused" {
		t.Fatalf("sink failure not reported: %v", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err   error
		code  int
		retry bool
	}{
		{&task.ValidationError{Field: "topic", Reason: "required"}, http.StatusBadRequest, false},
		{fmt.Errorf("get: %w", task.ErrNotFound), http.StatusNotFound, false},
		{engine.ErrNotReady, http.StatusConflict, false},
		{fmt.Errorf("enqueue: %w", pipeline.ErrQueueFull), http.StatusServiceUnavailable, true},
		{pipeline.ErrStopped, http.StatusServiceUnavailable, true},
		{&task.StoreError{Op: "get", Err: errors.New("down")}, http.StatusServiceUnavailable, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		code, retry := statusFor(tc.err)
		if code != tc.code || retry != tc.retry {
			t.Errorf("statusFor(%v) = %d, %v; want %d, %v", tc.err, code, retry, tc.code, tc.retry)
		}
	}
}

func TestAPI_WorkerRoutesOnly(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Options{}))
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/api/task/submit", "application/json", strings.NewReader(`{"topic":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("submit must not be served without tasks: %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}
}
