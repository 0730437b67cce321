// Package httpapi exposes task submission, status, results and health over
// HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mohans/surveyx/engine"
	"github.com/mohans/surveyx/pipeline"
	"github.com/mohans/surveyx/task"
)

// defaultMaxRequestBodyBytes limits submission bodies (1 MiB).
const defaultMaxRequestBodyBytes = 1 << 20

// Tasks is the task-facing side of the engine.
type Tasks interface {
	Submit(ctx context.Context, params task.Params) (*engine.Submission, error)
	Get(ctx context.Context, id string) (*task.TaskRecord, error)
	List(ctx context.Context, status task.Status, limit int) ([]task.TaskRecord, error)
	Delete(ctx context.Context, id string) error
	Output(ctx context.Context, id string) ([]byte, error)
}

// Status answers pipeline status queries.
type Status interface {
	Global(ctx context.Context) (engine.GlobalStatus, error)
	Task(ctx context.Context, id string) (engine.TaskStatus, error)
}

// HealthChecker is implemented by stores and sinks.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options wires the API to the engine.
type Options struct {
	Tasks  Tasks
	Status Status
	// Store must be healthy for /api/health to pass.
	Store HealthChecker
	// Sink is reported by /api/health but does not fail it.
	Sink           HealthChecker
	MetricsHandler http.Handler
	Logger         *slog.Logger
	MaxBodyBytes   int64
	// RetryAfter is advertised on 503 responses.
	RetryAfter time.Duration
}

type api struct {
	opts Options
	log  *slog.Logger
}

// NewHandler registers every route and returns the wrapped mux.
func NewHandler(opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxRequestBodyBytes
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	a := &api{opts: opts, log: opts.Logger}
	if a.log == nil {
		a.log = slog.Default()
	}

	mux := http.NewServeMux()
	// worker processes serve only status, health and metrics
	if opts.Tasks != nil {
		mux.HandleFunc("POST /api/task/submit", a.submit)
		mux.HandleFunc("GET /api/task/{id}", a.getTask)
		mux.HandleFunc("DELETE /api/task/{id}", a.deleteTask)
		mux.HandleFunc("GET /api/tasks", a.listTasks)
		mux.HandleFunc("GET /api/output/{id}", a.output)
	}
	if opts.Status != nil {
		mux.HandleFunc("GET /api/task/{id}/pipeline_status", a.taskPipelineStatus)
		mux.HandleFunc("GET /api/global_pipeline_status", a.globalStatus)
	}
	mux.HandleFunc("GET /api/health", a.health)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	return a.logRequests(bodyLimitMiddleware(opts.MaxBodyBytes, mux))
}

// NewServer builds an http.Server with conservative timeouts. WriteTimeout is
// left unset because submissions may wait on backpressure.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	params, err := task.ParamsFromMap(body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	sub, err := a.opts.Tasks.Submit(r.Context(), params)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, sub)
}

func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := a.opts.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, engine.NewTaskView(rec))
}

func (a *api) taskPipelineStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.opts.Status.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, st)
}

func (a *api) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.opts.Tasks.Delete(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"task_id": id, "deleted": true})
}

func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var status task.Status
	if s := q.Get("status"); s != "" {
		st, err := task.ParseStatus(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := a.opts.Tasks.List(r.Context(), status, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	views := make([]engine.TaskView, 0, len(recs))
	for i := range recs {
		views = append(views, engine.NewTaskView(&recs[i]))
	}
	writeJSON(w, map[string]any{"tasks": views, "count": len(views)})
}

func (a *api) output(w http.ResponseWriter, r *http.Request) {
	b, err := a.opts.Tasks.Output(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (a *api) globalStatus(w http.ResponseWriter, r *http.Request) {
	gs, err := a.opts.Status.Global(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, gs)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	code := http.StatusOK
	if a.opts.Store != nil {
		if err := a.opts.Store.HealthCheck(ctx); err != nil {
			checks["store"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			checks["store"] = "ok"
		}
	}
	if a.opts.Sink != nil {
		if err := a.opts.Sink.HealthCheck(ctx); err != nil {
			checks["sink"] = err.Error()
		} else {
			checks["sink"] = "ok"
		}
	}
	writeJSONStatus(w, code, map[string]any{"ok": code == http.StatusOK, "checks": checks})
}

// statusFor maps engine errors to HTTP codes. The bool reports whether the
// caller may retry later.
func statusFor(err error) (int, bool) {
	switch {
	case task.IsValidation(err):
		return http.StatusBadRequest, false
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, engine.ErrNotReady):
		return http.StatusConflict, false
	case errors.Is(err, pipeline.ErrQueueFull),
		errors.Is(err, pipeline.ErrStopped),
		errors.Is(err, engine.ErrClosed),
		errors.Is(err, task.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusInternalServerError, false
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code, retry := statusFor(err)
	if retry {
		w.Header().Set("Retry-After", strconv.Itoa(int(a.opts.RetryAfter.Seconds())))
	}
	if code >= 500 {
		a.log.Warn("request failed", "status", code, "error", err)
	}
	writeJSONError(w, code, err.Error())
}

// bodyLimitMiddleware limits request body size for POST to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.code, "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]any{"error": message})
}
