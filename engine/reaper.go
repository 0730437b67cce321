package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"

	"github.com/mohans/surveyx/task"
)

// DefaultSweepSchedule runs the reaper sweep every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// Reaper removes per-task temp files and expired records. Cleanup failures
// are logged and never change a task's status.
type Reaper struct {
	workDir string
	store   task.Store
	log     *slog.Logger
	now     func() time.Time
	cron    *cron.Cron
}

func NewReaper(workDir string, store task.Store, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{workDir: workDir, store: store, log: log, now: time.Now}
}

func (r *Reaper) glob(pattern string) ([]string, error) {
	if r.workDir == "" {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(r.workDir), pattern)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return matches, err
}

// Reap deletes every temp artifact of taskID. Calling it again is a no-op.
func (r *Reaper) Reap(taskID string) error {
	if taskID == "" {
		return nil
	}
	matches, err := r.glob("**/*." + taskID + tempSuffix)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		p := filepath.Join(r.workDir, filepath.FromSlash(m))
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		r.log.Debug("removed temp input", "task_id", taskID, "path", p)
	}
	return errors.Join(errs...)
}

// reapQuietly is Reap for callers that only log.
func (r *Reaper) reapQuietly(taskID string) {
	if err := r.Reap(taskID); err != nil {
		r.log.Warn("temp cleanup failed", "task_id", taskID, "error", err)
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Files   int
	Records int
}

// Sweep purges expired records and removes temp files whose task is gone or
// finished, e.g. after a crash between completion and cleanup.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	n, err := r.store.PurgeExpired(ctx, r.now())
	if err != nil {
		return res, err
	}
	res.Records = n

	matches, err := r.glob("**/*" + tempSuffix)
	if err != nil {
		return res, err
	}
	for _, m := range matches {
		id, ok := taskIDFromTemp(m)
		if !ok {
			continue
		}
		rec, err := r.store.Get(ctx, id)
		switch {
		case errors.Is(err, task.ErrNotFound):
		case err != nil:
			r.log.Warn("sweep lookup failed", "task_id", id, "error", err)
			continue
		case rec.Status.IsActive():
			continue
		}
		p := filepath.Join(r.workDir, filepath.FromSlash(m))
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("sweep remove failed", "path", p, "error", err)
			continue
		}
		res.Files++
	}
	if res.Files > 0 || res.Records > 0 {
		r.log.Info("reaper sweep", "files", res.Files, "records", res.Records)
	}
	return res, nil
}

// Start schedules Sweep on a cron spec such as "@every 10m".
func (r *Reaper) Start(spec string) error {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Warn("reaper sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}
