package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store abstracts persistence for task records.
// Implementations must be safe for concurrent use; updates to one record are
// atomic per call and always advance updated_at.
type Store interface {
	Create(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, id string) (*TaskRecord, error)
	// UpdateStatus moves a record along the state machine. errMsg is kept only
	// for StatusFailed. Terminal records reject every update with ErrTerminal.
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error
	UpdateField(ctx context.Context, id string, field Field, value string) error
	// List returns records newest first. An empty status lists everything.
	List(ctx context.Context, status Status, limit int) ([]TaskRecord, error)
	Delete(ctx context.Context, id string) error
	// Count returns the number of records in any of the given statuses, or all
	// records when none are given.
	Count(ctx context.Context, statuses ...Status) (int, error)
	// PurgeExpired removes records whose expiry has passed and reports how many.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// DefaultTTL is how long a record survives after creation or completion.
const DefaultTTL = 24 * time.Hour

type options struct {
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store implementation.
type Option func(*options)

// WithTTL sets record expiry. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dialect selects placeholder style and column types for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore is a Store backed by a relational DB (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// NewSQLStore wraps db. Call Migrate before first use on a fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	if dialect == "" {
		dialect = DialectSQLite
	}
	return &SQLStore{db: db, dialect: dialect, opts: buildOptions(opts)}
}

// Schema returns the DDL statements for the dialect.
func Schema(d Dialect) []string {
	ts := "DATETIME"
	if d == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS survey_tasks (
    id                  VARCHAR(64)  PRIMARY KEY,
    status              VARCHAR(32)  NOT NULL,
    params_json         TEXT         NOT NULL,
    original_identifier TEXT         NOT NULL,
    unique_marker       TEXT         NOT NULL UNIQUE,
    output_locator      TEXT         NOT NULL DEFAULT '',
    input_ref           TEXT         NOT NULL DEFAULT '',
    error_msg           TEXT         NULL,
    result_json         TEXT         NULL,
    created_at          ` + ts + ` NOT NULL,
    updated_at          ` + ts + ` NOT NULL,
    start_time          ` + ts + ` NULL,
    end_time            ` + ts + ` NULL,
    expire_at           ` + ts + ` NULL
)`,
		`CREATE INDEX IF NOT EXISTS survey_tasks_status_idx ON survey_tasks (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS survey_tasks_expire_idx ON survey_tasks (expire_at)`,
	}
}

// Migrate creates the table and indexes if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	for _, stmt := range Schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLStore) expiry(from time.Time) any {
	if s.opts.ttl <= 0 {
		return nil
	}
	return from.Add(s.opts.ttl)
}

func (s *SQLStore) Create(ctx context.Context, rec TaskRecord) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	params, err := rec.Params.marshal()
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	now := s.opts.now().UTC()
	created := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		created = now
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	q := s.rebind(`INSERT INTO survey_tasks
		(id, status, params_json, original_identifier, unique_marker, output_locator, input_ref, created_at, updated_at, expire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	res, err := s.db.ExecContext(ctx, q, rec.ID, string(status), params, rec.OriginalIdentifier,
		rec.UniqueMarker, rec.OutputLocator, rec.InputRef, created, now, s.expiry(created))
	if err != nil {
		return unavailable("create", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

const selectColumns = `id, status, params_json, original_identifier, unique_marker, output_locator, input_ref,
	error_msg, result_json, created_at, updated_at, start_time, end_time, expire_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	rec := TaskRecord{}
	var status, params string
	var errorMsg, resultJSON sql.NullString
	var startTime, endTime, expireAt sql.NullTime
	if err := row.Scan(&rec.ID, &status, &params, &rec.OriginalIdentifier, &rec.UniqueMarker,
		&rec.OutputLocator, &rec.InputRef, &errorMsg, &resultJSON, &rec.CreatedAt, &rec.UpdatedAt,
		&startTime, &endTime, &expireAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	p, err := unmarshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", rec.ID, err)
	}
	rec.Params = p
	if errorMsg.Valid {
		v := errorMsg.String
		rec.Error = &v
	}
	if resultJSON.Valid {
		v := resultJSON.String
		rec.Result = &v
	}
	if startTime.Valid {
		t := startTime.Time
		rec.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	if expireAt.Valid {
		t := expireAt.Time
		rec.ExpireAt = &t
	}
	return &rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*TaskRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := s.rebind(`SELECT ` + selectColumns + ` FROM survey_tasks WHERE id = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return rec, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	allowed := AllowedFrom(status)

	// A concurrent writer may move the record between the guarded update and
	// the follow-up read; retry while the observed state still permits it.
	for attempt := 0; attempt < 3; attempt++ {
		now := s.opts.now().UTC()
		sets := []string{"status = ?", "updated_at = ?"}
		args := []any{string(status), now}
		if status == StatusFailed && errMsg != "" {
			sets = append(sets, "error_msg = ?")
			args = append(args, errMsg)
		}
		if status.IsActive() && status != StatusPending {
			sets = append(sets, "start_time = COALESCE(start_time, ?)")
			args = append(args, now)
		}
		if status.IsTerminal() {
			sets = append(sets, "end_time = ?")
			args = append(args, now)
			if exp := s.expiry(now); exp != nil {
				sets = append(sets, "expire_at = ?")
				args = append(args, exp)
			}
		}
		args = append(args, id)
		for _, st := range allowed {
			args = append(args, string(st))
		}
		q := s.rebind(`UPDATE survey_tasks SET ` + strings.Join(sets, ", ") +
			` WHERE id = ? AND status IN (` + placeholders(len(allowed)) + `)`)
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return unavailable("update status", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return nil
		}

		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, status) {
			return &TransitionError{ID: id, From: cur.Status, To: status}
		}
	}
	return fmt.Errorf("task %s: status update to %s lost to concurrent writers", id, status)
}

var fieldColumns = map[Field]string{
	FieldResult:        "result_json",
	FieldOutputLocator: "output_locator",
	FieldInputRef:      "input_ref",
}

func (s *SQLStore) UpdateField(ctx context.Context, id string, field Field, value string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	col, ok := fieldColumns[field]
	if !ok || !field.Mutable() {
		return fmt.Errorf("%w: %s", ErrImmutableField, field)
	}
	q := s.rebind(`UPDATE survey_tasks SET ` + col + ` = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, value, s.opts.now().UTC(), id)
	if err != nil {
		return unavailable("update field", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, status Status, limit int) ([]TaskRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := `SELECT ` + selectColumns + ` FROM survey_tasks`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("list", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM survey_tasks WHERE id = ?`), id)
	if err != nil {
		return unavailable("delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Count(ctx context.Context, statuses ...Status) (int, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	q := `SELECT COUNT(*) FROM survey_tasks`
	var args []any
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	q := s.rebind(`DELETE FROM survey_tasks WHERE expire_at IS NOT NULL AND expire_at < ?`)
	res, err := s.db.ExecContext(ctx, q, now.UTC())
	if err != nil {
		return 0, unavailable("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
