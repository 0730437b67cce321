package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces task keys in Redis.
const DefaultKeyPrefix = "surveyx:task:"

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// ARGV: status, ttl ms, terminal flag, now, set-start flag, error, expire_at, allowed...
var updateStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return false
end
local ok = false
for i = 8, #ARGV do
  if ARGV[i] == cur then
    ok = true
    break
  end
end
if not ok then
  return {0, cur}
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[4])
if ARGV[5] == '1' and redis.call('HEXISTS', KEYS[1], 'start_time') == 0 then
  redis.call('HSET', KEYS[1], 'start_time', ARGV[4])
end
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[1], 'error', ARGV[6])
end
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[1], 'end_time', ARGV[4])
  if tonumber(ARGV[2]) > 0 then
    redis.call('HSET', KEYS[1], 'expire_at', ARGV[7])
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end
return {1, cur}
`)

var updateFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], 'updated_at', ARGV[3])
return 1
`)

// RedisStore is a Store backed by Redis hashes with a creation-time index.
// Retention uses key expiry; PurgeExpired only tidies the index.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	opts   options
}

// NewRedisStore wraps rdb. The client stays owned by the caller.
func NewRedisStore(rdb redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix, opts: buildOptions(opts)}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }
func (s *RedisStore) indexKey() string     { return s.prefix + "index" }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) Create(ctx context.Context, rec TaskRecord) error {
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
	fields := []any{
		"id", rec.ID,
		"status", string(status),
		"params", params,
		"original_identifier", rec.OriginalIdentifier,
		"unique_marker", rec.UniqueMarker,
		"output_locator", rec.OutputLocator,
		"input_ref", rec.InputRef,
		"created_at", formatTime(created),
		"updated_at", formatTime(now),
	}
	if s.opts.ttl > 0 {
		fields = append(fields, "expire_at", formatTime(created.Add(s.opts.ttl)))
	}
	args := append([]any{s.opts.ttl.Milliseconds(), created.UnixMilli(), rec.ID}, fields...)
	n, err := createScript.Run(ctx, s.rdb, []string{s.key(rec.ID), s.indexKey()}, args...).Int()
	if err != nil {
		return unavailable("create", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*TaskRecord, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(m)
}

func decodeHash(m map[string]string) (*TaskRecord, error) {
	rec := &TaskRecord{
		ID:                 m["id"],
		Status:             Status(m["status"]),
		OriginalIdentifier: m["original_identifier"],
		UniqueMarker:       m["unique_marker"],
		OutputLocator:      m["output_locator"],
		InputRef:           m["input_ref"],
	}
	p, err := unmarshalParams(m["params"])
	if err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", rec.ID, err)
	}
	rec.Params = p
	if v, ok := m["error"]; ok {
		rec.Error = &v
	}
	if v, ok := m["result"]; ok {
		rec.Result = &v
	}
	times := []struct {
		field string
		dst   **time.Time
	}{
		{"start_time", &rec.StartTime},
		{"end_time", &rec.EndTime},
		{"expire_at", &rec.ExpireAt},
	}
	for _, tf := range times {
		t, err := parseTime(m[tf.field])
		if err != nil {
			return nil, fmt.Errorf("decode %s for %s: %w", tf.field, rec.ID, err)
		}
		*tf.dst = t
	}
	created, err := parseTime(m["created_at"])
	if err != nil || created == nil {
		return nil, fmt.Errorf("decode created_at for %s: %v", rec.ID, err)
	}
	rec.CreatedAt = *created
	if updated, err := parseTime(m["updated_at"]); err == nil && updated != nil {
		rec.UpdatedAt = *updated
	}
	return rec, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	now := s.opts.now().UTC()
	flag := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	if status != StatusFailed {
		errMsg = ""
	}
	args := []any{
		string(status),
		s.opts.ttl.Milliseconds(),
		flag(status.IsTerminal()),
		formatTime(now),
		flag(status.IsActive() && status != StatusPending),
		errMsg,
		formatTime(now.Add(s.opts.ttl)),
	}
	for _, st := range AllowedFrom(status) {
		args = append(args, string(st))
	}
	res, err := updateStatusScript.Run(ctx, s.rdb, []string{s.key(id)}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("update status", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("update status %s: unexpected script reply %v", id, res)
	}
	if ok, _ := res[0].(int64); ok == 1 {
		return nil
	}
	cur, _ := res[1].(string)
	return &TransitionError{ID: id, From: Status(cur), To: status}
}

func (s *RedisStore) UpdateField(ctx context.Context, id string, field Field, value string) error {
	if !field.Mutable() {
		return fmt.Errorf("%w: %s", ErrImmutableField, field)
	}
	n, err := updateFieldScript.Run(ctx, s.rdb, []string{s.key(id)}, string(field), value, formatTime(s.opts.now())).Int()
	if err != nil {
		return unavailable("update field", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanIndex walks the creation index newest first in pages, handing each
// page's hashes to fn. Missing hashes (expired keys) are reported as nil.
func (s *RedisStore) scanIndex(ctx context.Context, fn func(ids []string, recs []map[string]string) (bool, error)) error {
	const page = 100
	for start := int64(0); ; start += page {
		ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), start, start+page-1).Result()
		if err != nil {
			return unavailable("scan index", err)
		}
		if len(ids) == 0 {
			return nil
		}
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return unavailable("scan index", err)
		}
		recs := make([]map[string]string, len(ids))
		for i, c := range cmds {
			if m := c.Val(); len(m) > 0 {
				recs[i] = m
			}
		}
		more, err := fn(ids, recs)
		if err != nil || !more {
			return err
		}
		if len(ids) < page {
			return nil
		}
	}
}

func (s *RedisStore) List(ctx context.Context, status Status, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []TaskRecord
	err := s.scanIndex(ctx, func(_ []string, recs []map[string]string) (bool, error) {
		for _, m := range recs {
			if m == nil || (status != "" && Status(m["status"]) != status) {
				continue
			}
			rec, err := decodeHash(m)
			if err != nil {
				return false, err
			}
			out = append(out, *rec)
			if len(out) >= limit {
				return false, nil
			}
		}
		return true, nil
	})
	return out, err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.key(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return unavailable("delete", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, statuses ...Status) (int, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	n := 0
	err := s.scanIndex(ctx, func(_ []string, recs []map[string]string) (bool, error) {
		for _, m := range recs {
			if m == nil {
				continue
			}
			if len(want) == 0 || want[Status(m["status"])] {
				n++
			}
		}
		return true, nil
	})
	return n, err
}

// PurgeExpired deletes records past their expire_at and drops index entries
// whose hash has already been expired by Redis.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var stale []string
	var purged int
	err := s.scanIndex(ctx, func(ids []string, recs []map[string]string) (bool, error) {
		for i, m := range recs {
			if m == nil {
				stale = append(stale, ids[i])
				continue
			}
			exp, err := parseTime(m["expire_at"])
			if err == nil && exp != nil && exp.Before(now) {
				stale = append(stale, ids[i])
				purged++
			}
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range stale {
			p.Del(ctx, s.key(id))
			p.ZRem(ctx, s.indexKey(), id)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return purged, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return unavailable("ping", s.rdb.Ping(ctx).Err())
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStore) Close() error { return nil }
