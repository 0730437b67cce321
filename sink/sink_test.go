package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, title, content string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{"title": title, "content": content})
	require.NoError(t, err)
	return b
}

func TestFileSink_ConcurrentAppendsStayWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "surveys.jsonl")
	s := NewFileSink(path)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, record(t, fmt.Sprintf("m%d", i), "body")))
		}(i)
	}
	wg.Wait()

	n := 0
	require.NoError(t, s.Scan(ctx, func(rec []byte) bool {
		var m map[string]string
		require.NoError(t, json.Unmarshal(rec, &m))
		n++
		return true
	}))
	assert.Equal(t, 50, n)
}

func TestFileSink_RejectsMultiline(t *testing.T) {
	s := NewFileSink(filepath.Join(t.TempDir(), "x.jsonl"))
	assert.Error(t, s.Append(context.Background(), []byte("a\nb")))
	assert.Error(t, s.Append(context.Background(), nil))
}

func TestFileSink_MissingFileIsEmpty(t *testing.T) {
	s := NewFileSink(filepath.Join(t.TempDir(), "none.jsonl"))
	called := false
	require.NoError(t, s.Scan(context.Background(), func([]byte) bool { called = true; return true }))
	assert.False(t, called)
}

func TestExtractor_IsolatesInterleavedTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jsonl")
	s := NewFileSink(path)
	defer s.Close()
	ctx := context.Background()

	// unrelated data already present, then B lands before A
	require.NoError(t, s.Append(ctx, record(t, "legacy", "old")))
	require.NoError(t, s.Append(ctx, record(t, "B_marker", "payload-b")))
	ex := NewExtractor(s)

	ok, err := ex.Exists(ctx, "A_marker")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Append(ctx, record(t, "A_marker", "payload-a")))

	a, err := ex.Extract(ctx, "A_marker")
	require.NoError(t, err)
	assert.Contains(t, string(a), "payload-a")
	assert.NotContains(t, string(a), "payload-b")

	b, err := ex.Extract(ctx, "B_marker")
	require.NoError(t, err)
	assert.Contains(t, string(b), "payload-b")
}

func TestExtractor_IgnoresPartialTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.jsonl")
	full := `{"title":"done","content":"x"}` + "\n"
	partial := `{"title":"half","content":"still writ`
	require.NoError(t, os.WriteFile(path, []byte(full+partial), 0o644))

	ex := NewExtractor(NewFileSink(path))
	_, err := ex.Extract(context.Background(), "half")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := ex.Extract(context.Background(), "done")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"done","content":"x"}`, string(got))
}

func TestExtractor_MarkerMustMatchField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.jsonl")
	s := NewFileSink(path)
	ctx := context.Background()
	// marker appears only inside the body, not the marker field
	require.NoError(t, s.Append(ctx, record(t, "other", "mentions M1 in passing")))
	require.NoError(t, s.Append(ctx, []byte("not json M1")))
	ex := NewExtractor(s)
	_, err := ex.Extract(ctx, "M1")
	assert.ErrorIs(t, err, ErrNotFound)

	b, _ := json.Marshal(map[string]string{"marker": "M1"})
	require.NoError(t, s.Append(ctx, b))
	custom := NewExtractor(s, WithMarkerField("marker"), WithCacheSize(4))
	got, err := custom.Extract(ctx, "M1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"marker":"M1"}`, string(got))
}

func TestExtractor_CachesAndForgets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.jsonl")
	s := NewFileSink(path)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, record(t, "M", "v1")))
	ex := NewExtractor(s)
	_, err := ex.Extract(ctx, "M")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(path))
	got, err := ex.Extract(ctx, "M")
	require.NoError(t, err, "cached payload should survive sink rotation")
	assert.Contains(t, string(got), "v1")

	ex.Forget("M")
	_, err = ex.Extract(ctx, "M")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSink_AppendScan(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rdb.Close()
	s := NewRedisSink(rdb, "surveyx:results")
	ctx := context.Background()
	assert.Equal(t, "redis://surveyx:results", s.Locator())

	for i := 0; i < 1200; i++ {
		require.NoError(t, s.Append(ctx, record(t, fmt.Sprintf("m%d", i), "x")))
	}
	ex := NewExtractor(s)
	got, err := ex.Extract(ctx, "m1100")
	require.NoError(t, err)
	assert.Contains(t, string(got), `"m1100"`)

	seen := 0
	require.NoError(t, s.Scan(ctx, func([]byte) bool { seen++; return seen < 10 }))
	assert.Equal(t, 10, seen)
}

func TestExtractor_MatchesEscapedMarker(t *testing.T) {
	s := NewFileSink(filepath.Join(t.TempDir(), "surveys.jsonl"))
	defer s.Close()
	ctx := context.Background()

	marker := "R&D <tools>_0b7c_20260101_000000"
	require.NoError(t, s.Append(ctx, record(t, "R&D <tools>_other_20260101_000000", "wrong")))
	require.NoError(t, s.Append(ctx, record(t, marker, "right")))

	raw, err := os.ReadFile(s.Locator())
	require.NoError(t, err)
	require.Contains(t, string(raw), `R\u0026D \u003ctools\u003e`, "json.Marshal escapes the marker on disk")

	got, err := NewExtractor(s).Extract(ctx, marker)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"right"`)
}
