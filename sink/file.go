package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileSink is a JSON Lines file opened in append mode. Writes from this
// process are serialized; each record is emitted with a single write call so
// other appenders on the same file cannot interleave inside it.
type FileSink struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileSink prepares path for appending. The file is created lazily.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) Locator() string { return s.path }

func (s *FileSink) Append(ctx context.Context, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record = bytes.TrimRight(record, "\r\n")
	if len(record) == 0 {
		return errors.New("sink: empty record")
	}
	if bytes.IndexByte(record, '\n') >= 0 {
		return errors.New("sink: record spans multiple lines")
	}
	line := make([]byte, 0, len(record)+1)
	line = append(line, record...)
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("sink: create dir: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("sink: open %s: %w", s.path, err)
		}
		s.f = f
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("sink: append: %w", err)
	}
	return nil
}

// Scan reads the file from the start. A missing file is an empty stream.
func (s *FileSink) Scan(ctx context.Context, fn func(record []byte) bool) error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", s.path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// whatever is left has no newline yet: a record still being written
			return nil
		}
		if err != nil {
			return fmt.Errorf("sink: read %s: %w", s.path, err)
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		if !fn(line) {
			return nil
		}
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// HealthCheck reports whether the sink's directory is usable.
func (s *FileSink) HealthCheck(context.Context) error {
	fi, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("sink: %s is not a directory", filepath.Dir(s.path))
	}
	return nil
}
