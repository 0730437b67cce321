package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// tempSuffix marks per-task copies of caller input files.
const tempSuffix = ".tmp"

// TempInputPath is where the tagged copy of input for taskID lives:
// <workDir>/<base>.<taskID>.tmp.
func TempInputPath(workDir, input, taskID string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(workDir, base+"."+taskID+tempSuffix)
}

// taskIDFromTemp recovers the task id from a temp input file name.
func taskIDFromTemp(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, tempSuffix) {
		return "", false
	}
	name = strings.TrimSuffix(name, tempSuffix)
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return "", false
	}
	return name[i+1:], true
}

// TagInput copies the JSON Lines file src to dst, setting title to marker and
// task_id to taskID on every record that has a title. Other lines are copied
// unchanged. dst appears atomically.
func TagInput(src, dst, marker, taskID string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".part-*")
	if err != nil {
		return err
	}
	tmpName := out.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(out)
	r := bufio.NewReader(in)
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, err := w.Write(tagLine(line, marker, taskID)); err != nil {
				out.Close()
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			out.Close()
			return rerr
		}
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

func tagLine(line []byte, marker, taskID string) []byte {
	trimmed := bytes.TrimRight(line, "\r\n")
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return ensureNewline(line)
	}
	if _, ok := rec["title"]; !ok {
		return ensureNewline(line)
	}
	rec["title"] = marker
	rec["task_id"] = taskID
	b, err := json.Marshal(rec)
	if err != nil {
		return ensureNewline(line)
	}
	return append(b, '\n')
}

func ensureNewline(line []byte) []byte {
	if bytes.HasSuffix(line, []byte("\n")) {
		return line
	}
	return append(line, '\n')
}
