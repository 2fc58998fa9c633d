package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Queue is a filesystem-backed message queue. The contract, not an
// implementation accident: Enqueue writes to a temporary sibling and renames,
// so a concurrent Poll never observes a partially written entry. Poll returns
// ready entries oldest-first; Ack removes a consumed entry.
type Queue interface {
	Enqueue(name string, payload []byte) error
	Poll() ([]string, error)
	Ack(path string) error
}

const tmpSuffix = ".tmp"

// DirQueue is a Queue over one directory.
type DirQueue struct {
	dir string
}

// NewDirQueue creates the directory if needed and returns a queue over it.
func NewDirQueue(dir string) (*DirQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &DirQueue{dir: dir}, nil
}

// Dir returns the backing directory.
func (q *DirQueue) Dir() string { return q.dir }

// Enqueue writes payload under name atomically (write-temp-then-rename).
func (q *DirQueue) Enqueue(name string, payload []byte) error {
	return WriteFileAtomic(filepath.Join(q.dir, name), payload)
}

// Poll lists complete entries, oldest name first. Temporary files and
// sentinel files (leading underscore) are never returned.
func (q *DirQueue) Poll() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	var out []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasSuffix(name, tmpSuffix) || strings.HasPrefix(name, "_") {
			continue
		}
		out = append(out, filepath.Join(q.dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Ack deletes a consumed entry.
func (q *DirQueue) Ack(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ack %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a .tmp sibling and rename.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	return WriteFileAtomic(path, data)
}

// AwaitResponse polls for the response file named by requestID until timeout.
// A still-missing file after the deadline is a timeout error, not a crash.
func AwaitResponse(responsesDir, requestID string, timeout, pollEvery time.Duration) (Response, error) {
	if pollEvery <= 0 {
		pollEvery = 100 * time.Millisecond
	}
	path := filepath.Join(responsesDir, requestID+".json")
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return Response{}, fmt.Errorf("parse response %s: %w", path, err)
			}
			_ = os.Remove(path)
			return resp, nil
		}
		if !os.IsNotExist(err) {
			return Response{}, fmt.Errorf("read response %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return Response{}, fmt.Errorf("no response for request %s within %s", requestID, timeout)
		}
		time.Sleep(pollEvery)
	}
}
