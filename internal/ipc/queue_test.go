package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDirQueueEnqueuePoll(t *testing.T) {
	q, err := NewDirQueue(filepath.Join(t.TempDir(), "tasks"))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := q.Enqueue("2-b.json", []byte(`{"b":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue("1-a.json", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	paths, err := q.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("got %d entries, want 2", len(paths))
	}
	if filepath.Base(paths[0]) != "1-a.json" {
		t.Errorf("poll order: got %s first, want 1-a.json", filepath.Base(paths[0]))
	}

	if err := q.Ack(paths[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	paths, _ = q.Poll()
	if len(paths) != 1 {
		t.Fatalf("after ack: got %d entries, want 1", len(paths))
	}
}

func TestDirQueueSkipsIncompleteAndSentinels(t *testing.T) {
	dir := t.TempDir()
	q, err := NewDirQueue(dir)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	// A half-written entry and the owner/close sentinels must be invisible.
	for _, name := range []string{"5-x.json.tmp", "_owner", "_close"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	paths, err := q.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("poll returned %v, want none", paths)
	}
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteFileAtomic(path, []byte(`{}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), tmpSuffix) {
			t.Errorf("temp file %s left behind", ent.Name())
		}
	}
}

func TestAwaitResponse(t *testing.T) {
	dir := t.TempDir()

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp := Response{RequestID: "req-1", OK: true, Result: json.RawMessage(`{"n":1}`)}
		_ = WriteJSONAtomic(filepath.Join(dir, "req-1.json"), resp)
	}()

	resp, err := AwaitResponse(dir, "req-1", 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !resp.OK || resp.RequestID != "req-1" {
		t.Errorf("got %+v, want ok response for req-1", resp)
	}
	if _, err := os.Stat(filepath.Join(dir, "req-1.json")); !os.IsNotExist(err) {
		t.Error("response file not removed after read")
	}
}

func TestAwaitResponseTimeout(t *testing.T) {
	_, err := AwaitResponse(t.TempDir(), "missing", 80*time.Millisecond, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "no response") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeFileNameShape(t *testing.T) {
	name := EnvelopeFileName(time.UnixMilli(1700000000000))
	if !strings.HasPrefix(name, "1700000000000-") || !strings.HasSuffix(name, ".json") {
		t.Errorf("unexpected envelope name %q", name)
	}
}
