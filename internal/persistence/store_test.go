package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/burrow/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "burrow.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenMigratesAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen against the already-migrated file.
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = store.Close()
}

func TestGroupUpsertAndLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	g := Group{
		ChatJID: "12345@g.us",
		Name:    "Family",
		Folder:  "family",
		Trigger: "@burrow",
		IsMain:  false,
		Container: &config.GroupContainerConfig{
			TimeoutSeconds: 120,
			AdditionalMounts: []config.Mount{
				{HostPath: "/srv/media", ContainerPath: "/media", ReadOnly: true},
			},
		},
	}
	if err := store.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GroupByFolder(ctx, "family")
	if err != nil {
		t.Fatalf("by folder: %v", err)
	}
	if got.ChatJID != g.ChatJID || got.Container == nil || got.Container.TimeoutSeconds != 120 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Re-registration mutates in place.
	g.Name = "Family v2"
	if err := store.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err = store.GroupByJID(ctx, g.ChatJID)
	if err != nil {
		t.Fatalf("by jid: %v", err)
	}
	if got.Name != "Family v2" {
		t.Fatalf("re-registration did not update: %+v", got)
	}

	if _, err := store.GroupByFolder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMainGroupLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.MainGroup(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before registration, got %v", err)
	}
	if err := store.UpsertGroup(ctx, Group{ChatJID: "m@g.us", Name: "Main", Folder: "main", IsMain: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	main, err := store.MainGroup(ctx)
	if err != nil {
		t.Fatalf("main group: %v", err)
	}
	if !main.IsMain || main.Folder != "main" {
		t.Fatalf("unexpected main group: %+v", main)
	}
}

func TestDueTasksOrderingAndSelection(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	later := now.Add(time.Hour)
	overdueOld := now.Add(-10 * time.Minute)
	overdueNew := now.Add(-1 * time.Minute)

	mk := func(id string, next *time.Time, status TaskStatus) {
		t.Helper()
		_, err := store.CreateTask(ctx, ScheduledTask{
			ID: id, GroupFolder: "family", ChatJID: "j", Prompt: "p",
			ScheduleType: ScheduleInterval, ScheduleValue: "60000",
			Status: status, NextRun: next,
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("future", &later, TaskStatusActive)
	mk("old", &overdueOld, TaskStatusActive)
	mk("new", &overdueNew, TaskStatusActive)
	mk("paused", &overdueOld, TaskStatusPaused)

	due, err := store.DueTasks(ctx, now)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	if due[0].ID != "old" || due[1].ID != "new" {
		t.Fatalf("due tasks out of order: %s, %s", due[0].ID, due[1].ID)
	}
}

func TestCompleteRunOnceTaskTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Minute)

	id, err := store.CreateTask(ctx, ScheduledTask{
		GroupFolder: "family", ChatJID: "j", Prompt: "p",
		ScheduleType: ScheduleOnce, ScheduleValue: past.Format(time.RFC3339),
		NextRun: &past,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// nil nextRun marks the task completed.
	if err := store.CompleteRun(ctx, id, now, "done", nil); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	got, err := store.TaskByID(ctx, id)
	if err != nil {
		t.Fatalf("task by id: %v", err)
	}
	if got.Status != TaskStatusCompleted || got.NextRun != nil {
		t.Fatalf("once task not terminal: %+v", got)
	}

	// Completed tasks are never re-selected as due.
	due, err := store.DueTasks(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("completed task selected as due: %+v", due)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	next := time.Now().Add(time.Minute)

	id, err := store.CreateTask(ctx, ScheduledTask{
		GroupFolder: "family", ChatJID: "j", Prompt: "p",
		ScheduleType: ScheduleInterval, ScheduleValue: "60000", NextRun: &next,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.PauseTask(ctx, id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// Pausing twice fails: the task is no longer active.
	if err := store.PauseTask(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double pause: %v", err)
	}

	resumeAt := time.Now().Add(2 * time.Minute)
	if err := store.ResumeTask(ctx, id, resumeAt); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.TaskByID(ctx, id)
	if got.Status != TaskStatusActive {
		t.Fatalf("resume did not reactivate: %+v", got)
	}

	if err := store.CancelTask(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.TaskByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled task still present: %v", err)
	}
}

func TestRunLogsAppendOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.AppendRunLog(ctx, TaskRunLog{
			TaskID: "t1", RunAt: time.Now().Add(time.Duration(i) * time.Second),
			DurationMS: int64(100 * i), Status: "success", Result: "ok",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	logs, err := store.RunLogs(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("run logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].RunAt.Before(logs[2].RunAt) {
		t.Fatal("logs not newest-first")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sid, err := store.SessionFor(ctx, "family")
	if err != nil || sid != "" {
		t.Fatalf("expected empty session, got %q err %v", sid, err)
	}
	if err := store.SaveSession(ctx, "family", "sess-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveSession(ctx, "family", "sess-2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	sid, err = store.SessionFor(ctx, "family")
	if err != nil || sid != "sess-2" {
		t.Fatalf("expected sess-2, got %q err %v", sid, err)
	}
}

func TestIdempotencyKeys(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, seen, err := store.SeenIdempotencyKey(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("unexpected initial state: seen=%v err=%v", seen, err)
	}
	if err := store.RecordIdempotencyKey(ctx, "k1", "ext_call", `{"ok":true}`); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Duplicate record keeps the original result.
	if err := store.RecordIdempotencyKey(ctx, "k1", "ext_call", `{"ok":false}`); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}
	result, seen, err := store.SeenIdempotencyKey(ctx, "k1")
	if err != nil || !seen {
		t.Fatalf("lookup: seen=%v err=%v", seen, err)
	}
	if result != `{"ok":true}` {
		t.Fatalf("original result not preserved: %q", result)
	}
}
