package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type ContextMode string

const (
	ContextModeGroup    ContextMode = "group"
	ContextModeIsolated ContextMode = "isolated"
)

// ScheduledTask is one recurring or one-off agent invocation.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	Status        TaskStatus
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	CreatedAt     time.Time
}

// TaskRunLog is one append-only execution record.
type TaskRunLog struct {
	TaskID     string
	RunAt      time.Time
	DurationMS int64
	Status     string
	Result     string
	Error      string
}

// CreateTask persists a new scheduled task and returns its id.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextModeGroup
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, status, next_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
		string(t.ContextMode), string(t.Status), t.NextRun)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

// TaskByID returns a single task.
func (s *Store) TaskByID(ctx context.Context, id string) (ScheduledTask, error) {
	return scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, id))
}

// DueTasks returns active tasks whose next_run has passed, ordered by
// next_run ascending so long-overdue tasks are not starved.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TasksForGroup lists a group's tasks, newest first.
func (s *Store) TasksForGroup(ctx context.Context, folder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE group_folder = ? ORDER BY created_at DESC;`, folder)
	if err != nil {
		return nil, fmt.Errorf("tasks for group: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// CompleteRun records the outcome of one execution: advances next_run (nil
// marks the task completed, for `once`), stamps last_run/last_result.
func (s *Store) CompleteRun(ctx context.Context, taskID string, ranAt time.Time, result string, nextRun *time.Time) error {
	status := TaskStatusActive
	if nextRun == nil {
		status = TaskStatusCompleted
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = ?, last_result = ?, next_run = ?, status = ?
		WHERE id = ? AND status = 'active';
	`, ranAt, result, nextRun, string(status), taskID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireRow(res, taskID)
}

// PauseTask moves an active task to paused.
func (s *Store) PauseTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = 'paused' WHERE id = ? AND status = 'active';
	`, taskID)
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	return requireRow(res, taskID)
}

// ResumeTask moves a paused task back to active with a fresh next_run.
func (s *Store) ResumeTask(ctx context.Context, taskID string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = 'active', next_run = ? WHERE id = ? AND status = 'paused';
	`, nextRun, taskID)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	return requireRow(res, taskID)
}

// CancelTask removes the task. Run logs are kept.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return requireRow(res, taskID)
}

// AppendRunLog writes one execution record. Write-once.
func (s *Store) AppendRunLog(ctx context.Context, l TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?);
	`, l.TaskID, l.RunAt, l.DurationMS, l.Status, l.Result, l.Error)
	if err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// RunLogs returns the most recent run logs for a task, newest first.
func (s *Store) RunLogs(ctx context.Context, taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("run logs: %w", err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		if err := rows.Scan(&l.TaskID, &l.RunAt, &l.DurationMS, &l.Status, &l.Result, &l.Error); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run log rows: %w", err)
	}
	return out, nil
}

const taskSelect = `
	SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	       context_mode, status, next_run, last_run, COALESCE(last_result, ''), created_at
	FROM scheduled_tasks`

func scanTask(row rowScanner) (ScheduledTask, error) {
	var (
		t       ScheduledTask
		nextRun sql.NullTime
		lastRun sql.NullTime
	)
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
		(*string)(&t.ScheduleType), &t.ScheduleValue,
		(*string)(&t.ContextMode), (*string)(&t.Status),
		&nextRun, &lastRun, &t.LastResult, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return ScheduledTask{}, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		t.NextRun = &nextRun.Time
	}
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	return t, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
