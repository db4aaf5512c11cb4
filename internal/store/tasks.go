package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule kinds for scheduled tasks.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
)

// Context modes.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// ScheduledTask is one durable row of the task table.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJid       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	Status        string
	NextRun       string // ISO, empty when null
	LastRun       string // ISO, empty when null
	LastResult    string
	ExtraChatJids []string
}

// TaskRun is one row of the append-only run log.
type TaskRun struct {
	TaskID     string
	RunAt      string
	DurationMs int64
	Status     string // "success" or "error"
	Result     string
	Error      string
}

// CreateTask inserts a task row. A missing id is generated; a missing
// next_run is left null (the caller computes the first fire time).
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	extra, err := json.Marshal(t.ExtraChatJids)
	if err != nil {
		return "", fmt.Errorf("marshal extra_chat_jids: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
				context_mode, status, next_run, extra_chat_jids, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, t.ID, t.GroupFolder, t.ChatJid, t.Prompt, t.ScheduleType, t.ScheduleValue,
			t.ContextMode, t.Status, t.NextRun, string(extra))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// GetDueTasks returns active tasks whose next_run is at or before now.
func (s *Store) GetDueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, status, COALESCE(next_run, ''), COALESCE(last_run, ''),
			COALESCE(last_result, ''), extra_chat_jids
		FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC, id ASC;
	`, TaskStatusActive, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTaskByID returns a task row, or nil when absent.
func (s *Store) GetTaskByID(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, status, COALESCE(next_run, ''), COALESCE(last_run, ''),
			COALESCE(last_result, ''), extra_chat_jids
		FROM tasks
		WHERE id = ?;
	`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetAllTasks returns every task row, newest first.
func (s *Store) GetAllTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, status, COALESCE(next_run, ''), COALESCE(last_run, ''),
			COALESCE(last_result, ''), extra_chat_jids
		FROM tasks
		ORDER BY created_at DESC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksByFolder returns tasks bound to one group folder.
func (s *Store) GetTasksByFolder(ctx context.Context, groupFolder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			context_mode, status, COALESCE(next_run, ''), COALESCE(last_run, ''),
			COALESCE(last_result, ''), extra_chat_jids
		FROM tasks
		WHERE group_folder = ?
		ORDER BY created_at DESC, id ASC;
	`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("query tasks by folder: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskPatch holds optional field updates for UpdateTask. Nil fields are left
// untouched; a non-nil empty NextRun writes NULL.
type TaskPatch struct {
	Status  *string
	NextRun *string
	Prompt  *string
}

// UpdateTask applies a partial update to a task row.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = COALESCE(?, status),
				next_run = CASE WHEN ? THEN NULLIF(?, '') ELSE next_run END,
				prompt = COALESCE(?, prompt),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, patch.Status, patch.NextRun != nil, deref(patch.NextRun), patch.Prompt, id)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
}

// AdvanceNextRun persists the pre-execution next_run value. This MUST happen
// before the container is spawned so a crash mid-run cannot double-fire.
func (s *Store) AdvanceNextRun(ctx context.Context, id, nextRun string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET next_run = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, nextRun, id)
		if err != nil {
			return fmt.Errorf("advance next_run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("advance next_run rows: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("advance next_run: task %s not found", id)
		}
		return nil
	})
}

// UpdateTaskAfterRun writes the post-execution bookkeeping: the final
// next_run (empty for finished once-tasks), last_run, the result summary,
// and, for once-tasks, the completed status.
func (s *Store) UpdateTaskAfterRun(ctx context.Context, id, nextRun, lastRun, resultSummary string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET next_run = NULLIF(?, ''),
				last_run = ?,
				last_result = ?,
				status = CASE WHEN schedule_type = 'once' AND status = 'active' THEN 'completed' ELSE status END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, nextRun, lastRun, resultSummary, id)
		if err != nil {
			return fmt.Errorf("update task after run: %w", err)
		}
		return nil
	})
}

// LogTaskRun appends a row to the task-run log.
func (s *Store) LogTaskRun(ctx context.Context, run TaskRun) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (task_id, run_at, duration_ms, status, result, error)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''));
		`, run.TaskID, run.RunAt, run.DurationMs, run.Status, run.Result, run.Error)
		if err != nil {
			return fmt.Errorf("log task run: %w", err)
		}
		return nil
	})
}

// ListTaskRuns returns the most recent runs for a task.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, run_at, duration_ms, status, COALESCE(result, ''), COALESCE(error, '')
		FROM task_runs
		WHERE task_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		if err := rows.Scan(&r.TaskID, &r.RunAt, &r.DurationMs, &r.Status, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task run rows: %w", err)
	}
	return out, nil
}

// RecoverStuckTasks resets next_run to now for once-tasks that were picked up
// but never finished: status=active, last_run null, next_run past the
// sentinel horizon. Returns how many rows were reset.
func (s *Store) RecoverStuckTasks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET next_run = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND last_run IS NULL AND next_run > '9990';
	`, FormatTime(now), TaskStatusActive)
	if err != nil {
		return 0, fmt.Errorf("recover stuck tasks: %w", err)
	}
	return res.RowsAffected()
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error) (*ScheduledTask, error) {
	var t ScheduledTask
	var extra string
	if err := scanFn(
		&t.ID,
		&t.GroupFolder,
		&t.ChatJid,
		&t.Prompt,
		&t.ScheduleType,
		&t.ScheduleValue,
		&t.ContextMode,
		&t.Status,
		&t.NextRun,
		&t.LastRun,
		&t.LastResult,
		&extra,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &t.ExtraChatJids); err != nil {
			return nil, fmt.Errorf("parse extra_chat_jids: %w", err)
		}
	}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
