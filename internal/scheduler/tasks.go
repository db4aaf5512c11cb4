package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-warren/internal/store"
)

// ValidateSchedule checks a schedule_type/schedule_value pair: a parseable
// cron expression, a positive interval in milliseconds, or an RFC3339
// timestamp for once-tasks.
func ValidateSchedule(scheduleType, scheduleValue string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if _, err := cronParser.Parse(scheduleValue); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(scheduleValue), 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("invalid interval %q: want positive milliseconds", scheduleValue)
		}
	case store.ScheduleOnce:
		if _, err := time.Parse(time.RFC3339, scheduleValue); err != nil {
			return fmt.Errorf("invalid once timestamp %q: %w", scheduleValue, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// CreateTask validates the schedule, computes the first fire time, inserts
// the row, and triggers a drain so fresh once-tasks do not wait a full tick.
func (s *Scheduler) CreateTask(ctx context.Context, t store.ScheduledTask) (string, error) {
	if err := ValidateSchedule(t.ScheduleType, t.ScheduleValue); err != nil {
		return "", err
	}
	if t.GroupFolder == "" {
		chat, err := s.store.GetChat(ctx, t.ChatJid)
		if err != nil {
			return "", fmt.Errorf("resolve chat: %w", err)
		}
		if chat == nil {
			return "", fmt.Errorf("unknown chat %q", t.ChatJid)
		}
		t.GroupFolder = chat.GroupFolder
	}
	next, err := s.initialNextRun(t, time.Now())
	if err != nil {
		return "", err
	}
	t.NextRun = next

	id, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return "", err
	}
	s.TriggerDrain()
	return id, nil
}

// initialNextRun computes a new task's first fire time. A once-task fires at
// its literal timestamp; cron and interval fire relative to now.
func (s *Scheduler) initialNextRun(t store.ScheduledTask, now time.Time) (string, error) {
	if t.ScheduleType == store.ScheduleOnce {
		at, err := time.Parse(time.RFC3339, t.ScheduleValue)
		if err != nil {
			return "", fmt.Errorf("parse once timestamp: %w", err)
		}
		return store.FormatTime(at), nil
	}
	return s.nextRunAfter(t, now, false)
}

// PauseTask and ResumeTask flip a task's status between paused and active.
func (s *Scheduler) PauseTask(ctx context.Context, id string) error {
	paused := store.TaskStatusPaused
	return s.store.UpdateTask(ctx, id, store.TaskPatch{Status: &paused})
}

func (s *Scheduler) ResumeTask(ctx context.Context, id string) error {
	active := store.TaskStatusActive
	return s.store.UpdateTask(ctx, id, store.TaskPatch{Status: &active})
}
