// Package scheduler polls the scheduled-task table, dispatches due tasks onto
// the queue's task lane, and keeps the restart-safe bookkeeping: next_run is
// advanced before a container is spawned, and stuck once-tasks are recovered
// at startup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-warren/internal/bus"
	"github.com/basket/go-warren/internal/channels"
	"github.com/basket/go-warren/internal/container"
	"github.com/basket/go-warren/internal/ipc"
	"github.com/basket/go-warren/internal/otel"
	"github.com/basket/go-warren/internal/queue"
	"github.com/basket/go-warren/internal/shared"
	"github.com/basket/go-warren/internal/store"
)

// taskCloseDelay is how long after a task's first result the task container
// is asked to close. Fixed, and deliberately shorter than the runtime's idle
// timeout.
const taskCloseDelay = 10 * time.Second

// resultSummaryMax bounds the persisted last_result summary.
const resultSummaryMax = 200

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the scheduler's dependencies.
type Config struct {
	Store         *store.Store
	Queue         *queue.GroupQueue
	Runner        container.Runner
	Drops         *ipc.Manager
	Transports    *channels.Registry
	Logger        *slog.Logger
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Location      *time.Location
	MainFolder    string
	AssistantName string
	Interval      time.Duration // poll tick; defaults to 1 minute if zero
}

// Scheduler runs the poll loop.
type Scheduler struct {
	store         *store.Store
	queue         *queue.GroupQueue
	runner        container.Runner
	drops         *ipc.Manager
	transports    *channels.Registry
	logger        *slog.Logger
	events        *bus.Bus
	metrics       *otel.Metrics
	loc           *time.Location
	mainFolder    string
	assistantName string
	interval      time.Duration

	mu           sync.Mutex
	shuttingDown bool

	drainCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:         cfg.Store,
		queue:         cfg.Queue,
		runner:        cfg.Runner,
		drops:         cfg.Drops,
		transports:    cfg.Transports,
		logger:        logger,
		events:        cfg.Bus,
		metrics:       cfg.Metrics,
		loc:           loc,
		mainFolder:    cfg.MainFolder,
		assistantName: cfg.AssistantName,
		interval:      interval,
		drainCh:       make(chan struct{}, 1),
	}
}

// Start recovers stuck once-tasks, then begins the poll loop in a background
// goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.store.RecoverStuckTasks(ctx, time.Now()); err != nil {
		s.logger.Error("stuck task recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered stuck once-tasks", "count", n)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("task scheduler started", "interval", s.interval)
}

// Stop cancels the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("task scheduler stopped")
}

// Shutdown flips the shutting-down flag: later ticks dispatch nothing. Task
// closures already handed to the queue continue.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
}

// TriggerDrain makes the next loop iteration run without waiting a full
// tick, so a freshly created once-task fires promptly.
func (s *Scheduler) TriggerDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.drainCh:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	stopping := s.shuttingDown
	s.mu.Unlock()
	if stopping {
		return
	}

	due, err := s.store.GetDueTasks(ctx, time.Now())
	if err != nil {
		s.logger.Error("due-task query failed", "error", err)
		return
	}
	for _, t := range due {
		// Re-read: the row may have been paused or deleted since selection.
		current, err := s.store.GetTaskByID(ctx, t.ID)
		if err != nil {
			s.logger.Error("task re-read failed", "task", t.ID, "error", err)
			continue
		}
		if current == nil || current.Status != store.TaskStatusActive {
			continue
		}
		task := *current
		s.queue.EnqueueTask(task.ChatJid, task.ID, func() error {
			runCtx := shared.WithTraceID(context.Background(), shared.NewTraceID())
			return s.runTask(runCtx, task)
		})
	}
}

// runTask executes one scheduled task inside the queue's task lane.
func (s *Scheduler) runTask(ctx context.Context, task store.ScheduledTask) error {
	start := time.Now()

	if !validGroupFolder(task.GroupFolder) {
		// Malformed legacy rows would otherwise churn every poll.
		paused := store.TaskStatusPaused
		if err := s.store.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &paused}); err != nil {
			s.logger.Error("pausing malformed task failed", "task", task.ID, "error", err)
		}
		s.logRun(ctx, task.ID, start, "", fmt.Sprintf("invalid group folder %q", task.GroupFolder))
		return nil
	}

	// Advance next_run BEFORE anything can fail or spawn. A crash mid-run
	// then leaves a recoverable row instead of a double-fire, and an
	// unregistered group does not churn the poll loop.
	preRun, err := s.nextRunAfter(task, time.Now(), false)
	if err != nil {
		paused := store.TaskStatusPaused
		if uerr := s.store.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &paused}); uerr != nil {
			s.logger.Error("pausing unschedulable task failed", "task", task.ID, "error", uerr)
		}
		s.logRun(ctx, task.ID, start, "", fmt.Sprintf("schedule error: %v", err))
		return nil
	}
	if err := s.store.AdvanceNextRun(ctx, task.ID, preRun); err != nil {
		// Abort: the next poll selects the task again.
		return fmt.Errorf("advance next_run: %w", err)
	}

	chat, err := s.store.GetChatByFolder(ctx, task.GroupFolder)
	if err != nil {
		s.logRun(ctx, task.ID, start, "", fmt.Sprintf("group lookup failed: %v", err))
		return err
	}
	if chat == nil {
		s.logRun(ctx, task.ID, start, "", fmt.Sprintf("group folder %q not registered", task.GroupFolder))
		return nil
	}

	isMain := task.GroupFolder == s.mainFolder
	s.writeSnapshots(ctx, task.GroupFolder, isMain)

	if err := s.drops.ClearReplyContext(task.GroupFolder); err != nil {
		s.logger.Debug("reply context clear failed", "task", task.ID, "error", err)
	}

	s.publish(bus.TopicTaskRunStarted, bus.TaskRunEvent{TaskID: task.ID, GroupJid: task.ChatJid})

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID = chat.SessionID
	}

	var (
		closeMu    sync.Mutex
		closeTimer *time.Timer
		runErr     string
	)
	armClose := func() {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closeTimer != nil {
			return
		}
		closeTimer = time.AfterFunc(taskCloseDelay, func() {
			s.queue.CloseTaskStdin(task.ChatJid)
		})
	}

	res, err := s.runner.RunAgent(ctx, container.Input{
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		GroupFolder:     task.GroupFolder,
		ChatJid:         task.ChatJid,
		IsMain:          isMain,
		IsScheduledTask: true,
		AssistantName:   s.assistantName,
	},
		func(containerID, containerName string) {
			s.queue.RegisterContainer(queue.Handle{
				GroupJid:      task.ChatJid,
				Lane:          queue.LaneTask,
				GroupFolder:   task.GroupFolder,
				ContainerID:   containerID,
				ContainerName: containerName,
			})
		},
		func(ev container.OutputEvent) {
			switch ev.Kind {
			case container.EventSuccess:
				if ev.Result != "" {
					s.deliverResult(task, ev.Result)
				}
				s.queue.NotifyTaskIdle(task.ChatJid)
				armClose()
			case container.EventError:
				runErr = ev.Message
			}
		},
	)

	closeMu.Lock()
	if closeTimer != nil {
		closeTimer.Stop()
	}
	closeMu.Unlock()

	if err != nil {
		runErr = err.Error()
	} else if res.Status != "success" && runErr == "" {
		runErr = res.Error
		if runErr == "" {
			runErr = "container run failed"
		}
	}

	status := "success"
	if runErr != "" {
		status = "error"
	}

	duration := time.Since(start)
	s.addMetric(func(m *otel.Metrics) {
		m.TaskRunDuration.Record(context.Background(), duration.Seconds())
	})

	if logErr := s.store.LogTaskRun(ctx, store.TaskRun{
		TaskID:     task.ID,
		RunAt:      store.FormatTime(start),
		DurationMs: duration.Milliseconds(),
		Status:     status,
		Result:     res.Result,
		Error:      runErr,
	}); logErr != nil {
		s.logger.Error("task run log write failed", "task", task.ID, "error", logErr)
	}

	finalNext, nextErr := s.nextRunAfter(task, time.Now(), true)
	if nextErr != nil {
		s.logger.Error("final next_run computation failed", "task", task.ID, "error", nextErr)
		finalNext = ""
	}
	summary := res.Result
	if runErr != "" {
		summary = runErr
	}
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, finalNext, store.FormatTime(start), truncate(summary, resultSummaryMax)); err != nil {
		// Stale bookkeeping; startup recovery reconciles once-tasks.
		s.logger.Error("post-run task update failed", "task", task.ID, "error", err)
	}

	s.publish(bus.TopicTaskRunFinished, bus.TaskRunEvent{TaskID: task.ID, GroupJid: task.ChatJid, Status: status})
	return nil
}

// deliverResult sends a task result to the primary chat and every extra
// subscriber. Failures are logged and do not stop remaining deliveries.
func (s *Scheduler) deliverResult(task store.ScheduledTask, result string) {
	if err := s.transports.Send(task.ChatJid, result, ""); err != nil {
		s.logger.Error("task result send failed", "task", task.ID, "jid", task.ChatJid, "error", err)
	}
	for _, jid := range task.ExtraChatJids {
		if err := s.transports.Send(jid, result, ""); err != nil {
			s.logger.Error("task result send to subscriber failed", "task", task.ID, "jid", jid, "error", err)
		}
	}
}

// writeSnapshots drops tasks and queue-status snapshots into the group's IPC
// area so the container can introspect peer work.
func (s *Scheduler) writeSnapshots(ctx context.Context, groupFolder string, isMain bool) {
	var (
		tasks []store.ScheduledTask
		err   error
	)
	if isMain {
		tasks, err = s.store.GetAllTasks(ctx)
	} else {
		tasks, err = s.store.GetTasksByFolder(ctx, groupFolder)
	}
	if err != nil {
		s.logger.Debug("tasks snapshot query failed", "folder", groupFolder, "error", err)
	} else {
		entries := make([]ipc.TaskSnapshotEntry, 0, len(tasks))
		for _, t := range tasks {
			entries = append(entries, ipc.TaskSnapshotEntry{
				ID:           t.ID,
				Prompt:       t.Prompt,
				ScheduleType: t.ScheduleType,
				NextRun:      t.NextRun,
				Status:       t.Status,
			})
		}
		if err := s.drops.WriteTasksSnapshot(groupFolder, isMain, entries); err != nil {
			s.logger.Debug("tasks snapshot write failed", "folder", groupFolder, "error", err)
		}
	}

	st := s.queue.GetStatus()
	entries := make([]ipc.QueueSnapshotEntry, 0, len(st.Groups))
	groups := make([]string, 0, len(st.Groups))
	for _, g := range st.Groups {
		entries = append(entries, ipc.QueueSnapshotEntry{
			GroupJid:        g.GroupJid,
			ActiveMessage:   g.ActiveMessage,
			ActiveTask:      g.ActiveTask,
			PendingMessages: g.PendingMessages,
			PendingTasks:    g.PendingTasks,
		})
		groups = append(groups, g.GroupJid)
	}
	if err := s.drops.WriteQueueSnapshot(groupFolder, isMain, entries, groups); err != nil {
		s.logger.Debug("queue snapshot write failed", "folder", groupFolder, "error", err)
	}
}

// nextRunAfter computes the next fire time. Before a run, a once-task gets
// the far-future sentinel; after it, null.
func (s *Scheduler) nextRunAfter(task store.ScheduledTask, now time.Time, final bool) (string, error) {
	switch task.ScheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(task.ScheduleValue)
		if err != nil {
			return "", fmt.Errorf("parse cron %q: %w", task.ScheduleValue, err)
		}
		return store.FormatTime(sched.Next(now.In(s.loc))), nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(task.ScheduleValue), 10, 64)
		if err != nil || ms <= 0 {
			return "", fmt.Errorf("invalid interval %q", task.ScheduleValue)
		}
		return store.FormatTime(now.Add(time.Duration(ms) * time.Millisecond)), nil
	case store.ScheduleOnce:
		if final {
			return "", nil
		}
		return store.OnceSentinel, nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", task.ScheduleType)
	}
}

func (s *Scheduler) logRun(ctx context.Context, taskID string, start time.Time, result, errMsg string) {
	s.logger.Error("task run error", "task", taskID, "trace_id", shared.TraceID(ctx), "error", errMsg)
	if err := s.store.LogTaskRun(ctx, store.TaskRun{
		TaskID:     taskID,
		RunAt:      store.FormatTime(start),
		DurationMs: time.Since(start).Milliseconds(),
		Status:     "error",
		Result:     result,
		Error:      errMsg,
	}); err != nil {
		s.logger.Error("task run log write failed", "task", taskID, "error", err)
	}
}

func (s *Scheduler) publish(topic string, payload interface{}) {
	if s.events != nil {
		s.events.Publish(topic, payload)
	}
}

func (s *Scheduler) addMetric(f func(*otel.Metrics)) {
	if s.metrics != nil {
		f(s.metrics)
	}
}

// validGroupFolder rejects folder strings that could escape the data dir.
func validGroupFolder(folder string) bool {
	if folder == "" {
		return false
	}
	if strings.Contains(folder, "..") {
		return false
	}
	if strings.ContainsAny(folder, `/\`) {
		return false
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
