// Package queue implements the group execution scheduler core: per-group
// dual-lane mutual exclusion, the global container slot cap, the
// waiting-groups queue, retry backoff, and cooperative preemption of idle
// message containers.
//
// All state decisions happen inside one mutex. Container callbacks, task
// closures, and IPC filesystem writes run outside it.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-warren/internal/bus"
	"github.com/basket/go-warren/internal/ipc"
	"github.com/basket/go-warren/internal/otel"
)

const (
	// maxRetries bounds automatic message-lane retries per group.
	maxRetries = 5
	// defaultRetryBase is the first retry delay; each further retry doubles it.
	defaultRetryBase = 5 * time.Second
)

// ProcessMessagesFn is the message-lane callback. It returns true on success
// and false (or an error) for a transient failure that warrants retry.
type ProcessMessagesFn func(groupJid string) (bool, error)

// TaskFn is a queued task-lane closure. Errors are logged and surfaced to the
// scheduler through its own bookkeeping; the queue never retries tasks.
type TaskFn func() error

type taskItem struct {
	id string
	fn TaskFn
}

type groupState struct {
	jid string

	// message lane
	activeMessage   bool
	idleWaiting     bool
	pendingMessages bool
	messageHandle   *Handle
	retryCount      int

	// task lane
	activeTask   bool
	pendingTasks []taskItem
	taskHandle   *Handle
}

func (g *groupState) hasPendingWork() bool {
	return g.pendingMessages || len(g.pendingTasks) > 0
}

// GroupQueue owns all group state and the global slot budget.
type GroupQueue struct {
	mu            sync.Mutex
	groups        map[string]*groupState
	waiting       []string
	activeCount   int
	maxConcurrent int
	shuttingDown  bool

	processMessages ProcessMessagesFn
	retryBase       time.Duration

	drops   *ipc.Manager
	logger  *slog.Logger
	events  *bus.Bus
	metrics *otel.Metrics
}

// Config holds the queue's dependencies.
type Config struct {
	MaxConcurrent int
	Drops         *ipc.Manager
	Logger        *slog.Logger
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	// RetryBase overrides the first retry delay; zero keeps the default 5s.
	RetryBase time.Duration
}

func New(cfg Config) *GroupQueue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	return &GroupQueue{
		groups:        make(map[string]*groupState),
		maxConcurrent: maxConcurrent,
		retryBase:     retryBase,
		drops:         cfg.Drops,
		logger:        logger,
		events:        cfg.Bus,
		metrics:       cfg.Metrics,
	}
}

// SetProcessMessagesFn installs the message-lane callback. Must be called
// before the first EnqueueMessageCheck.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processMessages = fn
}

func (q *GroupQueue) group(jid string) *groupState {
	g, ok := q.groups[jid]
	if !ok {
		g = &groupState{jid: jid}
		q.groups[jid] = g
	}
	return g
}

// EnqueueMessageCheck ensures the message lane for the group will run. Slot
// accounting is synchronous with the call: two back-to-back enqueues can
// never both observe a free slot that only one of them gets.
func (q *GroupQueue) EnqueueMessageCheck(groupJid string) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		q.logger.Info("queue shutting down, rejecting message check", "group", groupJid)
		return
	}
	g := q.group(groupJid)
	if g.activeMessage {
		g.pendingMessages = true
		q.mu.Unlock()
		return
	}
	if q.activeCount >= q.maxConcurrent {
		g.pendingMessages = true
		q.addWaitingLocked(groupJid)
		q.mu.Unlock()
		q.publish(bus.TopicGroupMessageDeferred, bus.GroupEvent{GroupJid: groupJid})
		return
	}
	q.promoteMessageLocked(g)
	q.mu.Unlock()

	q.publish(bus.TopicGroupMessageEnqueued, bus.GroupEvent{GroupJid: groupJid})
	go q.runMessageLane(groupJid)
}

// promoteMessageLocked flips the message lane active and takes a slot. Caller
// holds the lock and launches the lane after releasing it.
func (q *GroupQueue) promoteMessageLocked(g *groupState) {
	g.activeMessage = true
	g.idleWaiting = false
	g.pendingMessages = false
	q.activeCount++
	q.addMetric(func(m *otel.Metrics) {
		m.ActiveContainers.Add(context.Background(), 1)
		m.ContainersStarted.Add(context.Background(), 1)
	})
}

func (q *GroupQueue) runMessageLane(groupJid string) {
	q.mu.Lock()
	fn := q.processMessages
	q.mu.Unlock()

	ok := false
	var err error
	if fn == nil {
		q.logger.Error("no message processor installed", "group", groupJid)
	} else {
		ok, err = fn(groupJid)
	}

	q.mu.Lock()
	g := q.group(groupJid)
	if ok && err == nil {
		g.retryCount = 0
	} else {
		q.scheduleRetryLocked(g, err)
	}
	g.messageHandle = nil
	g.activeMessage = false
	g.idleWaiting = false
	q.activeCount--
	launches := q.drainGroupLocked(g)
	q.mu.Unlock()

	q.addMetric(func(m *otel.Metrics) {
		m.ActiveContainers.Add(context.Background(), -1)
	})
	q.runLaunches(launches)
}

// scheduleRetryLocked applies the message-lane retry policy: exponential
// backoff from retryBase, giving up after maxRetries until the next inbound
// message arrives.
func (q *GroupQueue) scheduleRetryLocked(g *groupState, cause error) {
	g.retryCount++
	if g.retryCount > maxRetries {
		q.logger.Warn("message processing failed, giving up until next message",
			"group", g.jid, "attempts", g.retryCount-1, "error", cause)
		g.retryCount = 0
		return
	}
	delay := q.retryBase << uint(g.retryCount-1)
	jid := g.jid
	attempt := g.retryCount
	q.logger.Info("scheduling message retry", "group", jid, "attempt", attempt, "delay", delay, "error", cause)
	q.addMetric(func(m *otel.Metrics) {
		m.MessageRetries.Add(context.Background(), 1)
	})
	q.publish(bus.TopicGroupMessageRetry, bus.GroupEvent{GroupJid: jid, Retry: attempt})
	time.AfterFunc(delay, func() {
		q.EnqueueMessageCheck(jid)
	})
}

// EnqueueTask ensures the group's task lane runs the closure. Duplicate
// pending task ids are skipped. An idle-waiting message container is asked to
// close so its slot frees up for the task.
func (q *GroupQueue) EnqueueTask(groupJid, taskID string, fn TaskFn) {
	var closeFolder string

	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		q.logger.Info("queue shutting down, rejecting task", "group", groupJid, "task", taskID)
		return
	}
	g := q.group(groupJid)
	for _, item := range g.pendingTasks {
		if item.id == taskID {
			q.mu.Unlock()
			q.logger.Debug("task already pending, skipping", "group", groupJid, "task", taskID)
			return
		}
	}
	if g.activeTask {
		g.pendingTasks = append(g.pendingTasks, taskItem{id: taskID, fn: fn})
		q.mu.Unlock()
		return
	}
	if g.activeMessage && g.idleWaiting && g.messageHandle != nil {
		closeFolder = g.messageHandle.GroupFolder
	}
	if q.activeCount >= q.maxConcurrent {
		g.pendingTasks = append(g.pendingTasks, taskItem{id: taskID, fn: fn})
		q.addWaitingLocked(groupJid)
		q.mu.Unlock()
		if closeFolder != "" {
			q.signalClose(groupJid, LaneMessage, closeFolder)
		}
		return
	}
	item := taskItem{id: taskID, fn: fn}
	q.promoteTaskLocked(g)
	q.mu.Unlock()

	if closeFolder != "" {
		q.signalClose(groupJid, LaneMessage, closeFolder)
	}
	q.publish(bus.TopicGroupTaskEnqueued, bus.GroupEvent{GroupJid: groupJid, TaskID: taskID})
	go q.runTaskLane(groupJid, item)
}

func (q *GroupQueue) promoteTaskLocked(g *groupState) {
	g.activeTask = true
	q.activeCount++
	q.addMetric(func(m *otel.Metrics) {
		m.ActiveContainers.Add(context.Background(), 1)
		m.ContainersStarted.Add(context.Background(), 1)
	})
}

func (q *GroupQueue) runTaskLane(groupJid string, item taskItem) {
	if err := item.fn(); err != nil {
		q.logger.Error("task closure failed", "group", groupJid, "task", item.id, "error", err)
	}

	q.mu.Lock()
	g := q.group(groupJid)
	g.taskHandle = nil
	g.activeTask = false
	q.activeCount--
	launches := q.drainGroupLocked(g)
	q.mu.Unlock()

	q.addMetric(func(m *otel.Metrics) {
		m.ActiveContainers.Add(context.Background(), -1)
	})
	q.runLaunches(launches)
}

// launch describes a lane promotion decided under the lock and started after
// it is released.
type launch struct {
	jid  string
	lane Lane
	item taskItem
}

func (q *GroupQueue) runLaunches(launches []launch) {
	for _, l := range launches {
		if l.lane == LaneMessage {
			q.publish(bus.TopicGroupMessageEnqueued, bus.GroupEvent{GroupJid: l.jid})
			go q.runMessageLane(l.jid)
		} else {
			q.publish(bus.TopicGroupTaskEnqueued, bus.GroupEvent{GroupJid: l.jid, TaskID: l.item.id})
			go q.runTaskLane(l.jid, l.item)
		}
	}
}

// drainGroupLocked promotes this group's deferred work, messages first, then
// hands leftover slots to the waiting-groups queue.
func (q *GroupQueue) drainGroupLocked(g *groupState) []launch {
	var launches []launch
	if g.pendingMessages && !g.activeMessage && q.activeCount < q.maxConcurrent {
		q.promoteMessageLocked(g)
		launches = append(launches, launch{jid: g.jid, lane: LaneMessage})
	}
	if len(g.pendingTasks) > 0 && !g.activeTask && q.activeCount < q.maxConcurrent {
		item := g.pendingTasks[0]
		g.pendingTasks = g.pendingTasks[1:]
		q.promoteTaskLocked(g)
		launches = append(launches, launch{jid: g.jid, lane: LaneTask, item: item})
	}
	if !g.hasPendingWork() {
		launches = append(launches, q.drainWaitingLocked()...)
	}
	return launches
}

// drainWaitingLocked pops deferred groups while slots remain, promoting
// whichever lanes have pending work.
func (q *GroupQueue) drainWaitingLocked() []launch {
	var launches []launch
	for q.activeCount < q.maxConcurrent && len(q.waiting) > 0 {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.addMetric(func(m *otel.Metrics) {
			m.WaitingGroups.Add(context.Background(), -1)
		})
		g := q.group(jid)
		if g.pendingMessages && !g.activeMessage && q.activeCount < q.maxConcurrent {
			q.promoteMessageLocked(g)
			launches = append(launches, launch{jid: jid, lane: LaneMessage})
		}
		if len(g.pendingTasks) > 0 && !g.activeTask && q.activeCount < q.maxConcurrent {
			item := g.pendingTasks[0]
			g.pendingTasks = g.pendingTasks[1:]
			q.promoteTaskLocked(g)
			launches = append(launches, launch{jid: jid, lane: LaneTask, item: item})
		}
		if g.hasPendingWork() && q.activeCount >= q.maxConcurrent {
			// Ran out of slots mid-group; keep it queued for the next drain.
			q.addWaitingFrontLocked(jid)
		}
	}
	return launches
}

func (q *GroupQueue) addWaitingLocked(jid string) {
	for _, w := range q.waiting {
		if w == jid {
			return
		}
	}
	q.waiting = append(q.waiting, jid)
	q.addMetric(func(m *otel.Metrics) {
		m.WaitingGroups.Add(context.Background(), 1)
	})
}

func (q *GroupQueue) addWaitingFrontLocked(jid string) {
	for _, w := range q.waiting {
		if w == jid {
			return
		}
	}
	q.waiting = append([]string{jid}, q.waiting...)
	q.addMetric(func(m *otel.Metrics) {
		m.WaitingGroups.Add(context.Background(), 1)
	})
}

// NotifyIdle marks the group's message container as idle-waiting: it has
// produced its reply and is watching the drop-dir for more input. A pending
// task preempts it immediately.
func (q *GroupQueue) NotifyIdle(groupJid string) {
	var closeFolder string

	q.mu.Lock()
	g := q.group(groupJid)
	if g.activeMessage {
		g.idleWaiting = true
		if len(g.pendingTasks) > 0 && !g.activeTask && g.messageHandle != nil {
			closeFolder = g.messageHandle.GroupFolder
		}
	}
	q.mu.Unlock()

	if closeFolder != "" {
		q.signalClose(groupJid, LaneMessage, closeFolder)
	}
}

// NotifyTaskIdle exists for symmetry with the scheduler's call pattern; task
// containers are single-turn, so there is no state to change.
func (q *GroupQueue) NotifyTaskIdle(groupJid string) {
	q.logger.Debug("task container idle", "group", groupJid)
}

// RegisterContainer records the spawned container for its lane.
func (q *GroupQueue) RegisterContainer(h Handle) {
	q.mu.Lock()
	g := q.group(h.GroupJid)
	if h.Lane == LaneMessage {
		g.messageHandle = &h
	} else {
		g.taskHandle = &h
	}
	q.mu.Unlock()

	q.publish(bus.TopicContainerSpawned, bus.ContainerEvent{
		GroupJid:      h.GroupJid,
		Lane:          string(h.Lane),
		ContainerName: h.ContainerName,
	})
}

// SendMessage drops an input envelope into the active message container's
// drop-dir and clears idle-waiting. Returns false when no message container
// is active for the group; a running task container alone does not accept
// interactive input.
func (q *GroupQueue) SendMessage(groupJid, text string) bool {
	q.mu.Lock()
	g := q.group(groupJid)
	if !g.activeMessage || g.messageHandle == nil {
		q.mu.Unlock()
		return false
	}
	folder := g.messageHandle.GroupFolder
	g.idleWaiting = false
	q.mu.Unlock()

	if err := q.drops.WriteInput(folder, text); err != nil {
		q.logger.Debug("ipc input write failed", "group", groupJid, "error", err)
	}
	return true
}

// CloseStdin writes the close sentinel for the group's message container.
func (q *GroupQueue) CloseStdin(groupJid string) {
	q.mu.Lock()
	g := q.group(groupJid)
	var folder string
	if g.messageHandle != nil {
		folder = g.messageHandle.GroupFolder
	}
	q.mu.Unlock()
	if folder != "" {
		q.signalClose(groupJid, LaneMessage, folder)
	}
}

// CloseTaskStdin writes the close sentinel for the group's task container.
// Lane lookup uses the task handle's own folder, never the message lane's.
func (q *GroupQueue) CloseTaskStdin(groupJid string) {
	q.mu.Lock()
	g := q.group(groupJid)
	var folder string
	if g.taskHandle != nil {
		folder = g.taskHandle.GroupFolder
	}
	q.mu.Unlock()
	if folder != "" {
		q.signalClose(groupJid, LaneTask, folder)
	}
}

func (q *GroupQueue) signalClose(groupJid string, lane Lane, folder string) {
	if err := q.drops.WriteClose(folder); err != nil {
		q.logger.Debug("ipc close write failed", "group", groupJid, "lane", lane, "error", err)
		return
	}
	q.publish(bus.TopicGroupPreempted, bus.GroupEvent{GroupJid: groupJid})
}

// IsBusy reports whether the group's message container is actively working.
// Task-lane activity is deliberately invisible here: a user asking a new
// question is not told to wait because a background task is running.
func (q *GroupQueue) IsBusy(groupJid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[groupJid]
	if !ok {
		return false
	}
	return g.activeMessage && !g.idleWaiting
}

// Shutdown flips the shutting-down flag and returns the handles of in-flight
// containers. They are detached, not killed: the runtime's AutoRemove and
// timeouts guarantee eventual cleanup, and killing them would interrupt
// productive work during transport reconnect restarts.
func (q *GroupQueue) Shutdown() []Handle {
	q.mu.Lock()
	q.shuttingDown = true
	var detached []Handle
	for _, g := range q.groups {
		if g.messageHandle != nil {
			detached = append(detached, *g.messageHandle)
		}
		if g.taskHandle != nil {
			detached = append(detached, *g.taskHandle)
		}
	}
	q.mu.Unlock()

	for _, h := range detached {
		q.logger.Info("detaching container", "group", h.GroupJid, "lane", h.Lane, "container", h.ContainerName)
		q.publish(bus.TopicContainerDetached, bus.ContainerEvent{
			GroupJid:      h.GroupJid,
			Lane:          string(h.Lane),
			ContainerName: h.ContainerName,
		})
	}
	return detached
}

func (q *GroupQueue) publish(topic string, payload interface{}) {
	if q.events != nil {
		q.events.Publish(topic, payload)
	}
}

func (q *GroupQueue) addMetric(f func(*otel.Metrics)) {
	if q.metrics != nil {
		f(q.metrics)
	}
}
