package queue_test

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-warren/internal/ipc"
	"github.com/basket/go-warren/internal/queue"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses. Avoids fixed sleeps that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestQueue(t *testing.T, maxConcurrent int) (*queue.GroupQueue, *ipc.Manager) {
	t.Helper()
	drops := ipc.NewManager(t.TempDir())
	q := queue.New(queue.Config{
		MaxConcurrent: maxConcurrent,
		Drops:         drops,
		RetryBase:     10 * time.Millisecond,
	})
	return q, drops
}

// blockingProcessor lets tests hold message-lane callbacks open and release
// them one group at a time.
type blockingProcessor struct {
	mu      sync.Mutex
	started []string
	release map[string]chan bool
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{release: make(map[string]chan bool)}
}

func (p *blockingProcessor) fn(groupJid string) (bool, error) {
	n := p.active.Add(1)
	for {
		max := p.maxSeen.Load()
		if n <= max || p.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	p.mu.Lock()
	p.started = append(p.started, groupJid)
	ch, ok := p.release[groupJid]
	if !ok {
		ch = make(chan bool, 1)
		p.release[groupJid] = ch
	}
	p.mu.Unlock()

	ok = <-ch
	p.active.Add(-1)
	return ok, nil
}

func (p *blockingProcessor) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

func (p *blockingProcessor) startedFor(jid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.started {
		if s == jid {
			n++
		}
	}
	return n
}

func (p *blockingProcessor) releaseGroup(jid string, ok bool) {
	p.mu.Lock()
	ch, exists := p.release[jid]
	if !exists {
		ch = make(chan bool, 1)
		p.release[jid] = ch
	}
	p.mu.Unlock()
	ch <- ok
}

func TestGlobalCapAcrossGroups(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(p.fn)

	q.EnqueueMessageCheck("A")
	q.EnqueueMessageCheck("B")
	q.EnqueueMessageCheck("C")

	waitFor(t, time.Second, func() bool { return p.startedCount() == 2 })

	st := q.GetStatus()
	if st.ActiveCount != 2 {
		t.Fatalf("expected activeCount=2, got %d", st.ActiveCount)
	}
	if len(st.WaitingGroups) != 1 || st.WaitingGroups[0] != "C" {
		t.Fatalf("expected C waiting, got %v", st.WaitingGroups)
	}

	p.releaseGroup("A", true)

	waitFor(t, time.Second, func() bool { return p.startedFor("C") == 1 })
	if got := p.maxSeen.Load(); got > 2 {
		t.Fatalf("activeCount exceeded cap: %d concurrent callbacks", got)
	}

	p.releaseGroup("B", true)
	p.releaseGroup("C", true)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })
}

func TestPendingMessageCoalesces(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(p.fn)

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 1 })

	// Both of these coalesce into a single pending flag.
	q.EnqueueMessageCheck("A")
	q.EnqueueMessageCheck("A")

	p.releaseGroup("A", true)
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 2 })

	p.releaseGroup("A", true)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })

	if got := p.startedFor("A"); got != 2 {
		t.Fatalf("expected exactly 2 runs, got %d", got)
	}
}

func TestDualLaneParallelism(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(p.fn)

	taskRunning := make(chan struct{})
	taskRelease := make(chan struct{})
	q.EnqueueTask("A", "t1", func() error {
		close(taskRunning)
		<-taskRelease
		return nil
	})
	<-taskRunning

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 1 })

	if !q.IsBusy("A") {
		t.Fatal("expected IsBusy while message container runs")
	}
	st := q.GetStatus()
	if st.ActiveCount != 2 {
		t.Fatalf("expected both lanes active, activeCount=%d", st.ActiveCount)
	}

	q.NotifyIdle("A")
	if q.IsBusy("A") {
		t.Fatal("expected not busy once idle-waiting")
	}

	close(taskRelease)
	p.releaseGroup("A", true)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })
}

func TestTaskLaneInvisibleToIsBusy(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	release := make(chan struct{})
	running := make(chan struct{})
	q.EnqueueTask("A", "t1", func() error {
		close(running)
		<-release
		return nil
	})
	<-running

	if q.IsBusy("A") {
		t.Fatal("background task must not make the group busy")
	}
	close(release)
}

func closeSentinelPath(drops *ipc.Manager, folder string) string {
	return filepath.Join(drops.InputDir(folder), ipc.CloseSentinel)
}

func TestPreemptIdleMessageLane(t *testing.T) {
	q, drops := newTestQueue(t, 1)

	idle := make(chan struct{})
	q.SetProcessMessagesFn(func(groupJid string) (bool, error) {
		q.RegisterContainer(queue.Handle{
			GroupJid:      groupJid,
			Lane:          queue.LaneMessage,
			GroupFolder:   "group-a",
			ContainerName: "c-msg",
		})
		q.NotifyIdle(groupJid)
		close(idle)
		// Simulate the container draining after the close sentinel lands.
		sentinel := closeSentinelPath(drops, "group-a")
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(sentinel); err == nil {
				return true, nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return false, nil
	})

	q.EnqueueMessageCheck("A")
	<-idle

	taskRan := make(chan struct{})
	q.EnqueueTask("A", "t1", func() error {
		close(taskRan)
		return nil
	})

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(closeSentinelPath(drops, "group-a"))
		return err == nil
	})

	select {
	case <-taskRan:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran after preemption")
	}
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })
}

func TestNoPreemptionWithoutIdle(t *testing.T) {
	q, drops := newTestQueue(t, 1)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(func(jid string) (bool, error) {
		q.RegisterContainer(queue.Handle{
			GroupJid:    jid,
			Lane:        queue.LaneMessage,
			GroupFolder: "group-a",
		})
		return p.fn(jid)
	})

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 1 })

	q.EnqueueTask("A", "t1", func() error { return nil })

	// The message container is mid-turn: no close sentinel may appear.
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(closeSentinelPath(drops, "group-a")); err == nil {
		t.Fatal("close sentinel written while message container was busy")
	}

	p.releaseGroup("A", true)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })
}

func TestRetryBackoffGivesUpAfterMax(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	var runs atomic.Int32
	q.SetProcessMessagesFn(func(string) (bool, error) {
		runs.Add(1)
		return false, nil
	})

	q.EnqueueMessageCheck("A")

	// 1 initial + 5 retries at 10, 20, 40, 80, 160 ms.
	waitFor(t, 3*time.Second, func() bool { return runs.Load() == 6 })
	time.Sleep(400 * time.Millisecond)
	if got := runs.Load(); got != 6 {
		t.Fatalf("expected no retries past the cap, got %d runs", got)
	}

	// A fresh inbound message starts a new cycle.
	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return runs.Load() >= 7 })
}

func TestRetryCountResetsOnSuccess(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	var runs atomic.Int32
	q.SetProcessMessagesFn(func(string) (bool, error) {
		n := runs.Add(1)
		return n >= 2, nil // fail once, then succeed
	})

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return runs.Load() == 2 })
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })

	st := q.GetStatus()
	for _, g := range st.Groups {
		if g.GroupJid == "A" && g.RetryCount != 0 {
			t.Fatalf("expected retry count reset, got %d", g.RetryCount)
		}
	}
}

func TestTaskDeduplication(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	blockerRelease := make(chan struct{})
	blockerRunning := make(chan struct{})
	q.EnqueueTask("A", "blocker", func() error {
		close(blockerRunning)
		<-blockerRelease
		return nil
	})
	<-blockerRunning

	var runs atomic.Int32
	fn := func() error {
		runs.Add(1)
		return nil
	}
	q.EnqueueTask("A", "t1", fn)
	q.EnqueueTask("A", "t1", fn)

	close(blockerRelease)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected deduplicated task to run once, ran %d times", got)
	}
}

func TestTaskFIFOWithinGroup(t *testing.T) {
	q, _ := newTestQueue(t, 1)

	blockerRelease := make(chan struct{})
	blockerRunning := make(chan struct{})
	q.EnqueueTask("A", "blocker", func() error {
		close(blockerRunning)
		<-blockerRelease
		return nil
	})
	<-blockerRunning

	var mu sync.Mutex
	var order []string
	record := func(id string) queue.TaskFn {
		return func() error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil
		}
	}
	q.EnqueueTask("A", "t1", record("t1"))
	q.EnqueueTask("A", "t2", record("t2"))
	q.EnqueueTask("A", "t3", record("t3"))

	close(blockerRelease)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "t1" || order[1] != "t2" || order[2] != "t3" {
		t.Fatalf("tasks ran out of order: %v", order)
	}
}

func TestWaitingGroupsFIFO(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(p.fn)

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 1 })
	q.EnqueueMessageCheck("B")
	q.EnqueueMessageCheck("C")

	p.releaseGroup("A", true)
	waitFor(t, time.Second, func() bool { return p.startedFor("B") == 1 })
	if p.startedFor("C") != 0 {
		t.Fatal("C started before B finished under MAX=1")
	}
	p.releaseGroup("B", true)
	waitFor(t, time.Second, func() bool { return p.startedFor("C") == 1 })
	p.releaseGroup("C", true)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })
}

func TestSendMessageClearsIdle(t *testing.T) {
	q, drops := newTestQueue(t, 2)

	idle := make(chan struct{})
	done := make(chan struct{})
	q.SetProcessMessagesFn(func(jid string) (bool, error) {
		q.RegisterContainer(queue.Handle{
			GroupJid:    jid,
			Lane:        queue.LaneMessage,
			GroupFolder: "group-a",
		})
		q.NotifyIdle(jid)
		close(idle)
		<-done
		return true, nil
	})

	q.EnqueueMessageCheck("A")
	<-idle

	if !q.SendMessage("A", "follow-up question") {
		t.Fatal("SendMessage should succeed while the message lane is active")
	}
	if q.IsBusy("A") != true {
		// idleWaiting was cleared, so the group reads as busy again.
		t.Fatal("expected busy after SendMessage cleared idle-waiting")
	}

	entries, err := os.ReadDir(drops.InputDir("group-a"))
	if err != nil {
		t.Fatalf("read input dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 input envelope, found %d", len(entries))
	}
	close(done)
}

func TestSendMessageFalseWithoutMessageLane(t *testing.T) {
	q, _ := newTestQueue(t, 2)

	running := make(chan struct{})
	release := make(chan struct{})
	q.EnqueueTask("A", "t1", func() error {
		close(running)
		<-release
		return nil
	})
	<-running

	if q.SendMessage("A", "hello") {
		t.Fatal("SendMessage must fail when only a task container is active")
	}
	close(release)
}

func TestShutdownRejectsAndDetaches(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(func(jid string) (bool, error) {
		q.RegisterContainer(queue.Handle{
			GroupJid:      jid,
			Lane:          queue.LaneMessage,
			GroupFolder:   "group-a",
			ContainerName: "c-1",
		})
		return p.fn(jid)
	})

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 1 })

	detached := q.Shutdown()
	if len(detached) != 1 || detached[0].ContainerName != "c-1" {
		t.Fatalf("expected the in-flight container detached, got %v", detached)
	}

	q.EnqueueMessageCheck("B")
	var taskRan atomic.Bool
	q.EnqueueTask("B", "t1", func() error {
		taskRan.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if p.startedFor("B") != 0 {
		t.Fatal("message enqueue accepted after shutdown")
	}
	if taskRan.Load() {
		t.Fatal("task enqueue accepted after shutdown")
	}
	p.releaseGroup("A", true)
}

func TestStatusListsPendingWork(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	p := newBlockingProcessor()
	q.SetProcessMessagesFn(p.fn)

	q.EnqueueMessageCheck("A")
	waitFor(t, time.Second, func() bool { return p.startedFor("A") == 1 })
	q.EnqueueTask("A", "t1", func() error { return nil })
	q.EnqueueMessageCheck("B")

	st := q.GetStatus()
	if st.MaxConcurrent != 1 || st.ActiveCount != 1 {
		t.Fatalf("unexpected slot accounting: %+v", st)
	}
	var sawA, sawB bool
	for _, g := range st.Groups {
		switch g.GroupJid {
		case "A":
			sawA = true
			if !g.ActiveMessage || g.PendingTasks != 1 {
				t.Fatalf("unexpected A status: %+v", g)
			}
		case "B":
			sawB = true
			if !g.PendingMessages {
				t.Fatalf("unexpected B status: %+v", g)
			}
		}
	}
	if !sawA || !sawB {
		t.Fatalf("status missing groups: %+v", st.Groups)
	}

	// Drain: A's task runs, then B's deferred message lane gets the slot.
	p.releaseGroup("A", true)
	waitFor(t, time.Second, func() bool { return p.startedFor("B") == 1 })
	p.releaseGroup("B", true)
	waitFor(t, time.Second, func() bool { return q.GetStatus().ActiveCount == 0 })
}
