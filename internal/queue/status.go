package queue

import "sort"

// GroupStatus is the operator-visible snapshot of one group's lanes.
type GroupStatus struct {
	GroupJid         string `json:"group_jid"`
	ActiveMessage    bool   `json:"active_message"`
	IdleWaiting      bool   `json:"idle_waiting"`
	PendingMessages  bool   `json:"pending_messages"`
	RetryCount       int    `json:"retry_count,omitempty"`
	ActiveTask       bool   `json:"active_task"`
	PendingTasks     int    `json:"pending_tasks"`
	MessageContainer string `json:"message_container,omitempty"`
	TaskContainer    string `json:"task_container,omitempty"`
}

// Status is the full queue snapshot.
type Status struct {
	ActiveCount   int           `json:"active_count"`
	MaxConcurrent int           `json:"max_concurrent"`
	WaitingGroups []string      `json:"waiting_groups"`
	ShuttingDown  bool          `json:"shutting_down"`
	Groups        []GroupStatus `json:"groups"`
}

// GetStatus snapshots every group with any active or pending work.
func (q *GroupQueue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{
		ActiveCount:   q.activeCount,
		MaxConcurrent: q.maxConcurrent,
		WaitingGroups: append([]string(nil), q.waiting...),
		ShuttingDown:  q.shuttingDown,
	}
	for jid, g := range q.groups {
		if !g.activeMessage && !g.activeTask && !g.hasPendingWork() {
			continue
		}
		gs := GroupStatus{
			GroupJid:        jid,
			ActiveMessage:   g.activeMessage,
			IdleWaiting:     g.idleWaiting,
			PendingMessages: g.pendingMessages,
			RetryCount:      g.retryCount,
			ActiveTask:      g.activeTask,
			PendingTasks:    len(g.pendingTasks),
		}
		if g.messageHandle != nil {
			gs.MessageContainer = g.messageHandle.ContainerName
		}
		if g.taskHandle != nil {
			gs.TaskContainer = g.taskHandle.ContainerName
		}
		st.Groups = append(st.Groups, gs)
	}
	sort.Slice(st.Groups, func(i, j int) bool {
		return st.Groups[i].GroupJid < st.Groups[j].GroupJid
	})
	return st
}
