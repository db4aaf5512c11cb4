package bus

// Queue and scheduler event topics.
const (
	TopicContainerSpawned  = "container.spawned"
	TopicContainerExited   = "container.exited"
	TopicContainerDetached = "container.detached"

	TopicGroupMessageEnqueued = "group.message_enqueued"
	TopicGroupMessageDeferred = "group.message_deferred"
	TopicGroupMessageRetry    = "group.message_retry"
	TopicGroupTaskEnqueued    = "group.task_enqueued"
	TopicGroupPreempted       = "group.preempted"

	TopicTaskRunStarted  = "task.run_started"
	TopicTaskRunFinished = "task.run_finished"

	TopicInboundMessage = "channel.inbound"
)

// ContainerEvent is published on container lifecycle topics.
type ContainerEvent struct {
	GroupJid      string // group identifier
	Lane          string // "message" or "task"
	ContainerName string // logical container name
}

// GroupEvent is published on group.* topics.
type GroupEvent struct {
	GroupJid string // group identifier
	TaskID   string // set for task-lane events
	Retry    int    // set for group.message_retry
}

// TaskRunEvent is published when a scheduled task run starts or finishes.
type TaskRunEvent struct {
	TaskID   string
	GroupJid string
	Status   string // "success" or "error"
}

// InboundMessageEvent is published by channels when a chat message arrives.
type InboundMessageEvent struct {
	ChatJid string
	Sender  string
}
