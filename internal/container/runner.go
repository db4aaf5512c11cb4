// Package container wraps the agent container runtime: spawning the agent
// subprocess, feeding it the input document, and decoding its framed output
// events.
package container

import "context"

// Input is the document handed to the agent container on stdin.
type Input struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"session_id,omitempty"`
	GroupFolder     string `json:"group_folder"`
	ChatJid         string `json:"chat_jid"`
	IsMain          bool   `json:"is_main"`
	IsScheduledTask bool   `json:"is_scheduled_task,omitempty"`
	AssistantName   string `json:"assistant_name,omitempty"`
}

// EventKind discriminates framed output events.
type EventKind string

const (
	EventSuccess EventKind = "success"
	EventError   EventKind = "error"
)

// OutputEvent is one framed event emitted by the container. Success events
// may carry a textual result and a new session id; error events carry a
// message.
type OutputEvent struct {
	Kind         EventKind
	Result       string
	NewSessionID string
	Message      string
}

// Result summarizes a finished container run.
type Result struct {
	Status       string // "success" or "error"
	Result       string // last non-empty success result
	Error        string // last error message
	NewSessionID string
}

// ProcessFn fires once when the container has been created, before output
// streaming begins. The handle is registered with the queue so the drop-dir
// and close sentinel can reach the right process.
type ProcessFn func(containerID, containerName string)

// OutputFn fires for each framed output event, in order; each call completes
// before the next event is dispatched.
type OutputFn func(OutputEvent)

// Runner spawns agent containers.
type Runner interface {
	RunAgent(ctx context.Context, in Input, onProcess ProcessFn, onOutput OutputFn) (Result, error)
}
