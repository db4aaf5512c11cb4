// Package ipc implements the filesystem contract between the daemon and a
// running agent container. Input envelopes and the close sentinel are dropped
// into the container's input directory; snapshots let the container introspect
// peer work.
//
// Layout under the data dir:
//
//	ipc/<groupFolder>/input/<epochMs>-<rand>.json   input envelopes
//	ipc/<groupFolder>/input/_close                  close sentinel
//	ipc/<groupFolder>/reply_context.json            cleared before task runs
//	ipc/<groupFolder>/tasks_snapshot.json
//	ipc/<groupFolder>/queue_snapshot.json
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// CloseSentinel is the filename whose presence tells a container to drain
// pending input and exit.
const CloseSentinel = "_close"

// InputEnvelope is the JSON payload of one input file.
type InputEnvelope struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Manager writes IPC artifacts for group folders rooted at dataDir.
type Manager struct {
	dataDir string
}

func NewManager(dataDir string) *Manager {
	return &Manager{dataDir: dataDir}
}

// GroupDir returns the IPC directory for a group folder.
func (m *Manager) GroupDir(groupFolder string) string {
	return filepath.Join(m.dataDir, "ipc", groupFolder)
}

// InputDir returns the input drop-dir for a group folder.
func (m *Manager) InputDir(groupFolder string) string {
	return filepath.Join(m.GroupDir(groupFolder), "input")
}

// WriteInput drops a message envelope into the group's input dir. The write
// is atomic (tmp then rename) so the container never reads a torn file.
func (m *Manager) WriteInput(groupFolder, text string) error {
	dir := m.InputDir(groupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	payload, err := json.Marshal(InputEnvelope{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("marshal input envelope: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:4])
	return atomicWrite(filepath.Join(dir, name), payload)
}

// WriteClose drops the close sentinel into the group's input dir.
func (m *Manager) WriteClose(groupFolder string) error {
	dir := m.InputDir(groupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, CloseSentinel), []byte{}, 0o644); err != nil {
		return fmt.Errorf("write close sentinel: %w", err)
	}
	return nil
}

// ClearReplyContext removes a stale reply_context.json so a scheduled task
// does not quote a user message from an earlier interactive conversation.
func (m *Manager) ClearReplyContext(groupFolder string) error {
	err := os.Remove(filepath.Join(m.GroupDir(groupFolder), "reply_context.json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear reply context: %w", err)
	}
	return nil
}

// TaskSnapshotEntry is one row of the tasks snapshot a container may read.
type TaskSnapshotEntry struct {
	ID           string `json:"id"`
	Prompt       string `json:"prompt"`
	ScheduleType string `json:"schedule_type"`
	NextRun      string `json:"next_run,omitempty"`
	Status       string `json:"status"`
}

// QueueSnapshotEntry is one row of the queue-status snapshot.
type QueueSnapshotEntry struct {
	GroupJid        string `json:"group_jid"`
	ActiveMessage   bool   `json:"active_message"`
	ActiveTask      bool   `json:"active_task"`
	PendingMessages bool   `json:"pending_messages"`
	PendingTasks    int    `json:"pending_tasks"`
}

// WriteTasksSnapshot writes the group's scheduled tasks (all tasks when
// isMain) for container introspection.
func (m *Manager) WriteTasksSnapshot(groupFolder string, isMain bool, tasks []TaskSnapshotEntry) error {
	doc := map[string]any{
		"is_main": isMain,
		"tasks":   tasks,
	}
	return m.writeSnapshot(groupFolder, "tasks_snapshot.json", doc)
}

// WriteQueueSnapshot writes the current queue status for container
// introspection.
func (m *Manager) WriteQueueSnapshot(groupFolder string, isMain bool, entries []QueueSnapshotEntry, groups []string) error {
	doc := map[string]any{
		"is_main": isMain,
		"status":  entries,
		"groups":  groups,
	}
	return m.writeSnapshot(groupFolder, "queue_snapshot.json", doc)
}

func (m *Manager) writeSnapshot(groupFolder, name string, doc any) error {
	dir := m.GroupDir(groupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(dir, name), payload)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
