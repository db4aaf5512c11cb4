package ipc_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/basket/go-warren/internal/ipc"
)

func TestWriteInputRoundTrip(t *testing.T) {
	m := ipc.NewManager(t.TempDir())

	if err := m.WriteInput("group-a", "hello <world> & друзья"); err != nil {
		t.Fatalf("write input: %v", err)
	}

	entries, err := os.ReadDir(m.InputDir("group-a"))
	if err != nil {
		t.Fatalf("read input dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(entries))
	}
	name := entries[0].Name()
	if ok, _ := regexp.MatchString(`^\d+-[0-9a-f]{4}\.json$`, name); !ok {
		t.Fatalf("unexpected envelope name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(m.InputDir("group-a"), name))
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	var env ipc.InputEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if env.Type != "message" || env.Text != "hello <world> & друзья" {
		t.Fatalf("round trip mismatch: %+v", env)
	}
}

func TestWriteInputLeavesNoTempFiles(t *testing.T) {
	m := ipc.NewManager(t.TempDir())
	for i := 0; i < 5; i++ {
		if err := m.WriteInput("group-a", "x"); err != nil {
			t.Fatalf("write input: %v", err)
		}
	}
	entries, err := os.ReadDir(m.InputDir("group-a"))
	if err != nil {
		t.Fatalf("read input dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteClose(t *testing.T) {
	m := ipc.NewManager(t.TempDir())
	if err := m.WriteClose("group-a"); err != nil {
		t.Fatalf("write close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.InputDir("group-a"), ipc.CloseSentinel)); err != nil {
		t.Fatalf("close sentinel missing: %v", err)
	}
}

func TestClearReplyContext(t *testing.T) {
	m := ipc.NewManager(t.TempDir())

	// Clearing a non-existent file is not an error.
	if err := m.ClearReplyContext("group-a"); err != nil {
		t.Fatalf("clear missing reply context: %v", err)
	}

	path := filepath.Join(m.GroupDir("group-a"), "reply_context.json")
	if err := os.MkdirAll(m.GroupDir("group-a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"message_id":"m1"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.ClearReplyContext("group-a"); err != nil {
		t.Fatalf("clear reply context: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("reply context still present")
	}
}

func TestSnapshots(t *testing.T) {
	m := ipc.NewManager(t.TempDir())

	tasks := []ipc.TaskSnapshotEntry{
		{ID: "t1", Prompt: "daily digest", ScheduleType: "cron", Status: "active"},
	}
	if err := m.WriteTasksSnapshot("group-a", true, tasks); err != nil {
		t.Fatalf("write tasks snapshot: %v", err)
	}
	if err := m.WriteQueueSnapshot("group-a", true, []ipc.QueueSnapshotEntry{
		{GroupJid: "tg:1", ActiveMessage: true},
	}, []string{"tg:1"}); err != nil {
		t.Fatalf("write queue snapshot: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(m.GroupDir("group-a"), "tasks_snapshot.json"))
	if err != nil {
		t.Fatalf("read tasks snapshot: %v", err)
	}
	var doc struct {
		IsMain bool                    `json:"is_main"`
		Tasks  []ipc.TaskSnapshotEntry `json:"tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse tasks snapshot: %v", err)
	}
	if !doc.IsMain || len(doc.Tasks) != 1 || doc.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected snapshot: %+v", doc)
	}
}
