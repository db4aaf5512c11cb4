package pipeline_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-warren/internal/channels"
	"github.com/basket/go-warren/internal/container"
	"github.com/basket/go-warren/internal/ipc"
	"github.com/basket/go-warren/internal/pipeline"
	"github.com/basket/go-warren/internal/queue"
	"github.com/basket/go-warren/internal/store"
)

type sentMessage struct {
	Jid, Text, ReplyTo string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeTransport) Name() string            { return "fake" }
func (f *fakeTransport) IsConnected() bool       { return true }
func (f *fakeTransport) OwnsJid(jid string) bool { return strings.HasPrefix(jid, "tg:") }
func (f *fakeTransport) SetTyping(string, bool)  {}
func (f *fakeTransport) SendMessage(jid, text, replyToID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Jid: jid, Text: text, ReplyTo: replyToID})
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []container.Input
	run    func(in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error)
}

func (f *fakeRunner) RunAgent(_ context.Context, in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return f.run(in, onProcess, onOutput)
}

func (f *fakeRunner) lastInput() container.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

type fixture struct {
	store     *store.Store
	queue     *queue.GroupQueue
	transport *fakeTransport
	adapter   *pipeline.Adapter
}

func newFixture(t *testing.T, runner *fakeRunner) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "warren.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(queue.Config{MaxConcurrent: 2, Drops: ipc.NewManager(dir)})
	transport := &fakeTransport{}
	registry := channels.NewRegistry(nil)
	registry.Register(transport)

	adapter := pipeline.New(pipeline.Config{
		Store:         st,
		Runner:        runner,
		Queue:         q,
		Transports:    registry,
		AssistantName: "Andy",
		MainFolder:    "main",
	})
	q.SetProcessMessagesFn(adapter.ProcessMessages)
	return &fixture{store: st, queue: q, transport: transport, adapter: adapter}
}

func seedChatWithMessage(t *testing.T, fx *fixture) {
	t.Helper()
	ctx := context.Background()
	if err := fx.store.StoreChatMetadata(ctx, "tg:1", "Maths Club", "tg-1"); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.StoreMessage(ctx, store.Message{
		ID:      "m1",
		ChatJid: "tg:1",
		Sender:  "Alice",
		Content: "@Andy what is 2+2?",
		SentAt:  store.FormatTime(time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error) {
		onProcess("cid-1", "warren-tg-1-abc")
		onOutput(container.OutputEvent{Kind: container.EventSuccess, Result: "The answer is 4", NewSessionID: "sess-1"})
		return container.Result{Status: "success", Result: "The answer is 4", NewSessionID: "sess-1"}, nil
	}
	fx := newFixture(t, runner)
	seedChatWithMessage(t, fx)

	ok, err := fx.adapter.ProcessMessages("tg:1")
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}

	msgs := fx.transport.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	if msgs[0].Jid != "tg:1" || msgs[0].Text != "The answer is 4" || msgs[0].ReplyTo != "m1" {
		t.Fatalf("unexpected reply: %+v", msgs[0])
	}

	in := runner.lastInput()
	if !strings.Contains(in.Prompt, `sender="Alice"`) || !strings.Contains(in.Prompt, "what is 2+2?") {
		t.Fatalf("prompt missing message content: %q", in.Prompt)
	}
	if in.GroupFolder != "tg-1" || in.IsMain {
		t.Fatalf("unexpected input: %+v", in)
	}

	// Session id persisted for group-context tasks.
	chat, err := fx.store.GetChat(context.Background(), "tg:1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.SessionID != "sess-1" {
		t.Fatalf("session not saved: %+v", chat)
	}

	// Watermark advanced: a second pass is a no-op and runs no container.
	before := len(runner.inputs)
	ok, err = fx.adapter.ProcessMessages("tg:1")
	if err != nil || !ok {
		t.Fatalf("no-op pass failed: ok=%v err=%v", ok, err)
	}
	if len(runner.inputs) != before {
		t.Fatal("container ran with no new messages")
	}
}

func TestInternalTagsStripped(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error) {
		onOutput(container.OutputEvent{
			Kind:   container.EventSuccess,
			Result: "<internal>chain of thought\nmore thought</internal>  The answer is 4",
		})
		return container.Result{Status: "success"}, nil
	}
	fx := newFixture(t, runner)
	seedChatWithMessage(t, fx)

	if ok, err := fx.adapter.ProcessMessages("tg:1"); err != nil || !ok {
		t.Fatalf("process failed: ok=%v err=%v", ok, err)
	}
	msgs := fx.transport.messages()
	if len(msgs) != 1 || msgs[0].Text != "The answer is 4" {
		t.Fatalf("internal tags leaked: %+v", msgs)
	}
}

func TestInternalOnlyResultNotSent(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error) {
		onOutput(container.OutputEvent{Kind: container.EventSuccess, Result: "<internal>nothing to say</internal>"})
		return container.Result{Status: "success"}, nil
	}
	fx := newFixture(t, runner)
	seedChatWithMessage(t, fx)

	if ok, err := fx.adapter.ProcessMessages("tg:1"); err != nil || !ok {
		t.Fatalf("process failed: ok=%v err=%v", ok, err)
	}
	if len(fx.transport.messages()) != 0 {
		t.Fatal("empty-after-stripping result was sent")
	}
}

func TestTransientFailureSignalsRetry(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error) {
		onOutput(container.OutputEvent{Kind: container.EventError, Message: "agent crashed"})
		return container.Result{Status: "error", Error: "agent crashed"}, nil
	}
	fx := newFixture(t, runner)
	seedChatWithMessage(t, fx)

	ok, err := fx.adapter.ProcessMessages("tg:1")
	if ok || err != nil {
		t.Fatalf("expected ok=false err=nil for a dirty exit, got ok=%v err=%v", ok, err)
	}

	// Watermark untouched: the retry sees the same messages.
	chat, err := fx.store.GetChat(context.Background(), "tg:1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastProcessedAt != "" {
		t.Fatalf("watermark advanced on failure: %q", chat.LastProcessedAt)
	}
}

func TestRunnerErrorReturnsFalse(t *testing.T) {
	runner := &fakeRunner{}
	runner.run = func(in container.Input, onProcess container.ProcessFn, onOutput container.OutputFn) (container.Result, error) {
		return container.Result{Status: "error"}, fmt.Errorf("docker daemon unreachable")
	}
	fx := newFixture(t, runner)
	seedChatWithMessage(t, fx)

	ok, err := fx.adapter.ProcessMessages("tg:1")
	if ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
}

func TestUnknownGroupIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	fx := newFixture(t, runner)

	ok, err := fx.adapter.ProcessMessages("tg:999")
	if err != nil || !ok {
		t.Fatalf("unknown group should be a no-op success, got ok=%v err=%v", ok, err)
	}
}

func TestStripInternal(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"<internal>x</internal>answer", "answer"},
		{"a<internal>1</internal>b<internal>2</internal>c", "abc"},
		{"<internal>multi\nline</internal> trimmed ", "trimmed"},
		{"<internal>only</internal>", ""},
	}
	for _, c := range cases {
		if got := pipeline.StripInternal(c.in); got != c.want {
			t.Fatalf("StripInternal(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
