package channels

import (
	"strings"
	"testing"

	"github.com/basket/go-warren/internal/queue"
)

func TestTelegramJidRoundTrip(t *testing.T) {
	jid := TelegramJid(-100123456)
	if jid != "tg:-100123456" {
		t.Fatalf("unexpected jid %q", jid)
	}
	id, err := parseTelegramJid(jid)
	if err != nil || id != -100123456 {
		t.Fatalf("parse: id=%d err=%v", id, err)
	}
	if _, err := parseTelegramJid("tg:abc"); err == nil {
		t.Fatal("expected error for non-numeric jid")
	}
}

func TestOwnsJidNamespaces(t *testing.T) {
	tg := NewTelegramChannel(TelegramConfig{})
	if !tg.OwnsJid("tg:42") {
		t.Fatal("telegram should own tg: jids")
	}
	if tg.OwnsJid("ws:alice") {
		t.Fatal("telegram must not own ws: jids")
	}

	wc := NewWebchatChannel(WebchatConfig{})
	if !wc.OwnsJid("ws:alice") || wc.OwnsJid("tg:42") {
		t.Fatal("webchat namespace wrong")
	}
}

func TestRenderStatusEmpty(t *testing.T) {
	out := renderStatus(queue.Status{ActiveCount: 0, MaxConcurrent: 3})
	if !strings.Contains(out, "slots: 0/3") {
		t.Fatalf("missing slots line: %q", out)
	}
	if !strings.Contains(out, "no active or pending work") {
		t.Fatalf("missing idle line: %q", out)
	}
}

func TestRenderStatusGroups(t *testing.T) {
	out := renderStatus(queue.Status{
		ActiveCount:   2,
		MaxConcurrent: 2,
		WaitingGroups: []string{"tg:3"},
		Groups: []queue.GroupStatus{
			{GroupJid: "tg:1", ActiveMessage: true, IdleWaiting: true, PendingTasks: 2},
			{GroupJid: "tg:2", ActiveTask: true, RetryCount: 1},
		},
	})
	for _, want := range []string{
		"slots: 2/2",
		"tg:1: msg=idle tasks-pending=2",
		"tg:2: task=active retries=1",
		"waiting: tg:3",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWebchatSendWithoutClient(t *testing.T) {
	wc := NewWebchatChannel(WebchatConfig{})
	if err := wc.SendMessage("ws:nobody", "hello", ""); err == nil {
		t.Fatal("expected error sending to a disconnected webchat client")
	}
}
