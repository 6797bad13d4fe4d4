package telegram

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/zixuniaowu/cccc/internal/bridges/common"
	"github.com/zixuniaowu/cccc/internal/commandqueue"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/clock"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/ledger"
)

func testBridge(t *testing.T, cfg settings.BridgeConfig) (*Bridge, string) {
	t.Helper()
	home := t.TempDir()
	if err := os.MkdirAll(filepath.Join(home, "state"), 0o755); err != nil {
		t.Fatalf("mkdir state: %v", err)
	}
	led, err := ledger.Open(filepath.Join(home, "state", "ledger.jsonl"), clock.Real)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return &Bridge{
		home: home,
		subs: common.LoadSubscriptions(home, "telegram"),
		led:  led,
		cfg:  cfg,
	}, home
}

func TestRenderFormatsToUserWithPeerPrefix(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{MaxMessageLength: 100})
	got := b.render(events.OutboxEvent{Type: events.OutboxToUser, Peer: "PeerA", Text: "hello"})
	if got != "[PeerA] hello" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderFormatsToPeerSummaryWithArrow(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{MaxMessageLength: 100})
	got := b.render(events.OutboxEvent{Type: events.OutboxToPeerSummary, From: "PeerB", Text: "did a thing"})
	if got != "[PeerB→peer] did a thing" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderReturnsEmptyForUnrecognizedEventType(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{MaxMessageLength: 100})
	if got := b.render(events.OutboxEvent{Type: "something-else", Text: "x"}); got != "" {
		t.Fatalf("expected empty string for an unrecognized event type, got %q", got)
	}
}

func TestRenderAppliesRedactionAndTruncation(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{
		MaxMessageLength: 20,
		RedactRegexes:    []string{`secret-\d+`},
	})
	got := b.render(events.OutboxEvent{Type: events.OutboxToUser, Peer: "PeerA", Text: "token is secret-123 plus a lot of trailing text"})
	// "[PeerA] token is [redacted] ..." cut to its first 20 bytes, plus
	// the ellipsis Redact appends.
	if got != "[PeerA] token is [re…" {
		t.Fatalf("expected redaction then truncation to MaxMessageLength plus an ellipsis, got %d bytes: %q", len(got), got)
	}
}

func TestParseRetryAfterExtractsSecondsFromBody(t *testing.T) {
	body := []byte(`{"ok":false,"parameters":{"retry_after":30}}`)
	if got := parseRetryAfter(body); got.Seconds() != 30 {
		t.Fatalf("expected 30s, got %v", got)
	}
}

func TestParseRetryAfterReturnsZeroOnMalformedBody(t *testing.T) {
	if got := parseRetryAfter([]byte("not json")); got != 0 {
		t.Fatalf("expected zero duration on malformed body, got %v", got)
	}
}

func TestHandleInboundEnqueuesRoutedCommandWhenPrefixPresent(t *testing.T) {
	b, home := testBridge(t, settings.BridgeConfig{RequirePrefix: true})
	b.HandleInbound("chat-1", "a: do the thing")

	data, err := os.ReadFile(filepath.Join(home, "state", "commands.jsonl"))
	if err != nil {
		t.Fatalf("read commands.jsonl: %v", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		t.Fatalf("expected at least one line in commands.jsonl")
	}
	var cmd commandqueue.Command
	if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	if cmd.Type != "a" || cmd.Text != "do the thing" || cmd.Source != "telegram" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestHandleInboundAddsChatToSubscriptions(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{RequirePrefix: false})
	b.HandleInbound("chat-2", "hello with no prefix")

	if !contains(b.subs.Union(nil), "chat-2") {
		t.Fatalf("expected chat-2 to be recorded as a runtime subscription")
	}
}

func TestHandleInboundDropsEmptyBody(t *testing.T) {
	b, home := testBridge(t, settings.BridgeConfig{RequirePrefix: false})
	b.HandleInbound("chat-3", "   ")

	if _, err := os.Stat(filepath.Join(home, "state", "commands.jsonl")); err == nil {
		t.Fatalf("expected an empty-bodied message to not enqueue anything")
	}
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
