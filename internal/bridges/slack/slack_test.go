package slack

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
		subs: common.LoadSubscriptions(home, "slack"),
		led:  led,
		cfg:  cfg,
	}, home
}

func firstCommand(t *testing.T, home string) commandqueue.Command {
	t.Helper()
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
	return cmd
}

func TestRenderFormatsToUserWithBoldPeer(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{MaxMessageLength: 100})
	got := b.render(events.OutboxEvent{Type: events.OutboxToUser, Peer: "PeerA", Text: "hello"})
	if got != "*PeerA*: hello" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderFormatsToPeerSummary(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{MaxMessageLength: 100})
	got := b.render(events.OutboxEvent{Type: events.OutboxToPeerSummary, From: "PeerB", Text: "did a thing"})
	if got != "_PeerB -> peer_: did a thing" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderReturnsEmptyForUnrecognizedEventType(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{MaxMessageLength: 100})
	if got := b.render(events.OutboxEvent{Type: "something-else"}); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestHandleInboundEnqueuesRoutedCommand(t *testing.T) {
	b, home := testBridge(t, settings.BridgeConfig{RequirePrefix: true})
	b.HandleInbound("chan-1", "both: ship it")

	cmd := firstCommand(t, home)
	if cmd.Type != "both" || cmd.Text != "ship it" || cmd.Source != "slack" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestHandleInboundDropsEmptyBody(t *testing.T) {
	b, home := testBridge(t, settings.BridgeConfig{RequirePrefix: false})
	b.HandleInbound("chan-2", "")

	if _, err := os.Stat(filepath.Join(home, "state", "commands.jsonl")); err == nil {
		t.Fatalf("expected an empty message to not enqueue anything")
	}
}

func TestHandleInboundTracksChannelSubscription(t *testing.T) {
	b, _ := testBridge(t, settings.BridgeConfig{RequirePrefix: false})
	b.HandleInbound("chan-3", "no prefix here")

	found := false
	for _, c := range b.subs.Union(nil) {
		if c == "chan-3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected chan-3 to be recorded as a subscription")
	}
}
