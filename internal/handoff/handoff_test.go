package handoff

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/infra/clock"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/mailbox"
	"github.com/zixuniaowu/cccc/internal/nudge"
	"github.com/zixuniaowu/cccc/internal/policy"
)

func testEngine(t *testing.T) (*Engine, map[string]*mailbox.Store) {
	t.Helper()
	home := t.TempDir()
	boxes := map[string]*mailbox.Store{
		"PeerA": mailbox.New(home, "PeerA", 0),
		"PeerB": mailbox.New(home, "PeerB", 0),
	}
	for _, b := range boxes {
		if err := b.EnsureLayout(); err != nil {
			t.Fatalf("EnsureLayout: %v", err)
		}
	}
	led, err := ledger.Open(filepath.Join(home, "ledger.jsonl"), clock.Real)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	filter := policy.NewState(home)
	nudges := nudge.New(nil, 0)
	// The anti-loop filter (and its cooldown) is switched off so these tests
	// exercise the engine's own queueing, dedup, and pause handling.
	filterOff := false
	cfgFunc := func() settings.PoliciesConfig {
		return settings.PoliciesConfig{
			HandoffFilter: settings.HandoffFilterPolicy{Enabled: &filterOff, MinChars: 1, MinWords: 1},
			Handoff:       settings.HandoffPolicy{DuplicateWindowSeconds: 30, AckTimeoutSeconds: 60, ResendAttempts: 0},
		}
	}
	return New(boxes, led, filter, nudges, cfgFunc), boxes
}

func TestSendQueuesBehindInFlightRequest(t *testing.T) {
	e, boxes := testEngine(t)

	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "first meaningful message here", Role: envelope.RolePeerA})
	if !e.IsInflight("PeerB") {
		t.Fatalf("expected PeerB to hold the in-flight slot after first delivery")
	}
	if boxes["PeerB"].InboxCount() != 1 {
		t.Fatalf("expected exactly one inbox file after first send, got %d", boxes["PeerB"].InboxCount())
	}

	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "second message while first is in flight", Role: envelope.RolePeerA})
	if boxes["PeerB"].InboxCount() != 1 {
		t.Fatalf("expected second send to queue rather than deliver immediately, inbox count=%d", boxes["PeerB"].InboxCount())
	}

	e.NotifyProgress("PeerB", time.Now())
	if boxes["PeerB"].InboxCount() != 1 {
		t.Fatalf("expected archived first message and delivered queued second, inbox count=%d", boxes["PeerB"].InboxCount())
	}
}

func TestPauseSuppressesNudgeNotDelivery(t *testing.T) {
	e, boxes := testEngine(t)
	e.Pause("PeerB")

	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "a message delivered while paused", Role: envelope.RolePeerA})

	if boxes["PeerB"].InboxCount() != 1 {
		t.Fatalf("expected pause to still allow inbox delivery, got count=%d", boxes["PeerB"].InboxCount())
	}
}

func TestCheckTimeoutsDropsWithoutProgress(t *testing.T) {
	e, boxes := testEngine(t)
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "a message that will time out unanswered", Role: envelope.RolePeerA})

	e.CheckTimeouts(time.Now().Add(2*time.Minute), 60, 0)

	if e.IsInflight("PeerB") {
		t.Fatalf("expected in-flight slot to be released after timeout")
	}
	_ = boxes
}

func TestRepeatedIdenticalSendWithinWindowIsNotRedelivered(t *testing.T) {
	e, boxes := testEngine(t)
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "identical payload text here", Role: envelope.RolePeerA})
	e.NotifyProgress("PeerB", time.Now())
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "identical payload text here", Role: envelope.RolePeerA})

	if boxes["PeerB"].InboxCount() != 0 {
		t.Fatalf("expected an immediate repeat of the same body to be filtered (cooldown or dedup), got inbox count=%d", boxes["PeerB"].InboxCount())
	}
}

func TestEmptyBodyIsDroppedWithoutDelivery(t *testing.T) {
	e, boxes := testEngine(t)
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "<FROM_PeerA>\n[MID: x]\n\n</FROM_PeerA>", Role: envelope.RolePeerA})

	if boxes["PeerB"].InboxCount() != 0 {
		t.Fatalf("expected empty-after-strip body to never reach the mailbox")
	}
}

func TestCheckTimeoutsResendsOnIntermediateBoundaryBeforeExhausted(t *testing.T) {
	e, boxes := testEngine(t)
	now := time.Now()
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "a message with one resend attempt available", Role: envelope.RolePeerA})

	e.CheckTimeouts(now.Add(61*time.Second), 60, 1)
	if !e.IsInflight("PeerB") {
		t.Fatalf("expected the in-flight slot to survive an intermediate resend, not resolve yet")
	}
	if boxes["PeerB"].InboxCount() != 1 {
		t.Fatalf("expected the resend to rewrite the inbox under the same mid, not add a second record, count=%d", boxes["PeerB"].InboxCount())
	}

	e.CheckTimeouts(now.Add(130*time.Second), 60, 1)
	if e.IsInflight("PeerB") {
		t.Fatalf("expected the slot to resolve once the single resend attempt is exhausted")
	}
}

func TestDeliveredSinceResetCountsOnlyNonPausedDelivery(t *testing.T) {
	e, _ := testEngine(t)
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "a normal delivery", Role: envelope.RolePeerA})
	if count, changed := e.DeliveredSinceReset("PeerB"); count != 1 || !changed {
		t.Fatalf("expected a non-paused delivery to count, got count=%d changed=%v", count, changed)
	}

	e.NotifyProgress("PeerB", time.Now())
	e.Pause("PeerB")
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "a paused delivery", Role: envelope.RolePeerA})
	if count, changed := e.DeliveredSinceReset("PeerB"); count != 1 || changed {
		t.Fatalf("expected a paused delivery to not bump the delivered count, got count=%d changed=%v", count, changed)
	}
}

func TestNotifyProgressWithRequireMidWaitsForMatchingAck(t *testing.T) {
	e, boxes := testEngine(t)
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "a message requiring mid-matched ack", Role: envelope.RolePeerA, RequireMid: true})

	// Archive the real in-flight file out from under the engine and replace
	// it with an unrelated inbox entry carrying a different mid: simulates
	// a residual file that isn't the message the in-flight record is
	// waiting to have acked.
	for _, name := range boxes["PeerB"].ResidualInbox() {
		boxes["PeerB"].Archive(name)
	}
	if _, _, err := boxes["PeerB"].WriteInbox("<FROM_SYSTEM>\n[MID: unrelated]\nnote\n</FROM_SYSTEM>\n", "unrelated"); err != nil {
		t.Fatalf("WriteInbox: %v", err)
	}

	e.NotifyProgress("PeerB", time.Now())
	if !e.IsInflight("PeerB") {
		t.Fatalf("expected require_mid to keep the slot held when the archived file's mid doesn't match")
	}
}

func TestQueueDepthReflectsQueuedRequestsBehindInFlight(t *testing.T) {
	e, _ := testEngine(t)
	if d := e.QueueDepth("PeerB"); d != 0 {
		t.Fatalf("expected zero queue depth before any sends, got %d", d)
	}

	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "first meaningful message here", Role: envelope.RolePeerA})
	e.Send(Request{Sender: "PeerA", Receiver: "PeerB", Body: "second message while first is in flight", Role: envelope.RolePeerA})
	if d := e.QueueDepth("PeerB"); d != 1 {
		t.Fatalf("expected one queued request behind the in-flight send, got %d", d)
	}

	e.NotifyProgress("PeerB", time.Now())
	if d := e.QueueDepth("PeerB"); d != 0 {
		t.Fatalf("expected the queue to drain once the in-flight slot was acked, got %d", d)
	}
}
