package nudge

import (
	"testing"
	"time"

	"github.com/zixuniaowu/cccc/internal/infra/settings"
)

func testPolicy() settings.NudgePolicy {
	return settings.NudgePolicy{
		ResendSeconds:    90,
		ProgressTimeoutS: 45,
		BackoffBaseMS:    1000,
		BackoffMaxMS:     60000,
		MaxRetries:       2,
		JitterPct:        0, // deterministic in tests
	}
}

func TestDueFiresOnProgressTimeout(t *testing.T) {
	e := New(nil, 0)
	p := testPolicy()
	start := time.Now()

	if due, _ := e.Due("PeerA", start, p, 0); due {
		t.Fatalf("did not expect a nudge to be due immediately")
	}

	later := start.Add(50 * time.Second)
	due, isTimeout := e.Due("PeerA", later, p, 0)
	if !due || !isTimeout {
		t.Fatalf("expected a progress-timeout nudge after the timeout elapses, due=%v isTimeout=%v", due, isTimeout)
	}
}

func TestMarkProgressResetsRetriesAndClock(t *testing.T) {
	e := New(nil, 0)
	p := testPolicy()
	start := time.Now()

	e.Due("PeerA", start, p, 0)
	e.Send("PeerA", start.Add(50*time.Second), p, "nudge", 0)
	e.MarkProgress("PeerA", start.Add(51*time.Second))

	due, _ := e.Due("PeerA", start.Add(52*time.Second), p, 0)
	if due {
		t.Fatalf("expected MarkProgress to reset the progress clock so no nudge is due right after")
	}
}

func TestRetryCapSuppressesFurtherNudgesWithoutInboxGrowth(t *testing.T) {
	e := New(nil, 0)
	p := testPolicy()
	p.MaxRetries = 1
	start := time.Now()

	e.Due("PeerA", start, p, 3) // seeds the progress clock at start, per Due's first-call semantics
	due, isTimeout := e.Due("PeerA", start.Add(50*time.Second), p, 3)
	if !due || !isTimeout {
		t.Fatalf("expected first timeout nudge to fire")
	}
	e.Send("PeerA", start.Add(50*time.Second), p, "nudge", 3)

	// Retries now exhausted (MaxRetries=1); inbox count unchanged.
	due, _ = e.Due("PeerA", start.Add(200*time.Second), p, 3)
	if due {
		t.Fatalf("expected retries-exhausted peer with no inbox growth to stay suppressed")
	}
}

func TestRetryCapEscapeHatchOnInboxGrowth(t *testing.T) {
	e := New(nil, 0)
	p := testPolicy()
	p.MaxRetries = 1
	start := time.Now()

	e.Due("PeerA", start, p, 3) // seeds the progress clock
	e.Due("PeerA", start.Add(50*time.Second), p, 3)
	e.Send("PeerA", start.Add(50*time.Second), p, "nudge", 3)

	// Inbox grew since the last send: the external-progress escape hatch
	// should allow another nudge even though retries are nominally exhausted.
	due, _ := e.Due("PeerA", start.Add(200*time.Second), p, 5)
	if !due {
		t.Fatalf("expected inbox growth to re-enable nudging past the retry cap")
	}
}

func TestLastProgressAfterReflectsMarkProgress(t *testing.T) {
	e := New(nil, 0)
	start := time.Now()

	if e.LastProgressAfter("PeerA", start) {
		t.Fatalf("expected no progress recorded yet")
	}
	e.MarkProgress("PeerA", start.Add(time.Second))
	if !e.LastProgressAfter("PeerA", start) {
		t.Fatalf("expected progress recorded after start to be visible")
	}
	if e.LastProgressAfter("PeerA", start.Add(2*time.Second)) {
		t.Fatalf("did not expect progress to be reported after a later reference time")
	}
}
