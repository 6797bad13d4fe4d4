package envelope

import (
	"strings"
	"testing"
	"time"
)

func TestWrapRoundTripsThroughExtractToPeer(t *testing.T) {
	body := "<TO_PEER>\nDid the thing.\n```insight\nChanged X to fix Y.\n```\n</TO_PEER>"
	wrapped := Wrap(RolePeerA, "m-1", body, "")

	if !strings.HasPrefix(wrapped, "<FROM_PeerA>\n") {
		t.Fatalf("expected wrapper to open with FROM_PeerA tag, got %q", wrapped)
	}
	if !strings.Contains(wrapped, "[MID: m-1]") {
		t.Fatalf("expected MID marker in %q", wrapped)
	}

	extracted, hasInsight, ok := ExtractToPeer(wrapped)
	if !ok {
		t.Fatalf("ExtractToPeer did not find a <TO_PEER> block in %q", wrapped)
	}
	if !hasInsight {
		t.Fatalf("expected trailing insight block to be detected")
	}
	if !strings.Contains(extracted, "Did the thing.") {
		t.Fatalf("extracted body missing original content: %q", extracted)
	}
}

func TestExtractToPeerMissingInsightBlock(t *testing.T) {
	_, hasInsight, ok := ExtractToPeer("<TO_PEER>\njust a note\n</TO_PEER>")
	if !ok {
		t.Fatalf("expected a <TO_PEER> block to be found")
	}
	if hasInsight {
		t.Fatalf("expected hasInsight=false for a body with no insight block")
	}
}

func TestStripForEmptyCheckTreatsWrapperOnlyAsEmpty(t *testing.T) {
	wrapped := Wrap(RoleUser, "m-2", "", "")
	if got := StripForEmptyCheck(wrapped); got != "" {
		t.Fatalf("expected empty body after stripping wrapper/MID, got %q", got)
	}
}

func TestHashIsStableAndSensitiveToContent(t *testing.T) {
	a := Hash("hello")
	b := Hash("hello")
	c := Hash("hello!")
	if a != b {
		t.Fatalf("expected identical input to hash identically")
	}
	if a == c {
		t.Fatalf("expected different input to hash differently")
	}
}

func TestSentinelIsRecognizedByIsSentinel(t *testing.T) {
	s := Sentinel(time.Unix(0, 0), 42, "body text", "PeerA->PeerB")
	if !IsSentinel(s) {
		t.Fatalf("expected generated sentinel to be recognized: %q", s)
	}
	if IsSentinel("<TO_USER>hi</TO_USER>") {
		t.Fatalf("did not expect ordinary content to be recognized as a sentinel")
	}
}
