package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	home := t.TempDir()
	s := New(home, "PeerA", 0)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	return s
}

func TestWriteInboxSequenceIsMonotonic(t *testing.T) {
	s := newTestStore(t)

	var seqs []string
	for i := 0; i < 4; i++ {
		seq, _, err := s.WriteInbox("<FROM_USER>\n[MID: m]\nhi\n</FROM_USER>\n", "mid-"+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("WriteInbox: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("expected strictly increasing sequence numbers, got %v", seqs)
		}
	}
}

func TestArchiveIsAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	seq, _, err := s.WriteInbox("body", "mid-1")
	if err != nil {
		t.Fatalf("WriteInbox: %v", err)
	}

	if ok := s.Archive(seq); !ok {
		t.Fatalf("expected first Archive(%s) to succeed", seq)
	}
	if ok := s.Archive(seq); ok {
		t.Fatalf("expected second Archive(%s) to be a no-op", seq)
	}

	processed, err := os.ReadDir(s.processedDir())
	if err != nil {
		t.Fatalf("ReadDir processed: %v", err)
	}
	if len(processed) != 1 {
		t.Fatalf("expected exactly one processed file, got %d", len(processed))
	}
}

func TestScanIsIdempotentViaSentinel(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), "to_user.md"), []byte("<TO_USER>\nhello\n</TO_USER>"), 0o600); err != nil {
		t.Fatalf("seed to_user.md: %v", err)
	}

	var nextID uint64
	idFn := func() uint64 { nextID++; return nextID }

	first := s.Scan(time.Now(), idFn)
	if !first.HasToUser {
		t.Fatalf("expected first scan to observe to_user content")
	}

	second := s.Scan(time.Now(), idFn)
	if second.HasToUser {
		t.Fatalf("expected second scan to observe nothing new (sentinel idempotence)")
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(), "to_user.md"))
	if err != nil {
		t.Fatalf("read to_user.md: %v", err)
	}
	if !strings.HasPrefix(string(data), "MAILBOX:SENT v1") {
		t.Fatalf("expected file to be replaced with a sentinel, got %q", data)
	}
}

func TestApplyStartupPolicyResumeLeavesFilesInPlace(t *testing.T) {
	s := newTestStore(t)
	s.WriteInbox("body", "mid-1")

	affected := s.ApplyStartupPolicy(PolicyResume)
	if affected != 0 {
		t.Fatalf("expected resume policy to leave files untouched, affected=%d", affected)
	}
	if s.InboxCount() != 1 {
		t.Fatalf("expected inbox file to remain, count=%d", s.InboxCount())
	}
}

func TestApplyStartupPolicyDiscardMovesToProcessed(t *testing.T) {
	s := newTestStore(t)
	s.WriteInbox("body", "mid-1")

	affected := s.ApplyStartupPolicy(PolicyDiscard)
	if affected != 1 {
		t.Fatalf("expected 1 file moved, got %d", affected)
	}
	if s.InboxCount() != 0 {
		t.Fatalf("expected inbox to be empty after discard, count=%d", s.InboxCount())
	}
}
