package outbox

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/zixuniaowu/cccc/internal/events"
)

func TestAppendToUserWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	s := Open(path)

	s.AppendToUser("PeerA", "hello")
	s.AppendToUser("PeerB", "world")

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}
}

func TestAppendToPeerSummarySetsTypeAndFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	s := Open(path)

	ev := s.AppendToPeerSummary("PeerA", "did a thing")
	if ev.Type != events.OutboxToPeerSummary {
		t.Fatalf("expected type %q, got %q", events.OutboxToPeerSummary, ev.Type)
	}
	if ev.From != "PeerA" {
		t.Fatalf("expected From=PeerA, got %q", ev.From)
	}
	if ev.ID == "" {
		t.Fatalf("expected a generated event ID")
	}
}

func TestConsumerPollDispatchesOnlyNewLinesAcrossPolls(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "outbox.jsonl")
	s := Open(path)
	s.AppendToUser("PeerA", "first")

	c := NewConsumer(path, filepath.Join(home, "cursor.json"), 0)

	var seen []string
	c.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 1 || seen[0] != "first" {
		t.Fatalf("expected to see the first event once, got %v", seen)
	}

	c.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 1 {
		t.Fatalf("expected no redelivery on a poll with no new data, got %v", seen)
	}

	s.AppendToUser("PeerA", "second")
	c.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 2 || seen[1] != "second" {
		t.Fatalf("expected the newly appended event to be picked up, got %v", seen)
	}
}

func TestConsumerPollRetriesLineWhenHandlerReturnsFalse(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "outbox.jsonl")
	s := Open(path)
	s.AppendToUser("PeerA", "retry-me")

	c := NewConsumer(path, filepath.Join(home, "cursor.json"), 0)

	calls := 0
	fail := true
	handler := func(ev events.OutboxEvent) bool {
		calls++
		if fail {
			return false
		}
		return true
	}

	c.Poll(handler)
	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}
	if c.cursor.Offset != 0 {
		t.Fatalf("expected cursor to stay put after a failed dispatch, got offset=%d", c.cursor.Offset)
	}

	fail = false
	c.Poll(handler)
	if calls != 2 {
		t.Fatalf("expected handler retried on next poll, got %d calls", calls)
	}
	if c.cursor.Offset == 0 {
		t.Fatalf("expected cursor to advance once the handler succeeds")
	}
}

func TestConsumerPollSkipsMalformedLinesButAdvancesCursor(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "outbox.jsonl")
	if err := os.WriteFile(path, []byte("not json\n{\"type\":\"to_user\",\"text\":\"ok\"}\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c := NewConsumer(path, filepath.Join(home, "cursor.json"), 0)

	var seen []string
	c.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 1 || seen[0] != "ok" {
		t.Fatalf("expected only the well-formed line dispatched, got %v", seen)
	}
}

func TestConsumerPollDetectsTruncationAndRestartsFromZero(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "outbox.jsonl")
	s := Open(path)
	s.AppendToUser("PeerA", "before-rotation")

	c := NewConsumer(path, filepath.Join(home, "cursor.json"), 0)
	var seen []string
	handler := func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	}
	c.Poll(handler)
	if len(seen) != 1 {
		t.Fatalf("expected 1 event before rotation, got %d", len(seen))
	}

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	// a poll against the now-empty file detects size < cursor.Offset and
	// resets the cursor to zero before any new content exists.
	c.Poll(handler)
	if len(seen) != 1 {
		t.Fatalf("expected no dispatch while the truncated file is still empty, got %v", seen)
	}

	s2 := Open(path)
	s2.AppendToUser("PeerA", "after-rotation")

	c.Poll(handler)
	if len(seen) != 2 || seen[1] != "after-rotation" {
		t.Fatalf("expected the post-rotation event to be redelivered from offset 0, got %v", seen)
	}
}

func TestConsumerPersistsCursorAcrossRestarts(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "outbox.jsonl")
	cursorPath := filepath.Join(home, "cursor.json")
	s := Open(path)
	s.AppendToUser("PeerA", "one")

	c1 := NewConsumer(path, cursorPath, 0)
	var seen []string
	c1.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})

	// simulate a process restart: a fresh Consumer loads the persisted cursor
	c2 := NewConsumer(path, cursorPath, 0)
	c2.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 1 {
		t.Fatalf("expected the restarted consumer to resume past the persisted offset, got %v", seen)
	}
}

func TestConsumerLeavesIncompleteTrailingLineForNextPoll(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "outbox.jsonl")
	if err := os.WriteFile(path, []byte("{\"type\":\"to_user\",\"text\":\"complete\"}\n{\"type\":\"to_user\",\"text\":\"partial"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	c := NewConsumer(path, filepath.Join(home, "cursor.json"), 0)
	var seen []string
	c.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 1 || seen[0] != "complete" {
		t.Fatalf("expected only the complete line dispatched, got %v", seen)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("\"}\n"); err != nil {
		t.Fatalf("finish trailing line: %v", err)
	}
	f.Close()

	c.Poll(func(ev events.OutboxEvent) bool {
		seen = append(seen, ev.Text)
		return true
	})
	if len(seen) != 2 || seen[1] != "partial" {
		t.Fatalf("expected the completed trailing line to be dispatched on the next poll, got %v", seen)
	}
}
