package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/clock"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l, err := Open(path, clock.Real)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := l.Append(events.New(events.KindHandoff, events.SourceSystem, nil))
		if ev.ID <= last {
			t.Fatalf("event ID did not increase monotonically: got %d after %d", ev.ID, last)
		}
		last = ev.ID
	}
}

func TestOpenResumesCounterFromExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l1, err := Open(path, clock.Real)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		l1.Append(events.New(events.KindNudge, events.SourceSystem, nil))
	}

	l2, err := Open(path, clock.Real)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ev := l2.Append(events.New(events.KindAck, events.SourceSystem, nil))
	if ev.ID != 4 {
		t.Fatalf("expected resumed counter to continue at 4, got %d", ev.ID)
	}
}

func TestTailSkipsCorruptedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l, err := Open(path, clock.Real)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Append(events.New(events.KindHandoff, events.SourceSystem, nil))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("write corrupt line: %v", err)
	}
	f.Close()

	l.Append(events.New(events.KindAck, events.SourceSystem, nil))

	tail, err := l.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 well-formed events, got %d", len(tail))
	}
	if tail[0].Kind != events.KindHandoff || tail[1].Kind != events.KindAck {
		t.Fatalf("unexpected tail contents: %+v", tail)
	}
}

func TestNextIDSharesCounterWithAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.jsonl")

	l, err := Open(path, clock.Real)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	raw := l.NextID()
	ev := l.Append(events.New(events.KindHandoff, events.SourceSystem, nil))
	if ev.ID != raw+1 {
		t.Fatalf("expected Append's ID to continue after NextID: got %d want %d", ev.ID, raw+1)
	}
}
