// Package ledger implements C1: the append-only JSONL event log that is the
// single source of truth for replay and observers (spec §4.1).
package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/clock"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// Ledger appends events to a JSONL file under a single writer mutex
// (multiple independent processes also append to this file; the mutex only
// serializes writers within this process — O_APPEND guarantees
// line-atomicity across processes per spec §4.1/§5).
type Ledger struct {
	path  string
	clock clock.Clock

	mu     sync.Mutex
	nextID uint64
}

// Open prepares a Ledger at path, seeding the in-process id counter from the
// highest id already present so ids stay monotonic across restarts.
func Open(path string, clk clock.Clock) (*Ledger, error) {
	if clk == nil {
		clk = clock.Real
	}
	l := &Ledger{path: path, clock: clk}
	if last, err := lastID(path); err == nil {
		l.nextID = last
	}
	return l, nil
}

func lastID(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip corrupted/partial lines, per spec §4.1
		}
		if e.ID > last {
			last = e.ID
		}
	}
	return last, nil
}

// Append serializes ev as one JSON line, assigning ID and Ts, and writes it
// with O_APPEND semantics. Write failures are logged and swallowed per
// spec §4.1: losing a ledger entry must never block the main loop.
func (l *Ledger) Append(ev events.Event) events.Event {
	l.mu.Lock()
	l.nextID++
	ev.ID = l.nextID
	ev.Ts = l.clock.Now().UTC()
	l.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("ledger: marshal event kind=%s: %v", ev.Kind, err)
		return ev
	}
	data = append(data, '\n')

	if err := storage.AppendFile(l.path, data); err != nil {
		logger.Errorf("ledger: append failed (kind=%s): %v", ev.Kind, err)
	}
	return ev
}

// NextID allocates a raw sequence number from the same counter Append uses,
// without writing a ledger record. The mailbox scanner uses this to stamp
// sentinel markers with an id that corresponds to the handoff event that
// will be appended for the consumed content (spec §4.2, §6 sentinel format).
func (l *Ledger) NextID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	return l.nextID
}

// Tail returns the last n well-formed events in the ledger, in order.
// Corrupted lines are skipped without aborting the scan.
func (l *Ledger) Tail(n int) ([]events.Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]events.Event, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		ring = append(ring, e)
		if len(ring) > n {
			ring = ring[1:]
		}
	}
	return ring, nil
}
