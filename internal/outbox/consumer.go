package outbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// Cursor is the (device, inode, offset) triple tailed bridges persist so
// they can resume exactly-once across restarts and file rotations
// (spec §3 "Cursor", §4.3).
type Cursor struct {
	Dev    uint64 `json:"dev"`
	Ino    uint64 `json:"ino"`
	Offset int64  `json:"offset"`
}

// Handler dispatches one parsed outbox event. It returns true to commit the
// cursor past that line, false to retry the same line on the next poll
// (spec §4.11: "a handler returns a boolean").
type Handler func(ev events.OutboxEvent) bool

// Consumer tails an outbox file with the shared cursor contract. One
// Consumer instance corresponds to one named subscriber (e.g. one bridge).
type Consumer struct {
	outboxPath string
	cursorPath string
	pollEvery  time.Duration

	mu     sync.Mutex
	cursor Cursor
	buf    []byte
}

// NewConsumer creates a Consumer for the given outbox file, persisting its
// cursor at cursorPath (typically state/outbox-cursor-<name>.json).
func NewConsumer(outboxPath, cursorPath string, pollEvery time.Duration) *Consumer {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	c := &Consumer{outboxPath: outboxPath, cursorPath: cursorPath, pollEvery: pollEvery}
	c.loadCursor()
	return c
}

func (c *Consumer) loadCursor() {
	data, err := os.ReadFile(c.cursorPath)
	if err != nil {
		return
	}
	var cur Cursor
	if err := json.Unmarshal(data, &cur); err == nil {
		c.cursor = cur
	}
}

func (c *Consumer) saveCursor() {
	data, err := json.Marshal(c.cursor)
	if err != nil {
		return
	}
	if err := storage.AtomicWriteFile(c.cursorPath, data); err != nil {
		logger.Warnf("outbox consumer: persist cursor %s: %v", c.cursorPath, err)
	}
}

// Poll performs one pass: detect rotation, read newly appended complete
// lines, and dispatch each to handler. Malformed JSON lines are skipped but
// still advance the cursor (avoids deadlocking the consumer on bad data,
// per spec §4.11). All errors are swallowed; Poll never returns one, as the
// bridge's main loop must survive every fault (spec §5 failure isolation).
func (c *Consumer) Poll(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.outboxPath)
	if err != nil {
		return
	}
	dev, ino := statDevIno(info)
	size := info.Size()

	rotated := dev != c.cursor.Dev || ino != c.cursor.Ino || size < c.cursor.Offset
	if rotated {
		c.cursor = Cursor{Dev: dev, Ino: ino, Offset: 0}
		c.buf = nil
	}
	if size <= c.cursor.Offset {
		return
	}

	f, err := os.Open(c.outboxPath)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(c.cursor.Offset, 0); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	offset := c.cursor.Offset
	advanced := false

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			lineOffset := offset
			offset += int64(len(line))

			ok := c.dispatchLine(bytes.TrimRight(line, "\n"), handler)
			if !ok {
				// stop before this line; retry it next poll
				offset = lineOffset
				break
			}
			advanced = true
			continue
		}
		// incomplete trailing line: leave it for the next poll
		break
	}

	if advanced {
		c.cursor.Offset = offset
		c.saveCursor()
	}
}

func (c *Consumer) dispatchLine(line []byte, handler Handler) bool {
	var ev events.OutboxEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		logger.Warnf("outbox consumer: malformed line, skipping: %v", err)
		return true // advance past malformed data, per spec §4.11
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("outbox consumer: handler panic: %v", r)
		}
	}()
	return handler(ev)
}

func statDevIno(info os.FileInfo) (dev, ino uint64) {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(sys.Dev), uint64(sys.Ino)
	}
	return 0, 0
}

// DefaultCursorPath builds the conventional cursor file path for a named
// subscriber under <home>/state.
func DefaultCursorPath(home, name string) string {
	return filepath.Join(home, "state", fmt.Sprintf("outbox-cursor-%s.json", name))
}
