// Package commandqueue implements C8: a tailer over state/commands.jsonl
// shared by the orchestrator, the CLI console, and the bridges, dispatching
// each recognized command type and recording a result record, grounded on
// the outbox consumer's cursor contract and the original
// command_queue_runtime.py dispatch table.
package commandqueue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// Command is one line of state/commands.jsonl.
type Command struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Source string         `json:"source,omitempty"` // "tui" routes the result to tui-replies.jsonl too
	Args   map[string]any `json:"args,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// Result is the {id, ok, message} record appended after each dispatch.
type Result struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Handler executes one command and returns its result.
type Handler func(cmd Command) Result

// maxItemsPerTick bounds how many commands one Drain call processes, so a
// burst never starves the rest of the main loop (spec §4.8).
const maxItemsPerTick = 50

// Queue tails commandsPath from a persisted byte offset.
type Queue struct {
	commandsPath string
	resultsPath  string
	repliesPath  string
	offsetPath   string

	loaded bool
	offset int64
}

// New wires a Queue rooted at home/state.
func New(home string) *Queue {
	stateDir := filepath.Join(home, "state")
	return &Queue{
		commandsPath: filepath.Join(stateDir, "commands.jsonl"),
		resultsPath:  filepath.Join(stateDir, "commands.jsonl"), // results are appended to the same file
		repliesPath:  filepath.Join(stateDir, "tui-replies.jsonl"),
		offsetPath:   filepath.Join(stateDir, "commands.offset"),
	}
}

func (q *Queue) loadOffset() {
	data, err := os.ReadFile(q.offsetPath)
	if err != nil {
		return
	}
	var off int64
	if err := json.Unmarshal(bytes.TrimSpace(data), &off); err == nil {
		q.offset = off
	}
}

func (q *Queue) saveOffset() {
	data, err := json.Marshal(q.offset)
	if err != nil {
		return
	}
	if err := storage.AtomicWriteFile(q.offsetPath, data); err != nil {
		logger.Warnf("commandqueue: persist offset: %v", err)
	}
}

// Drain reads newly appended commands since the last offset (handling
// rotation by restarting from 0 if the file has shrunk), dispatches each via
// handler, and appends a result record. At most maxItemsPerTick commands are
// processed per call (spec §4.8).
func (q *Queue) Drain(handler Handler) {
	if !q.loaded {
		q.loadOffset()
		q.loaded = true
	}

	info, err := os.Stat(q.commandsPath)
	if err != nil {
		return
	}
	if info.Size() < q.offset {
		q.offset = 0 // rotation/truncation: restart from the top, spec §4.8
	}
	if info.Size() <= q.offset {
		return
	}

	f, err := os.Open(q.commandsPath)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(q.offset, 0); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	processed := 0
	offset := q.offset

	for processed < maxItemsPerTick {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 || line[len(line)-1] != '\n' {
			break
		}
		offset += int64(len(line))

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(trimmed, &cmd); err != nil {
			// already-written result records also live in this file;
			// skip anything that doesn't parse as a command (spec §7
			// category 4, parse errors).
			continue
		}
		if cmd.Type == "" || cmd.ID == "" {
			continue // a result record, or malformed: skip without crashing
		}

		result := handler(cmd)
		q.appendResult(result)
		if cmd.Source == "tui" {
			q.appendReply(result)
		}
		processed++
	}

	q.offset = offset
	q.saveOffset()
}

func (q *Queue) appendResult(r Result) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if err := storage.AppendFile(q.resultsPath, data); err != nil {
		logger.Warnf("commandqueue: append result: %v", err)
	}
}

func (q *Queue) appendReply(r Result) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if err := storage.AppendFile(q.repliesPath, data); err != nil {
		logger.Warnf("commandqueue: append tui reply: %v", err)
	}
}

// Enqueue appends a new command for a future Drain call (used by the CLI
// console and bridges to submit commands into the shared queue).
func Enqueue(home string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return storage.AppendFile(filepath.Join(home, "state", "commands.jsonl"), data)
}
