// Package outbox implements C3 (the append-only bridge-facing event stream)
// and the shared cursor-based consumer contract used by every bridge in
// C11, grounded on the original outbox_consumer.py poll loop.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// Stream appends outbox events to a single JSONL file (spec §4.3).
type Stream struct {
	path string
}

// Open returns a Stream writer for path.
func Open(path string) *Stream {
	return &Stream{path: path}
}

// AppendToUser appends a to_user outbox event.
func (s *Stream) AppendToUser(peer, text string) events.OutboxEvent {
	ev := events.OutboxEvent{
		Type: events.OutboxToUser,
		ID:   uuid.NewString(),
		Peer: peer,
		Text: text,
		Ts:   time.Now().Unix(),
	}
	s.append(ev)
	return ev
}

// AppendToPeerSummary appends a to_peer_summary outbox event.
func (s *Stream) AppendToPeerSummary(from, text string) events.OutboxEvent {
	ev := events.OutboxEvent{
		Type: events.OutboxToPeerSummary,
		ID:   uuid.NewString(),
		From: from,
		Text: text,
		Ts:   time.Now().Unix(),
	}
	s.append(ev)
	return ev
}

func (s *Stream) append(ev events.OutboxEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("outbox: marshal event: %v", err)
		return
	}
	data = append(data, '\n')
	if err := storage.AppendFile(s.path, data); err != nil {
		logger.Errorf("outbox: append failed: %v", err)
	}
}
