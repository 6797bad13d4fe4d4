// Package events defines the ledger's Event sum type (spec §3, §9). The
// "lazy/duck-typed JSON reads" of the source this system was distilled from
// map here to a Kind tag plus a typed Payload map, read with typed
// accessors; unrecognized fields are tolerated so newer writers don't break
// older readers.
package events

import "time"

// Source identifies who produced an event.
type Source string

const (
	SourceUser   Source = "User"
	SourceSystem Source = "System"
	SourcePeerA  Source = "PeerA"
	SourcePeerB  Source = "PeerB"
	SourceForeman Source = "Foreman"
	SourceAux    Source = "Aux"
	SourceBridge Source = "Bridge"
)

// Kind catalogues every ledger event kind spec.md names explicitly. Readers
// should switch on Kind but tolerate unknown values (forward compatibility).
type Kind string

const (
	KindHandoff             Kind = "handoff"
	KindHandoffDrop         Kind = "handoff-drop"
	KindHandoffQueued       Kind = "handoff-queued"
	KindHandoffDuplicateDrop Kind = "handoff-duplicate-drop"
	KindHandoffPaused       Kind = "handoff-paused"
	KindHandoffTimeoutSoftAck Kind = "handoff-timeout-soft-ack"
	KindHandoffTimeoutDrop  Kind = "handoff-timeout-drop"
	KindToUser              Kind = "to_user"
	KindToPeerSummary       Kind = "to_peer_summary"
	KindPatchCommit         Kind = "patch-commit"
	KindPatchReject         Kind = "patch-reject"
	KindRFD                 Kind = "rfd"
	KindDecision            Kind = "decision"
	KindSelfCheck           Kind = "self-check"
	KindSystemRefresh       Kind = "system-refresh"
	KindBridgeInbound       Kind = "bridge-inbound"
	KindBridgeOutbound      Kind = "bridge-outbound"
	KindNudge               Kind = "nudge"
	KindAck                 Kind = "ack"
	KindAutoCompact         Kind = "auto-compact"
	KindAutoCompactSkip     Kind = "auto-compact-skip"
	KindAutoCompactError    Kind = "auto-compact-error"
	KindStartupInboxResume  Kind = "startup-inbox-resume"
	KindProcessedCleanup    Kind = "processed-cleanup"
	KindForemanRun          Kind = "foreman-run"
	KindCommandResult       Kind = "command-result"
	KindRestart             Kind = "restart"
	KindInboxPolicy         Kind = "inbox-policy"
	KindAuxToggle           Kind = "aux-toggle"
	KindEventTag            Kind = "event" // prefixed further with "-<key>" at emission time
)

// Event is one ledger record. Id and Ts are assigned by the ledger at
// append time, never by the caller, so clock skew between processes never
// reorders the log (spec §4.1).
type Event struct {
	ID      uint64         `json:"id"`
	Ts      time.Time      `json:"ts"`
	Kind    Kind           `json:"kind"`
	Source  Source         `json:"source"`
	Payload map[string]any `json:"payload,omitempty"`
}

// New builds an Event with the given kind/source/payload; ID and Ts are
// left zero for the ledger to fill in on append.
func New(kind Kind, source Source, payload map[string]any) Event {
	return Event{Kind: kind, Source: source, Payload: payload}
}

// OutboxEventType is the narrower set of kinds relevant to chat bridges.
type OutboxEventType string

const (
	OutboxToUser        OutboxEventType = "to_user"
	OutboxToPeerSummary OutboxEventType = "to_peer_summary"
)

// OutboxEvent is the shape written to outbox.jsonl (spec §3, §6).
type OutboxEvent struct {
	Type OutboxEventType `json:"type"`
	ID   string          `json:"id"`
	Peer string          `json:"peer,omitempty"` // PeerA|PeerB, for to_user
	From string          `json:"from,omitempty"` // PeerA|PeerB, for to_peer_summary
	Text string          `json:"text"`
	Ts   int64           `json:"ts"`
}
