// Package autocompact implements C9: per-peer idle-triggered compaction of
// an actor's own context, grounded on the original auto_compact.py.
package autocompact

import (
	"sync"
	"time"

	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/ledger"
)

// PaneWriter sends raw text (no envelope wrapping) to a peer's pane/process,
// used to submit the actor's compact command.
type PaneWriter func(peer, text string) error

type peerState struct {
	lastCompactAt      time.Time
	messagesSinceCompact int
	lastActivityAt     time.Time
	inFlight           bool
	queueDepth         int
}

// Supervisor tracks per-peer compaction eligibility and drives the compact
// command when due.
type Supervisor struct {
	mu    sync.Mutex
	state map[string]peerState

	compactCommand map[string]string // peer -> actor's configured compact command, empty = unsupported
	write          PaneWriter
	led            *ledger.Ledger

	lastCheckAt time.Time
}

// New builds a Supervisor. compactCommand maps peer name to its actor's
// configured compact command (empty string means the actor doesn't support
// one, per spec §4.9 condition 2).
func New(compactCommand map[string]string, write PaneWriter, led *ledger.Ledger) *Supervisor {
	return &Supervisor{
		state:          make(map[string]peerState),
		compactCommand: compactCommand,
		write:          write,
		led:            led,
	}
}

// MarkActivity records an observable message for peer, used by the idle and
// message-count gates.
func (s *Supervisor) MarkActivity(peer string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[peer]
	st.lastActivityAt = now
	st.messagesSinceCompact++
	s.state[peer] = st
}

// SetInFlight records whether peer currently has an outstanding handoff
// awaiting a response (gate 5: idle requires no in-flight).
func (s *Supervisor) SetInFlight(peer string, inFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[peer]
	st.inFlight = inFlight
	s.state[peer] = st
}

// SetQueueDepth records the peer's pending inbox/queue depth.
func (s *Supervisor) SetQueueDepth(peer string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[peer]
	st.queueDepth = depth
	s.state[peer] = st
}

// Tick evaluates every peer's should_auto_compact gate and fires the
// configured compact command for any peer that is due, rate-limited overall
// by CheckIntervalSeconds (spec §4.9).
func (s *Supervisor) Tick(now time.Time, p settings.AutoCompactPolicy) {
	if !p.Enabled {
		return
	}
	interval := p.CheckIntervalSeconds
	if interval <= 0 {
		interval = 60
	}

	s.mu.Lock()
	if !s.lastCheckAt.IsZero() && now.Sub(s.lastCheckAt).Seconds() < interval {
		s.mu.Unlock()
		return
	}
	s.lastCheckAt = now
	peers := make([]string, 0, len(s.state))
	for peer := range s.state {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		s.evaluate(peer, now, p)
	}
}

func (s *Supervisor) evaluate(peer string, now time.Time, p settings.AutoCompactPolicy) {
	cmd := s.compactCommand[peer]
	if cmd == "" {
		s.skip(peer, "actor-no-compact-command")
		return
	}

	s.mu.Lock()
	st := s.state[peer]
	s.mu.Unlock()

	minInterval := p.MinIntervalSeconds
	if minInterval <= 0 {
		minInterval = 900
	}
	if !st.lastCompactAt.IsZero() && now.Sub(st.lastCompactAt).Seconds() < minInterval {
		s.skip(peer, "min-interval-not-elapsed")
		return
	}

	minMessages := p.MinMessages
	if minMessages <= 0 {
		minMessages = 5
	}
	if st.messagesSinceCompact < minMessages {
		s.skip(peer, "below-min-messages")
		return
	}

	idleThreshold := p.IdleThresholdSeconds
	if idleThreshold <= 0 {
		idleThreshold = 180
	}
	idle := !st.inFlight && st.queueDepth == 0 && (st.lastActivityAt.IsZero() || now.Sub(st.lastActivityAt).Seconds() >= idleThreshold)
	if !idle {
		s.skip(peer, "not-idle")
		return
	}

	s.fire(peer, cmd, now)
}

func (s *Supervisor) fire(peer, cmd string, now time.Time) {
	if s.write != nil {
		if err := s.write(peer, cmd); err != nil {
			s.led.Append(events.New(events.KindAutoCompactError, events.SourceSystem, map[string]any{
				"peer": peer, "error": err.Error(),
			}))
			return
		}
	}
	s.mu.Lock()
	st := s.state[peer]
	st.lastCompactAt = now
	st.messagesSinceCompact = 0
	s.state[peer] = st
	s.mu.Unlock()

	s.led.Append(events.New(events.KindAutoCompact, events.SourceSystem, map[string]any{"peer": peer}))
}

func (s *Supervisor) skip(peer, reason string) {
	s.led.Append(events.New(events.KindAutoCompactSkip, events.SourceSystem, map[string]any{
		"peer": peer, "reason": reason,
	}))
}
