// Package nudge implements C5: the per-peer nudge subsystem that reminds a
// stalled agent to check its mailbox, with debounce, progress-timeout,
// exponential backoff, and a retry cap, grounded on the original nudge.py.
package nudge

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/zixuniaowu/cccc/internal/infra/concurrency"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
)

// Sender delivers a composed nudge line to a peer's input (typically the
// orchestrator's paneio wrapper around the peer's pane/process).
type Sender func(peer, text string) error

// peerState tracks one peer's outstanding nudge cycle.
type peerState struct {
	lastSentAt      time.Time
	lastProgressAt  time.Time
	retries         int
	pending         bool
	lastInboxCount  int
}

// Engine owns nudge scheduling for every configured peer.
type Engine struct {
	mu       sync.Mutex
	states   map[string]*peerState
	send     Sender
	rng      *rand.Rand
	debounce *concurrency.Debouncer
}

// New creates a nudge Engine that delivers composed text via send.
// debounceMS coalesces bursts of Due-triggered sends for the same peer
// arriving within the window into a single delivery (policies.Nudge's
// debounce_ms; Due also uses that setting as the quiet period required
// after the peer's last recorded progress).
func New(send Sender, debounceMS int) *Engine {
	e := &Engine{
		states:   make(map[string]*peerState),
		send:     send,
		rng:      rand.New(rand.NewSource(1)),
		debounce: concurrency.NewDebouncer(debounceMS),
	}
	e.debounce.Start(context.Background())
	return e
}

func (e *Engine) state(peer string) *peerState {
	st, ok := e.states[peer]
	if !ok {
		st = &peerState{}
		e.states[peer] = st
	}
	return st
}

// MarkProgress records that peer produced observable output, resetting its
// progress-timeout clock and retry count (spec §4.5 "progress resets nudge
// state").
func (e *Engine) MarkProgress(peer string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(peer)
	st.lastProgressAt = now
	st.retries = 0
	st.pending = false
}

// LastProgressAfter reports whether peer has made observable progress
// (produced to_user/to_peer output) strictly after since, used by the
// handoff engine's ack-timeout resolution to choose soft-ack over drop
// (spec §4.4 "acknowledgement timeout").
func (e *Engine) LastProgressAfter(peer string, since time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[peer]
	if !ok || st.lastProgressAt.IsZero() {
		return false
	}
	return st.lastProgressAt.After(since)
}

// Due reports whether peer is due for a nudge at now, given p and its
// current inbox backlog size, and whether this would be a progress-timeout
// escalation (vs a routine resend). Once MaxRetries is exhausted, further
// nudges are suppressed unless the inbox grew since the last send — progress
// by an external path (spec §4.5 "Retries cap").
func (e *Engine) Due(peer string, now time.Time, p settings.NudgePolicy, inboxCount int) (due bool, isTimeout bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(peer)

	resend := p.ResendSeconds
	if resend <= 0 {
		resend = 90
	}
	timeout := p.ProgressTimeoutS
	if timeout <= 0 {
		timeout = 45
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	if st.lastProgressAt.IsZero() {
		st.lastProgressAt = now
	}

	retriesExhausted := st.retries >= maxRetries
	grewSinceLastSend := inboxCount > st.lastInboxCount
	if retriesExhausted && !grewSinceLastSend {
		return false, false
	}

	debounceMS := p.DebounceMS
	if debounceMS <= 0 {
		debounceMS = 1500
	}
	if now.Sub(st.lastProgressAt).Seconds()*1000.0 < debounceMS {
		return false, false
	}

	sinceProgress := now.Sub(st.lastProgressAt).Seconds()
	if sinceProgress >= timeout && (!retriesExhausted || grewSinceLastSend) {
		return true, true
	}

	if st.lastSentAt.IsZero() {
		return false, false
	}
	sinceSent := now.Sub(st.lastSentAt).Seconds()
	jittered := resend * (1 + (e.rng.Float64()*2-1)*jitterPct(p))
	return sinceSent >= jittered, false
}

func jitterPct(p settings.NudgePolicy) float64 {
	if p.JitterPct <= 0 {
		return 0.1
	}
	return p.JitterPct
}

// Compose builds the nudge text: default is a short reminder, detailed adds
// the oldest pending headline and, when aux is unavailable, a suffix noting
// the reviewer is offline (spec §4.5 supplemented feature).
func Compose(peer, headline string, auxAvailable bool, detailed bool) string {
	base := fmt.Sprintf("[nudge] %s: check your mailbox for pending input.", peer)
	if detailed && headline != "" {
		base += fmt.Sprintf(" Oldest pending: %q", headline)
	}
	if !auxAvailable {
		base += " (aux reviewer offline)"
	}
	return base
}

// Send delivers a nudge for peer if one is due, applying exponential backoff
// between retries and capping at MaxRetries before giving up the cycle until
// the next MarkProgress (spec §4.5). inboxCount is recorded so a later Due
// call can detect "progress by external path" once retries are exhausted.
func (e *Engine) Send(peer string, now time.Time, p settings.NudgePolicy, text string, inboxCount int) error {
	e.mu.Lock()
	st := e.state(peer)

	if st.pending {
		base := p.BackoffBaseMS
		if base <= 0 {
			base = 1000
		}
		capMs := p.BackoffMaxMS
		if capMs <= 0 {
			capMs = 60000
		}
		backoff := math.Min(capMs, base*math.Pow(2, float64(st.retries)))
		if now.Sub(st.lastSentAt) < time.Duration(backoff)*time.Millisecond {
			e.mu.Unlock()
			return nil
		}
	}

	st.lastSentAt = now
	st.pending = true
	st.retries++
	st.lastInboxCount = inboxCount
	e.mu.Unlock()

	if e.send == nil {
		return nil
	}
	e.debounce.Do(peer, func() {
		if err := e.send(peer, text); err != nil {
			logger.Warnf("nudge: deliver to %s: %v", peer, err)
		}
	})
	return nil
}

// Reset clears a peer's nudge cycle, used when the mailbox archives the
// peer's inbox file (an ack) or on explicit resume command.
func (e *Engine) Reset(peer string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(peer)
	*st = peerState{lastProgressAt: now}
}
