// Package selfcheck implements C7: the counter-based scheduler that injects
// a periodic self-check (and, every N-th time, a full system refresh) into
// both peers, grounded on handoff.py's _maybe_selfcheck_multi.
package selfcheck

import (
	"sync"

	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/handoff"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/mailbox"
)

const selfCheckPrompt = `Self-check:
1. What is the current goal?
2. What have you completed since the last check?
3. What is blocking you, if anything?
4. What will you do next?
5. Is there anything the other peer or the user needs to know now?`

// Document supplies the rules/project text for full system refreshes; both
// may be empty.
type Document struct {
	Rules   string
	Project string
}

// Scheduler drives C7 for both configured peers.
type Scheduler struct {
	mu          sync.Mutex
	inSelfCheck bool

	hoff     *handoff.Engine
	led      *ledger.Ledger
	boxes    map[string]*mailbox.Store
	peerRole map[string]envelope.Role

	every              int
	systemRefreshEvery int
	auxReviewPrompt    string
	doc                Document
	porTarget          string // peer designated for POR refresh requests
}

// New builds a Scheduler.
func New(hoff *handoff.Engine, led *ledger.Ledger, boxes map[string]*mailbox.Store, peerRole map[string]envelope.Role, every, systemRefreshEvery int, auxReviewPrompt string, doc Document, porTarget string) *Scheduler {
	if every <= 0 {
		every = 8
	}
	if systemRefreshEvery <= 0 {
		systemRefreshEvery = 6
	}
	return &Scheduler{
		hoff: hoff, led: led, boxes: boxes, peerRole: peerRole,
		every: every, systemRefreshEvery: systemRefreshEvery,
		auxReviewPrompt: auxReviewPrompt, doc: doc, porTarget: porTarget,
	}
}

// MaybeInject is called with the post-increment handoff counter for
// receiver; it fires a self-check or system refresh exactly when counter is
// a multiple of `every`, and never re-enters while a self-check injection is
// itself being delivered (spec §4.7 "in_self_check guard").
func (s *Scheduler) MaybeInject(receiver string, counter int) {
	if counter <= 0 || counter%s.every != 0 {
		return
	}

	s.mu.Lock()
	if s.inSelfCheck {
		s.mu.Unlock()
		return
	}
	s.inSelfCheck = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inSelfCheck = false
		s.mu.Unlock()
	}()

	cycle := counter / s.every
	if cycle%s.systemRefreshEvery == 0 {
		s.systemRefresh(receiver)
		return
	}
	s.selfCheck(receiver)
}

func (s *Scheduler) selfCheck(receiver string) {
	prompt := selfCheckPrompt
	if s.auxReviewPrompt != "" {
		prompt += "\n\n" + s.auxReviewPrompt
	}
	role := s.peerRole[receiver]
	s.hoff.Send(handoff.Request{Sender: "System", Receiver: receiver, Body: prompt, Role: role})
	s.led.Append(events.New(events.KindSelfCheck, events.SourceSystem, map[string]any{"receiver": receiver}))
}

func (s *Scheduler) systemRefresh(receiver string) {
	var sb []byte
	sb = append(sb, []byte("[System refresh]\n\n")...)
	if s.doc.Rules != "" {
		sb = append(sb, []byte(s.doc.Rules+"\n\n")...)
	}
	if s.doc.Project != "" {
		sb = append(sb, []byte(s.doc.Project+"\n\n")...)
	}
	sb = append(sb, []byte("[Background refresh complete — continue current work]\n")...)

	role := s.peerRole[receiver]
	s.hoff.Send(handoff.Request{Sender: "System", Receiver: receiver, Body: string(sb), Role: role})
	s.led.Append(events.New(events.KindSystemRefresh, events.SourceSystem, map[string]any{"receiver": receiver}))

	if s.porTarget != "" {
		s.requestPORRefresh(s.porTarget)
	}
	for peer, box := range s.boxes {
		box.CleanupProcessed()
		s.led.Append(events.New(events.KindProcessedCleanup, events.SourceSystem, map[string]any{"peer": peer}))
	}
}

// requestPORRefresh asks one designated peer to refresh its plan-of-record
// document, a supplemented feature named in spec §4.7's system-refresh step.
func (s *Scheduler) requestPORRefresh(peer string) {
	role := s.peerRole[peer]
	const msg = "Please refresh your plan-of-record (POR) document to reflect current state."
	s.hoff.Send(handoff.Request{Sender: "System", Receiver: peer, Body: msg, Role: role})
}
