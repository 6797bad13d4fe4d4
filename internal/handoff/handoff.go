// Package handoff implements C4: the engine that turns a peer's <TO_PEER>
// (or <TO_USER>/system) output into a delivered mailbox message for the
// other peer, applying the anti-loop filter, duplicate de-bounce, a bounded
// backpressure queue, and pause semantics, grounded on the original
// handoff.py.
package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/mailbox"
	"github.com/zixuniaowu/cccc/internal/nudge"
	"github.com/zixuniaowu/cccc/internal/policy"
)

// Request is one pending handoff from sender to receiver, mirroring spec
// §3's in-memory handoff-record model ({sender, receiver, payload, mid,
// hash, ts, attempts, require_mid}); mid/hash/ts/attempts live on the
// engine's inflightRecord once the request is actually delivered, since
// they don't exist until a write happens.
type Request struct {
	Sender   string
	Receiver string
	Body     string
	Suffix   string // appended inside the envelope (e.g. nudge/aux suffix)
	Role     envelope.Role

	// RequireMid narrows NotifyProgress's implicit-ack rule: when set, only
	// a receiver output that archives this exact mid clears the in-flight
	// slot, instead of any observable output counting as an ack (spec §9
	// Open Question 2, §4.4's ack-matching).
	RequireMid bool
}

// maxQueueDepth bounds the per-receiver backlog; beyond this the oldest
// queued request is dropped to apply backpressure (spec §4.4 "backpressure").
const maxQueueDepth = 50

// inflightRecord is the live state of the single in-flight handoff a
// receiver may hold (spec §3's record model less payload/sender, which
// live on the embedded Request).
type inflightRecord struct {
	req      Request
	mid      string
	hash     string
	since    time.Time
	attempts int
}

// Engine owns the handoff queues, dedupe state, in-flight slots, and pause
// flags for both peers. At most one handoff is in-flight per receiver at a
// time (spec §4.4 "at most one in-flight per receiver"); additional sends
// while one is outstanding are queued and drained on the next progress
// signal (spec §4.4 "Queue drain").
type Engine struct {
	mu       sync.Mutex
	queues   map[string][]Request       // keyed by receiver
	inflight map[string]*inflightRecord // keyed by receiver
	paused   map[string]bool
	lastHash map[string]hashRecord // keyed by "sender->receiver"

	// delivered/deliveredReported track the cumulative count of genuinely
	// delivered (written-to-inbox, non-paused) handoffs per receiver, used
	// by the self-check K/N cadence (spec §4.7). Queued, dropped, deduped,
	// and paused sends never increment this, matching the original's
	// _maybe_selfcheck_multi being reached only past every early return in
	// send_handoff.
	delivered         map[string]int
	deliveredReported map[string]int

	boxes   map[string]*mailbox.Store
	ledger  *ledger.Ledger
	filter  *policy.State
	nudges  *nudge.Engine
	cfgFunc func() settings.PoliciesConfig
}

type hashRecord struct {
	hash string
	at   time.Time
}

// New constructs a handoff Engine wired to the given mailboxes (keyed by
// peer name), ledger, anti-loop filter state, and nudge engine.
func New(boxes map[string]*mailbox.Store, led *ledger.Ledger, filter *policy.State, nudges *nudge.Engine, cfgFunc func() settings.PoliciesConfig) *Engine {
	return &Engine{
		queues:            make(map[string][]Request),
		inflight:          make(map[string]*inflightRecord),
		paused:            make(map[string]bool),
		lastHash:          make(map[string]hashRecord),
		delivered:         make(map[string]int),
		deliveredReported: make(map[string]int),
		boxes:             boxes,
		ledger:            led,
		filter:            filter,
		nudges:            nudges,
		cfgFunc:           cfgFunc,
	}
}

// Pause marks receiver as paused. Later deliveries to it are still written
// to its inbox but skip the nudge reset and the delivered-count bump, and
// its queued requests are not drained until Resume (spec §4.4 "pause
// semantics").
func (e *Engine) Pause(receiver string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused[receiver] = true
	e.ledger.Append(events.New(events.KindHandoffPaused, events.SourceSystem, map[string]any{
		"receiver": receiver,
	}))
}

// Resume clears receiver's paused flag and calls Drain, which starts at most
// one queued request.
func (e *Engine) Resume(receiver string) {
	e.mu.Lock()
	e.paused[receiver] = false
	e.mu.Unlock()
	e.Drain(receiver)
}

// IsPaused reports whether receiver is currently paused.
func (e *Engine) IsPaused(receiver string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[receiver]
}

// IsInflight reports whether receiver currently holds the single in-flight
// slot awaiting an ack, used by C9's idle gate (spec §4.9 condition 5, "no
// outstanding handoff").
func (e *Engine) IsInflight(receiver string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[receiver] != nil
}

// QueueDepth reports how many requests are currently queued for receiver
// behind an in-flight send, used by the /queue and /status bridge commands.
func (e *Engine) QueueDepth(receiver string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues[receiver])
}

// DeliveredSinceReset returns receiver's cumulative delivered-handoff count
// and whether it changed since the last call, used by the self-check
// scheduler's K-cadence (spec §4.7): MaybeInject must see the counter
// exactly once per increment, not on every tick that polls it. Unlike a
// plain send count, this only reflects handoffs that actually reached
// inbox/ while the receiver was not paused.
func (e *Engine) DeliveredSinceReset(receiver string) (count int, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	count = e.delivered[receiver]
	changed = count != e.deliveredReported[receiver]
	e.deliveredReported[receiver] = count
	return count, changed
}

// Send is the send_handoff entry point (spec §4.4): validates body is
// non-empty after stripping wrapper syntax, applies the anti-loop filter,
// applies duplicate de-bounce, then writes the inbox file and (unless the
// receiver is paused) triggers a nudge.
func (e *Engine) Send(req Request) {
	e.mu.Lock()
	if e.inflight[req.Receiver] != nil {
		e.mu.Unlock()
		e.enqueue(req)
		return
	}
	e.mu.Unlock()

	e.runPipeline(req)
}

// runPipeline applies steps 2-7 of send_handoff (spec §4.4): empty-body
// guard, anti-loop filter, duplicate de-bounce, then write+nudge. Callers
// (Send, Drain) are responsible for the in-flight backpressure check (step
// 1) before reaching here.
func (e *Engine) runPipeline(req Request) {
	stripped := envelope.StripForEmptyCheck(req.Body)
	if stripped == "" {
		e.ledger.Append(events.New(events.KindHandoffDrop, sourceFor(req.Sender), map[string]any{
			"reason":   "empty-body",
			"sender":   req.Sender,
			"receiver": req.Receiver,
		}))
		return
	}

	e.scheduleKeepalive(req.Sender)

	cfg := e.cfgFunc()
	if !e.filter.ShouldForward(stripped, req.Sender, req.Receiver, cfg.HandoffFilter, nil) {
		e.ledger.Append(events.New(events.KindHandoffDrop, sourceFor(req.Sender), map[string]any{
			"reason":   "anti-loop-filter",
			"sender":   req.Sender,
			"receiver": req.Receiver,
		}))
		return
	}

	if e.isDuplicate(req, stripped, cfg.Handoff.DuplicateWindowSeconds) {
		e.ledger.Append(events.New(events.KindHandoffDuplicateDrop, sourceFor(req.Sender), map[string]any{
			"sender":   req.Sender,
			"receiver": req.Receiver,
		}))
		return
	}

	// Pause only suppresses the nudge that normally follows delivery, and
	// the self-check delivered-count (below); the message itself is always
	// written to inbox/ (spec §8 "pause invariance").
	e.mu.Lock()
	paused := e.paused[req.Receiver]
	e.mu.Unlock()

	e.deliver(req, stripped, !paused)
}

// scheduleKeepalive resets sender's own nudge progress clock whenever it
// produces a non-empty handoff (spec §4.5 supplemented feature, grounded on
// handoff.py's "Schedule keepalive on progress lines": a peer actively
// handing off work is, by definition, not stalled, so it shouldn't be
// nudged as if it were). Only PeerA/PeerB count — System/User/Foreman
// senders have no nudge cycle of their own to keep alive.
func (e *Engine) scheduleKeepalive(sender string) {
	if e.nudges == nil {
		return
	}
	if sender != "PeerA" && sender != "PeerB" {
		return
	}
	e.nudges.MarkProgress(sender, time.Now())
}

func sourceFor(peer string) events.Source {
	switch peer {
	case "PeerA":
		return events.SourcePeerA
	case "PeerB":
		return events.SourcePeerB
	default:
		return events.SourceSystem
	}
}

func (e *Engine) isDuplicate(req Request, stripped string, windowSeconds float64) bool {
	if windowSeconds <= 0 {
		windowSeconds = 30
	}
	key := req.Sender + "->" + req.Receiver
	h := envelope.Hash(stripped)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.lastHash[key]; ok {
		if prev.hash == h && now.Sub(prev.at).Seconds() < windowSeconds {
			return true
		}
	}
	e.lastHash[key] = hashRecord{hash: h, at: now}
	return false
}

// enqueue appends req to the receiver's backlog, dropping the oldest entry
// once the queue exceeds maxQueueDepth (backpressure, spec §4.4).
func (e *Engine) enqueue(req Request) {
	e.mu.Lock()
	q := e.queues[req.Receiver]
	q = append(q, req)
	dropped := 0
	for len(q) > maxQueueDepth {
		q = q[1:]
		dropped++
	}
	e.queues[req.Receiver] = q
	e.mu.Unlock()

	e.ledger.Append(events.New(events.KindHandoffQueued, sourceFor(req.Sender), map[string]any{
		"sender":   req.Sender,
		"receiver": req.Receiver,
		"depth":    len(q),
		"dropped":  dropped,
	}))
}

// Drain pops at most one queued request for receiver and re-enters the full
// send pipeline for it (spec §4.4 "Queue drain": "the engine pops the next
// queued record and re-enters send_handoff for the same receiver"). It is a
// no-op if receiver is paused, already has an in-flight slot held, or has
// nothing queued; callers invoke it again on every subsequent ack/timeout.
func (e *Engine) Drain(receiver string) {
	e.mu.Lock()
	if e.paused[receiver] || e.inflight[receiver] != nil {
		e.mu.Unlock()
		return
	}
	q := e.queues[receiver]
	if len(q) == 0 {
		e.mu.Unlock()
		return
	}
	req := q[0]
	e.queues[receiver] = q[1:]
	e.mu.Unlock()

	e.runPipeline(req)
}

// deliver writes req into the receiver's mailbox, records the handoff, and
// claims the receiver's in-flight slot until NotifyProgress or CheckTimeouts
// releases it. A write failure re-enqueues req for the next Drain instead of
// losing it (spec §7 category 3, "delivery errors"). notifyDelivered
// suppresses the follow-up nudge and the self-check delivered-count while
// receiver is paused (spec §8 "pause invariance"), but the in-flight slot is
// still claimed — pause gates NUDGE and bookkeeping, not delivery
// serialization.
func (e *Engine) deliver(req Request, stripped string, notifyDelivered bool) bool {
	box, ok := e.boxes[req.Receiver]
	if !ok {
		logger.Errorf("handoff: no mailbox for receiver %s", req.Receiver)
		return false
	}

	mid := uuid.NewString()
	wrapped := envelope.Wrap(req.Role, mid, req.Body, req.Suffix)
	seq, path, err := box.WriteInbox(wrapped, mid)
	if err != nil {
		logger.Errorf("handoff: deliver %s->%s: %v, queued for retry", req.Sender, req.Receiver, err)
		e.ledger.Append(events.New(events.KindHandoff, sourceFor(req.Sender), map[string]any{
			"sender":   req.Sender,
			"receiver": req.Receiver,
			"status":   "failed:" + err.Error(),
		}))
		e.enqueue(req)
		return false
	}

	e.mu.Lock()
	e.inflight[req.Receiver] = &inflightRecord{
		req:   req,
		mid:   mid,
		hash:  envelope.Hash(stripped),
		since: time.Now(),
	}
	if notifyDelivered {
		e.delivered[req.Receiver]++
	}
	e.mu.Unlock()

	e.ledger.Append(events.New(events.KindHandoff, sourceFor(req.Sender), map[string]any{
		"sender":   req.Sender,
		"receiver": req.Receiver,
		"mid":      mid,
		"seq":      seq,
		"path":     path,
	}))

	if e.nudges != nil && notifyDelivered {
		e.nudges.Reset(req.Receiver, time.Now())
	}
	return true
}

// midFromInboxName extracts the mid component out of an "<seq>.<mid>.txt"
// inbox filename, returning "" if name isn't in that shape.
func midFromInboxName(name string) string {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// NotifyProgress releases receiver's in-flight slot on an implicit ack — the
// receiver produced observable to_user/to_peer output (spec §4.5
// "Archival: when the peer confirms reading ... implicitly by producing
// output"). It archives the oldest pending inbox file (the one that was
// in-flight), clears the slot, and drains the next queued request if any.
// When the in-flight record has RequireMid set, only an archived file
// actually carrying that mid counts as the ack (spec §9 Open Question 2);
// any other observable output still resets the nudge's progress clock
// (the peer is clearly alive) but leaves the slot held.
func (e *Engine) NotifyProgress(receiver string, now time.Time) {
	e.mu.Lock()
	rec := e.inflight[receiver]
	e.mu.Unlock()

	acked := true
	if box, ok := e.boxes[receiver]; ok {
		if names := box.ResidualInbox(); len(names) > 0 {
			oldest := names[0]
			if rec != nil && rec.req.RequireMid && midFromInboxName(oldest) != rec.mid {
				acked = false
			} else {
				box.Archive(oldest)
			}
		}
	}

	if acked {
		e.mu.Lock()
		delete(e.inflight, receiver)
		e.mu.Unlock()
	}

	if e.nudges != nil {
		e.nudges.MarkProgress(receiver, now)
	}
	if acked {
		e.Drain(receiver)
	}
}

// CheckTimeouts scans every receiver with an outstanding in-flight handoff
// and, every ackTimeoutSeconds since it was written (or last resent),
// either re-delivers it (rewriting the inbox file under the same mid and
// re-nudging) or, once resendAttempts intermediate attempts are exhausted,
// resolves it: soft-ack if the receiver made any observable progress since
// the original send, else a hard drop (spec §4.4 "Retry and timeout", §8
// scenario 6).
func (e *Engine) CheckTimeouts(now time.Time, ackTimeoutSeconds float64, resendAttempts int) {
	if ackTimeoutSeconds <= 0 {
		ackTimeoutSeconds = 60
	}
	if resendAttempts < 0 {
		resendAttempts = 2
	}

	type boundary struct {
		receiver string
		rec      *inflightRecord
		resolve  bool
	}

	e.mu.Lock()
	var due []boundary
	for receiver, rec := range e.inflight {
		elapsedWindows := int(now.Sub(rec.since).Seconds() / ackTimeoutSeconds)
		if elapsedWindows <= rec.attempts {
			continue
		}
		rec.attempts++
		due = append(due, boundary{receiver: receiver, rec: rec, resolve: rec.attempts > resendAttempts})
	}
	e.mu.Unlock()

	for _, d := range due {
		if !d.resolve {
			e.resend(d.receiver, d.rec)
			continue
		}

		e.mu.Lock()
		if e.inflight[d.receiver] == d.rec {
			delete(e.inflight, d.receiver)
		}
		e.mu.Unlock()

		madeProgress := e.nudges != nil && e.nudges.LastProgressAfter(d.receiver, d.rec.since)
		kind := events.KindHandoffTimeoutDrop
		if madeProgress {
			kind = events.KindHandoffTimeoutSoftAck
		}
		e.ledger.Append(events.New(kind, events.SourceSystem, map[string]any{
			"receiver": d.receiver,
			"mid":      d.rec.mid,
			"attempts": d.rec.attempts - 1,
		}))
		e.Drain(d.receiver)
	}
}

// resend rewrites rec's payload into the receiver's inbox under the same
// mid and re-nudges, the "remaining attempts" branch of spec §4.4's retry
// and timeout rule. A rewrite failure is logged and left for the next
// boundary to retry rather than dropping the record early.
func (e *Engine) resend(receiver string, rec *inflightRecord) {
	box, ok := e.boxes[receiver]
	if !ok {
		return
	}
	wrapped := envelope.Wrap(rec.req.Role, rec.mid, rec.req.Body, rec.req.Suffix)
	path := ""
	for _, name := range box.ResidualInbox() {
		if midFromInboxName(name) == rec.mid {
			path = filepath.Join(box.Dir(), "inbox", name)
			break
		}
	}
	var err error
	if path != "" {
		err = os.WriteFile(path, []byte(wrapped), 0o600)
	} else {
		_, path, err = box.WriteInbox(wrapped, rec.mid)
	}
	if err != nil {
		logger.Warnf("handoff: resend %s->%s (mid %s, attempt %d): %v", rec.req.Sender, receiver, rec.mid, rec.attempts, err)
		return
	}

	e.ledger.Append(events.New(events.KindHandoff, sourceFor(rec.req.Sender), map[string]any{
		"sender":   rec.req.Sender,
		"receiver": receiver,
		"mid":      rec.mid,
		"path":     path,
		"status":   "resent",
		"attempt":  rec.attempts,
	}))

	e.mu.Lock()
	paused := e.paused[receiver]
	e.mu.Unlock()
	if e.nudges != nil && !paused {
		e.nudges.Reset(receiver, time.Now())
	}
}

// String implements fmt.Stringer for debugging/log context.
func (r Request) String() string {
	return fmt.Sprintf("%s->%s(%d bytes)", r.Sender, r.Receiver, len(r.Body))
}
