// Package scanner implements C6: it drains each peer's well-known output
// files (to_user.md, to_peer.md, patch.diff), routes to_user content to the
// outbox, forwards to_peer content through the handoff engine after
// enforcing the trailing insight-block rule, and gates patches, grounded on
// spec §4.6.
package scanner

import (
	"regexp"
	"strings"
	"time"

	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/handoff"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/mailbox"
	"github.com/zixuniaowu/cccc/internal/nudge"
	"github.com/zixuniaowu/cccc/internal/outbox"
	"github.com/zixuniaowu/cccc/internal/patch"
)

// PeerLink pairs a peer's mailbox with the name of its counterpart, so the
// scanner knows where to route to_peer content.
type PeerLink struct {
	Name string
	Peer string // counterpart name
	Role envelope.Role
	Box  *mailbox.Store
}

// Scanner owns the per-tick scan of every configured peer mailbox.
type Scanner struct {
	peers   []PeerLink
	led     *ledger.Ledger
	out     *outbox.Stream
	hoff    *handoff.Engine
	nudges  *nudge.Engine
	applier *patch.Applier
	cfgFunc func() settings.PoliciesConfig

	verbose bool
}

// New builds a Scanner over the given peer links.
func New(peers []PeerLink, led *ledger.Ledger, out *outbox.Stream, hoff *handoff.Engine, nudges *nudge.Engine, applier *patch.Applier, cfgFunc func() settings.PoliciesConfig) *Scanner {
	return &Scanner{
		peers:   peers,
		led:     led,
		out:     out,
		hoff:    hoff,
		nudges:  nudges,
		applier: applier,
		cfgFunc: cfgFunc,
	}
}

// SetVerbose toggles whether to_peer traffic also emits a to_peer_summary
// outbox event (spec §4.6).
func (s *Scanner) SetVerbose(v bool) { s.verbose = v }

// Tick scans every peer's well-known files once.
func (s *Scanner) Tick(now time.Time) {
	for _, link := range s.peers {
		result := link.Box.Scan(now, s.led.NextID)
		if result.HasToUser {
			s.handleToUser(link, result.ToUser, now)
		}
		if result.HasToPeer {
			s.handleToPeer(link, result.ToPeer, now)
		}
		if result.HasPatch {
			s.handlePatch(link, result.Patch)
		}
	}
}

func (s *Scanner) handleToUser(link PeerLink, text string, now time.Time) {
	body, ok := envelope.ExtractToUser(text)
	if !ok {
		body = text
	}
	s.out.AppendToUser(link.Name, body)
	s.led.Append(events.New(events.KindToUser, sourceForPeer(link.Name), map[string]any{
		"peer": link.Name,
		"text": body,
	}))
	s.hoff.NotifyProgress(link.Name, now)
	extractStructuredEvents(s.led, link.Name, body)
}

func (s *Scanner) handleToPeer(link PeerLink, text string, now time.Time) {
	body, hasInsight, ok := envelope.ExtractToPeer(text)
	if !ok {
		body = text
	}
	if !hasInsight {
		// Teach-message: reply with a system tip, do not forward
		// (spec §4.6, §4.7 "trailing insight block").
		tip := "<FROM_SYSTEM>\n[MID: system]\nYour <TO_PEER> message is missing the trailing ```insight``` block. " +
			"Append one fenced ```insight ... ``` block summarizing what changed before handing off.\n</FROM_SYSTEM>\n"
		if err := link.Box.WriteInboxMirror(tip); err != nil {
			logger.Warnf("scanner: write teach-message for %s: %v", link.Name, err)
		}
		s.led.Append(events.New(events.KindHandoffDrop, sourceForPeer(link.Name), map[string]any{
			"reason": "missing-insight-block",
			"sender": link.Name,
		}))
		return
	}

	s.hoff.Send(handoff.Request{
		Sender:   link.Name,
		Receiver: link.Peer,
		Body:     body,
		Role:     link.Role,
	})

	if s.verbose {
		s.out.AppendToPeerSummary(link.Name, body)
	}
	s.hoff.NotifyProgress(link.Name, now)
	extractStructuredEvents(s.led, link.Name, body)
}

func (s *Scanner) handlePatch(link PeerLink, raw string) {
	if s.applier == nil {
		return
	}
	cfg := s.cfgFunc()
	result := s.applier.Apply(raw, cfg.ProtectedPaths, cfg.MaxPatchLines, cfg.RFD.LargeDiffRequiresRFD)
	if result.Accepted {
		s.led.Append(events.New(events.KindPatchCommit, sourceForPeer(link.Name), map[string]any{
			"peer":  link.Name,
			"files": result.Files,
			"lines": result.Lines,
		}))
	} else {
		s.led.Append(events.New(events.KindPatchReject, sourceForPeer(link.Name), map[string]any{
			"peer":   link.Name,
			"reason": result.Reason,
		}))
	}
}

func sourceForPeer(peer string) events.Source {
	switch peer {
	case "PeerA":
		return events.SourcePeerA
	case "PeerB":
		return events.SourcePeerB
	default:
		return events.SourceSystem
	}
}

var structuredLineRe = regexp.MustCompile(`(?m)^(Item|Progress|Evidence|Ask|Counter|Risk|Next)\(([^)]*)\):\s*(.*)$`)

// extractStructuredEvents parses Item/Progress/Evidence/Ask/Counter/Risk/Next
// lines out of a to_user or to_peer body and emits one ledger entry per
// recognized line. Unrecognized keys and malformed parameter lists are
// silently skipped, never errored (spec §4.6).
func extractStructuredEvents(led *ledger.Ledger, peer, body string) {
	var currentItem string
	for _, m := range structuredLineRe.FindAllStringSubmatch(body, -1) {
		key, params, value := m[1], strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
		tag := params
		if key == "Item" {
			currentItem = params
			if tag == "" {
				tag = currentItem
			}
		}
		if tag == "" {
			tag = currentItem
		}
		led.Append(events.New(events.Kind("event-"+strings.ToLower(key)), sourceForPeer(peer), map[string]any{
			"peer":  peer,
			"tag":   tag,
			"value": value,
		}))
	}
}
