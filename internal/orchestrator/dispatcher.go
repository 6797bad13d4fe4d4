package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/zixuniaowu/cccc/internal/commandqueue"
	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/handoff"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/nudge"
)

// pauseTargets returns the receiver(s) a pause/resume command applies to: a
// single peer if cmd.Args.receiver names one, otherwise both (spec §4.8).
func (o *Orchestrator) pauseTargets(cmd commandqueue.Command) []string {
	if receiver, _ := cmd.Args["receiver"].(string); receiver != "" {
		return []string{receiver}
	}
	return []string{"PeerA", "PeerB"}
}

// QuitRequested reports whether a "quit" command has been processed; the
// caller's main loop polls this to decide when to stop (spec §4.8 command
// table).
func (o *Orchestrator) QuitRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.quitRequested
}

// dispatchCommand implements the shared command table (spec §4.8): routing
// handoffs to one or both peers, pause/resume, self-check/system-refresh
// triggers, pane restarts, inbox policy changes, foreman on-demand runs, aux
// toggles, verbose toggles, raw passthrough, and operator focus/review
// requests. Unknown command types fail soft with a result message rather
// than crashing the queue drain.
func (o *Orchestrator) dispatchCommand(cmd commandqueue.Command) commandqueue.Result {
	switch cmd.Type {
	case "a", "send-a":
		return o.sendToPeer("PeerA", cmd)
	case "b", "send-b":
		return o.sendToPeer("PeerB", cmd)
	case "both", "send":
		o.sendToPeer("PeerA", cmd)
		o.sendToPeer("PeerB", cmd)
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "sent to both peers"}

	case "pause":
		// Global by default (spec §4.8 "pause/resume: Flip the global
		// paused flag"); a receiver arg narrows it to one peer.
		o.mu.Lock()
		o.paused = true
		o.mu.Unlock()
		for _, receiver := range o.pauseTargets(cmd) {
			o.hoff.Pause(receiver)
		}
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "paused"}

	case "resume":
		o.mu.Lock()
		o.paused = false
		o.mu.Unlock()
		for _, receiver := range o.pauseTargets(cmd) {
			o.hoff.Resume(receiver)
			// re-nudge any peer with a non-empty inbox (spec §8 scenario 2).
			if o.boxes[receiver].InboxCount() > 0 {
				headline := o.boxes[receiver].OldestInboxHeadline(200)
				text := nudge.Compose(receiver, headline, true, headline != "")
				_ = o.nudges.Send(receiver, time.Now(), o.set.Policies().Nudge, text, o.boxes[receiver].InboxCount())
			}
		}
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "resumed"}

	case "sys-refresh":
		for _, peer := range []string{"PeerA", "PeerB"} {
			o.sched.MaybeInject(peer, o.set.Policies().SelfCheck.Every*o.set.Policies().SelfCheck.SystemRefreshEvery)
		}
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "system refresh queued"}

	case "restart":
		peer, _ := cmd.Args["peer"].(string)
		pane, ok := o.panes[peer]
		if !ok {
			return commandqueue.Result{ID: cmd.ID, OK: false, Message: "unknown peer " + peer}
		}
		if err := pane.Respawn(context.Background()); err != nil {
			return commandqueue.Result{ID: cmd.ID, OK: false, Message: err.Error()}
		}
		o.led.Append(events.New(events.KindRestart, events.SourceSystem, map[string]any{"peer": peer}))
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "restarted " + peer}

	case "inbox_policy":
		// residual-inbox policy is applied at startup only; runtime changes
		// are recorded to the ledger for operator visibility.
		policy, _ := cmd.Args["policy"].(string)
		o.led.Append(events.New(events.KindInboxPolicy, events.SourceSystem, map[string]any{"policy": policy}))
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "inbox policy noted: " + policy}

	case "launch":
		for peer, pane := range o.panes {
			if err := pane.Respawn(context.Background()); err != nil {
				logger.Warnf("orchestrator: launch %s: %v", peer, err)
			}
		}
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "launched both peers"}

	case "quit":
		o.mu.Lock()
		o.quitRequested = true
		o.mu.Unlock()
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "shutdown requested"}

	case "foreman":
		fc := o.set.Foreman()
		binding := o.set.Agents().Actors[fc.Actor]
		peerRole := map[string]envelope.Role{"PeerA": envelope.RolePeerA, "PeerB": envelope.RolePeerB}
		go o.fore.Run(context.Background(), fc, binding, peerRole)
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "foreman run triggered"}

	case "aux":
		o.led.Append(events.New(events.KindAuxToggle, events.SourceSystem, cmd.Args))
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "aux setting recorded"}

	case "verbose":
		enabled, _ := cmd.Args["enabled"].(bool)
		o.scan.SetVerbose(enabled)
		o.mu.Lock()
		o.verbose = enabled
		o.mu.Unlock()
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: fmt.Sprintf("verbose=%v", enabled)}

	case "passthru":
		peer, _ := cmd.Args["peer"].(string)
		pane, ok := o.panes[peer]
		if !ok {
			return commandqueue.Result{ID: cmd.ID, OK: false, Message: "unknown peer " + peer}
		}
		if err := pane.PasteWhenReady(context.Background(), cmd.Text); err != nil {
			return commandqueue.Result{ID: cmd.ID, OK: false, Message: err.Error()}
		}
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: "passthru delivered to " + peer}

	case "focus", "review":
		// operator-directed attention hints: relayed as a FROM_USER handoff
		// so the targeted peer sees them inline with normal traffic.
		receiver, _ := cmd.Args["receiver"].(string)
		if receiver == "" {
			receiver = "PeerA"
		}
		role := envelope.RolePeerA
		if receiver == "PeerB" {
			role = envelope.RolePeerB
		}
		o.hoff.Send(handoff.Request{Sender: "User", Receiver: receiver, Body: cmd.Text, Role: role})
		return commandqueue.Result{ID: cmd.ID, OK: true, Message: cmd.Type + " relayed to " + receiver}

	default:
		return commandqueue.Result{ID: cmd.ID, OK: false, Message: "unknown command type: " + cmd.Type}
	}
}

func (o *Orchestrator) sendToPeer(peer string, cmd commandqueue.Command) commandqueue.Result {
	o.hoff.Send(handoff.Request{Sender: "User", Receiver: peer, Body: cmd.Text, Role: envelope.RoleUser})
	return commandqueue.Result{ID: cmd.ID, OK: true, Message: "sent to " + peer}
}
