// Package foreman implements C10: the optional autonomous user-proxy that
// periodically spawns an aux actor with a composed prompt and relays its
// output as a <FROM_USER> handoff, grounded on the original foreman.py and
// the teacher's subprocess supervision patterns.
package foreman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/handoff"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/mailbox"
)

// heartbeatInterval is how often a running foreman run refreshes
// state/foreman.json (spec §4.10).
const heartbeatInterval = 10 * time.Second

type heartbeat struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastBeat  time.Time `json:"last_beat,omitempty"`
	LastRunOK bool      `json:"last_run_ok"`
	LastError string    `json:"last_error,omitempty"`
}

// Foreman owns the periodic spawn/relay cycle.
type Foreman struct {
	home string
	box  *mailbox.Store // mailbox/foreman
	hoff *handoff.Engine
	led  *ledger.Ledger

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// New builds a Foreman wired to the foreman mailbox and handoff engine.
func New(home string, box *mailbox.Store, hoff *handoff.Engine, led *ledger.Ledger) *Foreman {
	return &Foreman{home: home, box: box, hoff: hoff, led: led}
}

// Due reports whether IntervalSeconds has elapsed since the last run.
func (f *Foreman) Due(now time.Time, cfg settings.ForemanConfig) bool {
	if !cfg.Enabled {
		return false
	}
	interval := cfg.IntervalSeconds
	if interval <= 0 {
		interval = 3600
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return false
	}
	return f.lastRun.IsZero() || now.Sub(f.lastRun).Seconds() >= interval
}

// Run spawns the configured actor synchronously (bounded by MaxRunSeconds),
// then relays any produced to_peer output as a <FROM_USER> handoff to the
// indicated receivers (spec §4.10).
func (f *Foreman) Run(ctx context.Context, cfg settings.ForemanConfig, binding settings.ActorBinding, peerRole map[string]envelope.Role) {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running = false
		f.lastRun = time.Now()
		f.mu.Unlock()
	}()

	maxRun := cfg.MaxRunSeconds
	if maxRun <= 0 {
		maxRun = 600
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(maxRun)*time.Second)

	f.writeHeartbeat(heartbeat{Running: true, StartedAt: time.Now(), LastBeat: time.Now()})
	stopHeartbeat := f.startHeartbeatLoop(runCtx)
	defer stopHeartbeat()
	defer cancel()

	prompt := f.composePrompt(cfg)

	if len(binding.Args) == 0 && binding.Command == "" {
		f.fail("no-actor-command")
		return
	}
	cmd := exec.CommandContext(runCtx, binding.Command, binding.Args...)
	cmd.Dir = f.home
	cmd.Stdin = strings.NewReader(prompt)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		f.fail("timeout")
		return
	}
	if err != nil {
		f.fail(fmt.Sprintf("exit-error: %v: %s", err, stderr.String()))
		f.led.Append(events.New(events.KindForemanRun, events.SourceForeman, map[string]any{
			"status": "failed", "error": err.Error(),
		}))
		return
	}

	f.relay(peerRole)
	f.writeHeartbeat(heartbeat{Running: false, LastBeat: time.Now(), LastRunOK: true})
	f.led.Append(events.New(events.KindForemanRun, events.SourceForeman, map[string]any{"status": "ok"}))
}

func (f *Foreman) composePrompt(cfg settings.ForemanConfig) string {
	var sb strings.Builder
	sb.WriteString("You are the autonomous user proxy. Act on the current task list.\n")
	if cfg.TaskFile != "" {
		sb.WriteString("Task file: " + cfg.TaskFile + "\n")
	}
	sb.WriteString(fmt.Sprintf("Write your output to mailbox/foreman/to_peer.md with a \"To: %s\" header and a <TO_PEER> wrapper.\n", cfg.DefaultTarget))
	return sb.String()
}

// relay reads mailbox/foreman/to_peer.md, extracts the To: header and
// <TO_PEER> body, and forwards it as a <FROM_USER> handoff to the indicated
// receivers, then sentinels the file (spec §4.10).
func (f *Foreman) relay(peerRole map[string]envelope.Role) {
	scan := f.box.Scan(time.Now(), nil)
	if !scan.HasToPeer {
		f.fail("no-output")
		return
	}
	body, _, ok := envelope.ExtractToPeer(scan.ToPeer)
	if !ok {
		body = scan.ToPeer
	}

	target, body := splitToHeader(body)
	receivers := resolveTarget(target, peerRole)
	for _, r := range receivers {
		f.hoff.Send(handoff.Request{
			Sender:   "Foreman",
			Receiver: r,
			Body:     body,
			Role:     envelope.RoleUser, // foreman speaks in the user's voice
		})
	}
}

func splitToHeader(body string) (target, rest string) {
	lines := strings.SplitN(body, "\n", 2)
	if len(lines) == 2 && strings.HasPrefix(strings.TrimSpace(lines[0]), "To:") {
		target = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[0]), "To:"))
		return target, lines[1]
	}
	return "Both", body
}

func resolveTarget(target string, peerRole map[string]envelope.Role) []string {
	switch target {
	case "PeerA", "PeerB":
		return []string{target}
	default:
		var all []string
		for peer := range peerRole {
			all = append(all, peer)
		}
		return all
	}
}

func (f *Foreman) fail(reason string) {
	logger.Warnf("foreman: run failed: %s", reason)
	f.writeHeartbeat(heartbeat{Running: false, LastBeat: time.Now(), LastRunOK: false, LastError: reason})
}

func (f *Foreman) startHeartbeatLoop(ctx context.Context) func() {
	ticker := time.NewTicker(heartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-ticker.C:
				f.writeHeartbeat(heartbeat{Running: true, LastBeat: time.Now()})
			}
		}
	}()
	return func() { <-done }
}

func (f *Foreman) writeHeartbeat(hb heartbeat) {
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	path := filepath.Join(f.home, "state", "foreman.json")
	if err := storage.AtomicWriteFile(path, data); err != nil {
		logger.Warnf("foreman: write heartbeat: %v", err)
	}
}
