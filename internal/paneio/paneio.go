// Package paneio drives a peer CLI actor's interactive terminal session
// through tmux, grounded on the generation-counted, mutex-protected process
// wrapper pattern from the example pack's subprocess managers (long-running
// CLI session handles guarded by a mutex plus a generation counter so a
// stale respawn's cleanup never clobbers a newer session).
package paneio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Pane owns one tmux session driving a single peer actor's CLI.
type Pane struct {
	mu         sync.Mutex
	session    string // tmux session name, e.g. "cccc-PeerA"
	command    string
	args       []string
	workDir    string
	env        []string
	generation int
	started    bool
}

// New creates a Pane bound to a tmux session name; Respawn actually starts
// the underlying process.
func New(session, command string, args []string, workDir string, env []string) *Pane {
	return &Pane{session: session, command: command, args: args, workDir: workDir, env: env}
}

func (p *Pane) tmux(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func (p *Pane) exists(ctx context.Context) bool {
	_, err := p.tmux(ctx, "has-session", "-t", p.session)
	return err == nil
}

// Respawn starts (or restarts) the tmux session running command, preserving
// the peer's mailbox/inbox state since paneio never touches the filesystem
// (spec §4.8 "restart: preserves inbox"). A stale generation's async
// cleanup is discarded if a newer Respawn has already run.
func (p *Pane) Respawn(ctx context.Context) error {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	if p.exists(ctx) {
		if _, err := p.tmux(ctx, "kill-session", "-t", p.session); err != nil {
			return fmt.Errorf("paneio: kill stale session %s: %w", p.session, err)
		}
	}

	cmdline := strings.Join(append([]string{p.command}, p.args...), " ")
	createArgs := []string{"new-session", "-d", "-s", p.session, "-c", p.workDir, cmdline}
	if _, err := p.tmux(ctx, createArgs...); err != nil {
		return fmt.Errorf("paneio: spawn session %s: %w", p.session, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		// a newer Respawn raced past us; leave its session alone
		return nil
	}
	p.started = true
	return nil
}

// PasteWhenReady sends text into the pane's stdin once the session exists,
// retrying briefly if the session is still starting (spec §9 "pane I/O
// capability").
func (p *Pane) PasteWhenReady(ctx context.Context, text string) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if p.exists(ctx) {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("paneio: session %s never became ready", p.session)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// tmux send-keys treats the payload as literal text (-l) so envelope
	// wrapper tags are never interpreted as tmux key names.
	if _, err := p.tmux(ctx, "send-keys", "-t", p.session, "-l", text); err != nil {
		return fmt.Errorf("paneio: paste into %s: %w", p.session, err)
	}
	if _, err := p.tmux(ctx, "send-keys", "-t", p.session, "Enter"); err != nil {
		return fmt.Errorf("paneio: submit in %s: %w", p.session, err)
	}
	return nil
}

// SendKeystroke submits a single named key (e.g. "Enter"), used by the
// auto-compact supervisor's extra confirmation keystroke (spec §4.9).
func (p *Pane) SendKeystroke(ctx context.Context, key string) error {
	_, err := p.tmux(ctx, "send-keys", "-t", p.session, key)
	return err
}

// Capture returns the last n lines of the pane's visible output.
func (p *Pane) Capture(ctx context.Context, lines int) (string, error) {
	out, err := p.tmux(ctx, "capture-pane", "-t", p.session, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("paneio: capture %s: %w", p.session, err)
	}
	return string(out), nil
}

// Running reports whether the tmux session is alive.
func (p *Pane) Running(ctx context.Context) bool {
	return p.exists(ctx)
}

// Kill terminates the tmux session.
func (p *Pane) Kill(ctx context.Context) error {
	if !p.exists(ctx) {
		return nil
	}
	_, err := p.tmux(ctx, "kill-session", "-t", p.session)
	return err
}
