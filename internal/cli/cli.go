// Package cli is the interactive operator console (the "TUI" spec.md refers
// to by name without mandating a widget toolkit): a readline loop that turns
// typed commands into state/commands.jsonl entries, the same queue the
// bridges and the orchestrator's dispatch table consume (spec §4.8).
package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/zixuniaowu/cccc/internal/commandqueue"
	"github.com/zixuniaowu/cccc/internal/infra/console"
	"github.com/zixuniaowu/cccc/internal/ledger"
)

// Console drives the operator REPL against one orchestrator home directory.
type Console struct {
	home string
	led  *ledger.Ledger
}

// New builds a Console bound to home. led is used for the local "tail"
// built-in; every other command is enqueued for the orchestrator to process.
func New(home string, led *ledger.Ledger) *Console {
	return &Console{home: home, led: led}
}

// InterruptForShutdown unblocks a pending Readline call so the REPL returns
// when the process context is cancelled out-of-band (a signal, not a typed
// "quit").
func (c *Console) InterruptForShutdown() {
	console.InterruptReadline()
}

// Run starts the readline loop and blocks until EOF (Ctrl-D, or
// console.InterruptReadline during shutdown) or the "quit" command is typed.
func (c *Console) Run() error {
	if console.Rl() == nil {
		if err := console.Init(); err != nil {
			return fmt.Errorf("cli: init console: %w", err)
		}
	}
	console.SetPrompt("cccc> ")

	for {
		line, err := console.Rl().Readline()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if done := c.dispatch(line); done {
			return nil
		}
	}
}

// dispatch parses one operator line and either handles it locally (help,
// tail) or enqueues it as a commandqueue.Command with source "tui" so the
// result is echoed back via tui-replies.jsonl. Returns true when the REPL
// should stop (the "quit" command).
func (c *Console) dispatch(line string) bool {
	fields := strings.Fields(line)
	verb := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch verb {
	case "help", "?":
		c.printHelp()
		return false

	case "tail":
		n := 20
		if len(fields) > 1 {
			if v, err := strconv.Atoi(fields[1]); err == nil {
				n = v
			}
		}
		c.printTail(n)
		return false

	case "a", "b", "both", "send":
		c.enqueue(commandqueue.Command{Type: verb, Text: rest})
		return false

	case "pause", "resume":
		c.enqueue(commandqueue.Command{Type: verb, Args: map[string]any{"receiver": rest}})
		return false

	case "sys-refresh", "launch":
		c.enqueue(commandqueue.Command{Type: verb})
		return false

	case "restart":
		c.enqueue(commandqueue.Command{Type: "restart", Args: map[string]any{"peer": rest}})
		return false

	case "inbox_policy":
		c.enqueue(commandqueue.Command{Type: "inbox_policy", Args: map[string]any{"policy": rest}})
		return false

	case "foreman":
		c.enqueue(commandqueue.Command{Type: "foreman", Args: map[string]any{"action": rest}})
		return false

	case "aux":
		c.enqueue(commandqueue.Command{Type: "aux", Args: map[string]any{"prompt": rest}})
		return false

	case "verbose":
		c.enqueue(commandqueue.Command{Type: "verbose", Args: map[string]any{"enabled": rest == "on"}})
		return false

	case "passthru":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			console.ErrPrintln("usage: passthru <peer> <text>")
			return false
		}
		c.enqueue(commandqueue.Command{Type: "passthru", Args: map[string]any{"peer": parts[0]}, Text: parts[1]})
		return false

	case "focus", "review":
		c.enqueue(commandqueue.Command{Type: verb, Args: map[string]any{"receiver": rest}, Text: rest})
		return false

	case "quit", "exit":
		c.enqueue(commandqueue.Command{Type: "quit"})
		return true

	default:
		console.ErrPrintf("unrecognized command %q; type help for the list\n", verb)
		return false
	}
}

func (c *Console) enqueue(cmd commandqueue.Command) {
	cmd.ID = uuid.NewString()
	cmd.Source = "tui"
	if err := commandqueue.Enqueue(c.home, cmd); err != nil {
		console.ErrPrintf("enqueue %s: %v\n", cmd.Type, err)
		return
	}
	console.Printf("queued %s (%s)\n", cmd.Type, cmd.ID)
}

func (c *Console) printTail(n int) {
	evs, err := c.led.Tail(n)
	if err != nil {
		console.ErrPrintf("tail: %v\n", err)
		return
	}
	for _, ev := range evs {
		console.Printf("%d %s %s %s\n", ev.ID, ev.Ts.Format("15:04:05"), ev.Kind, ev.Source)
	}
}

func (c *Console) printHelp() {
	console.Println(`commands:
  a|b|both|send <text>     wrap text as FROM_USER and hand off to the indicated peer(s)
  pause|resume <receiver>  flip the global pause flag
  sys-refresh              inject full SYSTEM to both peers now
  restart <peer>           restart a peer CLI in its pane
  inbox_policy <policy>    resume|discard|archive for residual inboxes
  launch                   start both peer CLIs
  foreman <on|off|status|now>
  aux <prompt>             run the aux CLI synchronously
  verbose <on|off>         toggle peer-to-peer summary fan-out to bridges
  passthru <peer> <text>   raw text to a pane, no wrapping
  focus|review <hint>      request a POR refresh / schedule a review
  tail [n]                 show the last n ledger events (default 20)
  quit                     request orchestrator shutdown`)
}
