// Package console wraps readline for the operator CLI: it sets up an
// interruptible stdin, redirects the logger's stdout/stderr onto readline's
// own buffers, and offers pretty-printing for debug dumps, grounded on the
// teacher's pr package.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
	"golang.org/x/term"
)

var (
	rl     *readline.Instance
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	mu     sync.Mutex

	cancelableIn interface{ Close() error }
)

// IsInteractive reports whether stdin is a terminal — readline's history
// and line-editing only make sense against a real TTY; piped/non-TTY stdin
// (CI, scripted input) still works but without raw-mode key handling.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Init sets up readline with a cancelable stdin and redirects Stdout/Stderr
// onto its buffers. Not safe to call twice. When stdin isn't a terminal,
// readline is still used (it degrades to line-buffered reads) but prompt
// coloring and history are skipped since there's no raw mode to restore.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	cfg := &readline.Config{Stdin: cs}
	if !IsInteractive() {
		cfg.DisableAutoSaveHistory = true
	}
	newRl, err := readline.NewEx(cfg)
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline closes the cancelable stdin so a blocked Readline call
// returns io.EOF instead of hanging during shutdown. Idempotent.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt sets the readline prompt string. Init must already have run.
func SetPrompt(prompt string) {
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl returns the active readline instance, or nil before Init.
func Rl() *readline.Instance {
	return rl
}

// Stdout returns the current stdout writer.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr returns the current stderr writer.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

func ErrPrint(a ...any)                 { fmt.Fprint(Stderr(), a...) }
func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP pretty-prints a value to Stdout; useful for dumping ledger events or
// settings while operating the console.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf returns the pretty-printed form of v.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
