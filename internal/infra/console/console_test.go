package console

import (
	"bytes"
	"strings"
	"testing"
)

// redirect swaps the package-level stdout/stderr writers for the duration of
// a test without going through Init, which would attach readline to the
// real os.Stdin.
func redirect(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()
	mu.Lock()
	prevOut, prevErr := out, errOut
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	out, errOut = stdout, stderr
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		out, errOut = prevOut, prevErr
		mu.Unlock()
	})
	return stdout, stderr
}

func TestPrintFamilyWritesToStdout(t *testing.T) {
	stdout, stderr := redirect(t)

	Print("a")
	Println("b")
	Printf("%s-%d", "c", 3)

	got := stdout.String()
	if !strings.Contains(got, "a") || !strings.Contains(got, "b") || !strings.Contains(got, "c-3") {
		t.Fatalf("expected all Print variants to land on stdout, got %q", got)
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected stderr to stay empty, got %q", stderr.String())
	}
}

func TestErrPrintFamilyWritesToStderr(t *testing.T) {
	stdout, stderr := redirect(t)

	ErrPrint("x")
	ErrPrintln("y")
	ErrPrintf("%s-%d", "z", 9)

	got := stderr.String()
	if !strings.Contains(got, "x") || !strings.Contains(got, "y") || !strings.Contains(got, "z-9") {
		t.Fatalf("expected all ErrPrint variants to land on stderr, got %q", got)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected stdout to stay empty, got %q", stdout.String())
	}
}

func TestStdoutAndStderrReturnCurrentWriters(t *testing.T) {
	stdout, stderr := redirect(t)
	if Stdout() != stdout {
		t.Fatalf("expected Stdout() to return the redirected writer")
	}
	if Stderr() != stderr {
		t.Fatalf("expected Stderr() to return the redirected writer")
	}
}

func TestPPWritesPrettyPrintedValueToStdout(t *testing.T) {
	stdout, _ := redirect(t)
	type sample struct{ Name string }
	PP(sample{Name: "alice"})
	if !strings.Contains(stdout.String(), "alice") {
		t.Fatalf("expected PP to render the value's fields, got %q", stdout.String())
	}
}

func TestPfReturnsPrettyPrintedStringWithoutWriting(t *testing.T) {
	stdout, _ := redirect(t)
	type sample struct{ Name string }
	got := Pf(sample{Name: "bob"})
	if !strings.Contains(got, "bob") {
		t.Fatalf("expected Pf to render the value's fields, got %q", got)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected Pf to not write to stdout, got %q", stdout.String())
	}
}

func TestInterruptReadlineIsSafeBeforeInit(t *testing.T) {
	// cancelableIn is nil before Init ever runs; this must not panic.
	InterruptReadline()
}

func TestSetPromptIsSafeBeforeInit(t *testing.T) {
	// rl is nil before Init ever runs; this must not panic.
	SetPrompt("> ")
}

func TestRlReturnsNilBeforeInit(t *testing.T) {
	if Rl() != nil {
		t.Fatalf("expected Rl() to be nil before Init runs (unless an earlier test called Init)")
	}
}
