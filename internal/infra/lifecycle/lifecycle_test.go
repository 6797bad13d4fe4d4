package lifecycle

import (
	"context"
	"errors"
	"testing"
)

func noopStart(ctx context.Context) (context.Context, error) { return ctx, nil }

func TestStartAllStartsDependenciesBeforeDependents(t *testing.T) {
	var order []string
	record := func(name string) StartFunc {
		return func(ctx context.Context) (context.Context, error) {
			order = append(order, name)
			return ctx, nil
		}
	}

	m := New(nil)
	if err := m.Register("mailbox", "", nil, record("mailbox"), nil); err != nil {
		t.Fatalf("register mailbox: %v", err)
	}
	if err := m.Register("bridge", "", []string{"mailbox"}, record("bridge"), nil); err != nil {
		t.Fatalf("register bridge: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if len(order) != 2 || order[0] != "mailbox" || order[1] != "bridge" {
		t.Fatalf("expected mailbox before bridge, got %v", order)
	}
}

func TestStartAllDetectsDependencyCycle(t *testing.T) {
	m := New(nil)
	if err := m.Register("a", "", []string{"b"}, noopStart, nil); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register("b", "", []string{"a"}, noopStart, nil); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := m.StartAll(); err == nil {
		t.Fatalf("expected a dependency cycle error")
	}
}

func TestStartAllPropagatesStartFailureAndSkipsDependent(t *testing.T) {
	failing := errors.New("boom")
	var dependentStarted bool

	m := New(nil)
	if err := m.Register("broken", "", nil, func(ctx context.Context) (context.Context, error) {
		return nil, failing
	}, nil); err != nil {
		t.Fatalf("register broken: %v", err)
	}
	if err := m.Register("dependent", "", []string{"broken"}, func(ctx context.Context) (context.Context, error) {
		dependentStarted = true
		return ctx, nil
	}, nil); err != nil {
		t.Fatalf("register dependent: %v", err)
	}

	err := m.StartAll()
	if err == nil {
		t.Fatalf("expected StartAll to return a joined error")
	}
	if dependentStarted {
		t.Fatalf("expected the dependent node to never start once its dependency failed")
	}
}

func TestShutdownStopsInReverseStartOrder(t *testing.T) {
	var stopOrder []string
	stopRecorder := func(name string) StopFunc {
		return func(ctx context.Context) error {
			stopOrder = append(stopOrder, name)
			return nil
		}
	}

	m := New(nil)
	if err := m.Register("mailbox", "", nil, noopStart, stopRecorder("mailbox")); err != nil {
		t.Fatalf("register mailbox: %v", err)
	}
	if err := m.Register("bridge", "", []string{"mailbox"}, noopStart, stopRecorder("bridge")); err != nil {
		t.Fatalf("register bridge: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if len(stopOrder) != 2 || stopOrder[0] != "bridge" || stopOrder[1] != "mailbox" {
		t.Fatalf("expected bridge to stop before mailbox, got %v", stopOrder)
	}
}

func TestShutdownJoinsStopErrorsButStopsEveryNode(t *testing.T) {
	stopped := map[string]bool{}
	failing := errors.New("stop failed")

	m := New(nil)
	if err := m.Register("a", "", nil, noopStart, func(ctx context.Context) error {
		stopped["a"] = true
		return failing
	}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register("b", "", []string{"a"}, noopStart, func(ctx context.Context) error {
		stopped["b"] = true
		return nil
	}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	err := m.Shutdown()
	if err == nil {
		t.Fatalf("expected Shutdown to report the failing stop")
	}
	if !stopped["a"] || !stopped["b"] {
		t.Fatalf("expected both nodes to have their stop function invoked, got %v", stopped)
	}
}

func TestRegisterRejectsDuplicateAndReservedRootNames(t *testing.T) {
	m := New(nil)
	if err := m.Register("a", "", nil, noopStart, nil); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.Register("a", "", nil, noopStart, nil); err == nil {
		t.Fatalf("expected a duplicate registration to fail")
	}
	if err := m.Register("root", "", nil, noopStart, nil); err == nil {
		t.Fatalf("expected registering the reserved root name to fail")
	}
}

func TestRegisterDropsSelfReferenceFromDeps(t *testing.T) {
	m := New(nil)
	// "a" listing itself as a dependency must not recurse forever.
	if err := m.Register("a", "", []string{"a"}, noopStart, nil); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := m.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
}
