package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHandoffFilterPolicyIsEnabledDefaultsTrueWhenAbsent(t *testing.T) {
	var p HandoffFilterPolicy
	if !p.IsEnabled() {
		t.Fatalf("expected a nil Enabled pointer to resolve to enabled (spec default)")
	}
}

func TestHandoffFilterPolicyIsEnabledHonorsExplicitFalse(t *testing.T) {
	disabled := false
	p := HandoffFilterPolicy{Enabled: &disabled}
	if p.IsEnabled() {
		t.Fatalf("expected an explicit false to be honored")
	}
}

func TestNewPopulatesDefaultsForEveryStore(t *testing.T) {
	s := New(t.TempDir())
	if s.Policies().Handoff.AckTimeoutSeconds == 0 {
		t.Fatalf("expected New to populate non-zero handoff defaults")
	}
	if s.Foreman().IntervalSeconds == 0 {
		t.Fatalf("expected New to populate non-zero foreman defaults")
	}
	def := defaultBridgeConfig()
	got := s.Telegram()
	if got.Enabled != def.Enabled || got.RequirePrefix != def.RequirePrefix || got.MaxMessageLength != def.MaxMessageLength {
		t.Fatalf("expected Telegram() to return the default bridge config before Load, got %+v want %+v", got, def)
	}
}

func TestLoadLeavesDefaultsInPlaceWhenFilesAreMissing(t *testing.T) {
	s := New(t.TempDir())
	before := s.Policies()
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	after := s.Policies()
	if after.Handoff.AckTimeoutSeconds != before.Handoff.AckTimeoutSeconds ||
		after.Nudge.ResendSeconds != before.Nudge.ResendSeconds ||
		after.SelfCheck.Every != before.SelfCheck.Every ||
		after.AutoCompact.MinMessages != before.AutoCompact.MinMessages ||
		after.MaxPatchLines != before.MaxPatchLines {
		t.Fatalf("expected Load to leave policies untouched when policies.yaml is absent, got %+v want %+v", after, before)
	}
}

func TestLoadMergesPartialYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlContent := "handoff_filter:\n  min_chars: 5\n"
	if err := os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write policies.yaml: %v", err)
	}
	s := New(dir)
	defaultAckTimeout := s.Policies().Handoff.AckTimeoutSeconds

	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := s.Policies()
	if p.HandoffFilter.MinChars != 5 {
		t.Fatalf("expected the overridden field to take effect, got %d", p.HandoffFilter.MinChars)
	}
	if p.Handoff.AckTimeoutSeconds != defaultAckTimeout {
		t.Fatalf("expected an unrelated default to survive a partial override, got %v want %v",
			p.Handoff.AckTimeoutSeconds, defaultAckTimeout)
	}
}

func TestLoadReturnsErrorOnMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte("not: [valid: yaml"), 0o600); err != nil {
		t.Fatalf("write policies.yaml: %v", err)
	}
	s := New(dir)
	if err := s.Load(); err == nil {
		t.Fatalf("expected malformed YAML to return an error")
	}
}
