package config

import "testing"

func TestSanitizeLogLevelPassesThroughRecognizedValues(t *testing.T) {
	var warnings []string
	for _, v := range []string{"debug", "info", "warn", "error"} {
		if got := sanitizeLogLevel(v, &warnings); got != v {
			t.Fatalf("expected %q to pass through unchanged, got %q", v, got)
		}
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings for recognized levels, got %v", warnings)
	}
}

func TestSanitizeLogLevelDefaultsOnEmptyWithoutWarning(t *testing.T) {
	var warnings []string
	if got := sanitizeLogLevel("", &warnings); got != "info" {
		t.Fatalf("expected empty input to default to info, got %q", got)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected an empty value to not warn, got %v", warnings)
	}
}

func TestSanitizeLogLevelWarnsAndDefaultsOnGarbage(t *testing.T) {
	var warnings []string
	got := sanitizeLogLevel("SUPER-VERBOSE", &warnings)
	if got != "info" {
		t.Fatalf("expected an unrecognized level to default to info, got %q", got)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
}

func TestSanitizeLogLevelIsCaseInsensitive(t *testing.T) {
	var warnings []string
	if got := sanitizeLogLevel("DEBUG", &warnings); got != "debug" {
		t.Fatalf("expected case-insensitive matching, got %q", got)
	}
}

func TestParseIntDefaultUsesFallbackWhenUnset(t *testing.T) {
	var warnings []string
	got := parseIntDefault("CCCC_TEST_UNSET_VAR_XYZ", 42, greaterThanZero, &warnings)
	if got != 42 || len(warnings) != 0 {
		t.Fatalf("expected fallback 42 with no warning, got %d warnings=%v", got, warnings)
	}
}

func TestParseIntDefaultWarnsOnNonNumeric(t *testing.T) {
	t.Setenv("CCCC_TEST_VAR", "not-a-number")
	var warnings []string
	got := parseIntDefault("CCCC_TEST_VAR", 7, greaterThanZero, &warnings)
	if got != 7 {
		t.Fatalf("expected fallback 7 on parse failure, got %d", got)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
}

func TestParseIntDefaultWarnsWhenValidatorRejects(t *testing.T) {
	t.Setenv("CCCC_TEST_VAR", "-5")
	var warnings []string
	got := parseIntDefault("CCCC_TEST_VAR", 7, greaterThanZero, &warnings)
	if got != 7 {
		t.Fatalf("expected fallback 7 when the value fails validation, got %d", got)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
}

func TestParseIntDefaultAcceptsValidOverride(t *testing.T) {
	t.Setenv("CCCC_TEST_VAR", "99")
	var warnings []string
	got := parseIntDefault("CCCC_TEST_VAR", 7, greaterThanZero, &warnings)
	if got != 99 || len(warnings) != 0 {
		t.Fatalf("expected the override 99 with no warning, got %d warnings=%v", got, warnings)
	}
}

func TestLoadPopulatesSingletonAndGetReturnsIt(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c == nil {
		t.Fatalf("expected a non-nil config")
	}
	if Get() != c {
		t.Fatalf("expected Get to return the same singleton instance Load returned")
	}
	// Load is backed by sync.Once: a second call must return the same
	// instance rather than reloading, regardless of arguments.
	c2, err := Load("/nonexistent/path/.env")
	if err != nil {
		t.Fatalf("Load (second call): %v", err)
	}
	if c2 != c {
		t.Fatalf("expected the second Load call to return the cached singleton")
	}
}

func TestWarningsReturnsDefensiveCopy(t *testing.T) {
	c := &Config{warnings: []string{"a", "b"}}
	got := c.Warnings()
	got[0] = "mutated"
	if c.warnings[0] != "a" {
		t.Fatalf("expected Warnings() to return a copy, mutation leaked into %v", c.warnings)
	}
}
