package config

import "testing"

func TestString(t *testing.T) {
	t.Setenv("OSBACKFILL_TEST_STR", "  value  ")
	if got := String("OSBACKFILL_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := String("OSBACKFILL_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestInt(t *testing.T) {
	t.Setenv("OSBACKFILL_TEST_INT", "42")
	if got := Int("OSBACKFILL_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("OSBACKFILL_TEST_INT", "not-a-number")
	if got := Int("OSBACKFILL_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("OSBACKFILL_TEST_FLOAT", "2.5")
	if got := Float("OSBACKFILL_TEST_FLOAT", 1); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if got := Float("OSBACKFILL_TEST_FLOAT_UNSET", 1.5); got != 1.5 {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("OSBACKFILL_TEST_BOOL", "yes")
	if !Bool("OSBACKFILL_TEST_BOOL", false) {
		t.Fatalf("expected true for yes")
	}
	t.Setenv("OSBACKFILL_TEST_BOOL", "0")
	if Bool("OSBACKFILL_TEST_BOOL", true) {
		t.Fatalf("expected false for 0")
	}
	t.Setenv("OSBACKFILL_TEST_BOOL", "maybe")
	if !Bool("OSBACKFILL_TEST_BOOL", true) {
		t.Fatalf("expected fallback for unparseable value")
	}
}
