package passphrase

import (
	"strings"
	"testing"
)

func TestSourceUsesEnvValue(t *testing.T) {
	t.Setenv("TEST_KEYSTORE_PASS", "hunter2 ")

	src := NewSource("TEST_KEYSTORE_PASS")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hunter2 " {
		t.Fatalf("unexpected passphrase: %q", got)
	}
}

func TestSourceRejectsEmptyEnv(t *testing.T) {
	t.Setenv("TEST_KEYSTORE_PASS", "   ")

	src := NewSource("TEST_KEYSTORE_PASS")
	if _, err := src.Get(); err == nil {
		t.Fatal("expected error for whitespace-only passphrase")
	}
}

func TestSourceRequiresTerminalWhenEnvUnset(t *testing.T) {
	// Test binaries run with stdin detached from a terminal, so the prompt
	// path must fail with a hint naming the environment variable.
	_, err := NewSource("TEST_KEYSTORE_PASS_UNSET").Get()
	if err == nil {
		t.Fatal("expected error without terminal or environment variable")
	}
	if !strings.Contains(err.Error(), "TEST_KEYSTORE_PASS_UNSET") {
		t.Fatalf("error should name the environment variable, got %v", err)
	}
}

func TestSourceCachesFirstResolution(t *testing.T) {
	t.Setenv("TEST_KEYSTORE_PASS", "first")

	src := NewSource("TEST_KEYSTORE_PASS")
	if _, err := src.Get(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("TEST_KEYSTORE_PASS", "second")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "first" {
		t.Fatalf("expected cached passphrase, got %q", got)
	}
}

func TestStaticSource(t *testing.T) {
	got, err := Static("fixed").Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fixed" {
		t.Fatalf("unexpected passphrase: %q", got)
	}
}
