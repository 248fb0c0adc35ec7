package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("TEST_ENV_STRING", "  value  ")
	if got := EnvString("TEST_ENV_STRING", "def"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := EnvString("TEST_ENV_STRING_MISSING", "def"); got != "def" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_ENV_BOOL", "true")
	if !EnvBool("TEST_ENV_BOOL", false) {
		t.Fatal("want true")
	}
	t.Setenv("TEST_ENV_BOOL", "junk")
	if !EnvBool("TEST_ENV_BOOL", true) {
		t.Fatal("junk must fall back to the default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "42")
	if got := EnvInt("TEST_ENV_INT", 7); got != 42 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("TEST_ENV_INT", "-3")
	if got := EnvInt("TEST_ENV_INT", 7); got != 7 {
		t.Fatalf("non-positive must fall back, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_ENV_DURATION", "1500ms")
	if got := EnvDuration("TEST_ENV_DURATION", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("got %v", got)
	}
	t.Setenv("TEST_ENV_DURATION", "0s")
	if got := EnvDuration("TEST_ENV_DURATION", time.Second); got != time.Second {
		t.Fatalf("non-positive must fall back, got %v", got)
	}
}
