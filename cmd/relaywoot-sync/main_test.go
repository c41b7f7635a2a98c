package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYWOOT_TEST_FLOAT", "0.35")
	env := &envReader{}
	got := env.Float("RELAYWOOT_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestEnvHelpersFallBackOnInvalid(t *testing.T) {
	t.Setenv("RELAYWOOT_TEST_FLOAT_BAD", "oops")
	t.Setenv("RELAYWOOT_TEST_INT_BAD", "many")
	t.Setenv("RELAYWOOT_TEST_BOOL_BAD", "perhaps")
	t.Setenv("RELAYWOOT_TEST_DURATION_BAD", "later")
	env := &envReader{}
	if got := env.Float("RELAYWOOT_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
	if got := env.Int("RELAYWOOT_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := env.Bool("RELAYWOOT_TEST_BOOL_BAD", true); !got {
		t.Fatalf("expected fallback true")
	}
	if got := env.Duration("RELAYWOOT_TEST_DURATION_BAD", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %s", got)
	}
	if len(env.warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %d", len(env.warnings))
	}

	var buf bytes.Buffer
	env.logTo(zerolog.New(&buf))
	out := buf.String()
	for _, name := range []string{"RELAYWOOT_TEST_FLOAT_BAD", "RELAYWOOT_TEST_INT_BAD", "RELAYWOOT_TEST_BOOL_BAD", "RELAYWOOT_TEST_DURATION_BAD"} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected warning for %s, got %s", name, out)
		}
	}
	if !strings.Contains(out, `"fallback":"7"`) || !strings.Contains(out, "using fallback") {
		t.Fatalf("expected fallback values in warnings, got %s", out)
	}
}

func TestEnvHelpersParseValues(t *testing.T) {
	t.Setenv("RELAYWOOT_TEST_INT", "42")
	t.Setenv("RELAYWOOT_TEST_BOOL", "true")
	t.Setenv("RELAYWOOT_TEST_DURATION", "250ms")
	env := &envReader{}
	if got := env.Int("RELAYWOOT_TEST_INT", 0); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := env.Bool("RELAYWOOT_TEST_BOOL", false); !got {
		t.Fatalf("expected true")
	}
	if got := env.Duration("RELAYWOOT_TEST_DURATION", 0); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
	if got := envOrDefault("RELAYWOOT_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	if len(env.warnings) != 0 {
		t.Fatalf("expected no warnings, got %+v", env.warnings)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}
