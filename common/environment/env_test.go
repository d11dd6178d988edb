package environment_test

import (
	"testing"

	"github.com/agentgate/agentgate/common/environment"
)

func TestString(t *testing.T) {
	if _, ok := environment.String("AGENTGATE_TEST_UNSET"); ok {
		t.Error("unset variable reported as set")
	}
	t.Setenv("AGENTGATE_TEST_EMPTY", "")
	if v, ok := environment.String("AGENTGATE_TEST_EMPTY"); !ok || v != "" {
		t.Errorf("empty-but-set variable: %q, %v", v, ok)
	}
}

func TestStringOr(t *testing.T) {
	if got := environment.StringOr("AGENTGATE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("unset: %q", got)
	}
	t.Setenv("AGENTGATE_TEST_STR", "value")
	if got := environment.StringOr("AGENTGATE_TEST_STR", "fallback"); got != "value" {
		t.Errorf("set: %q", got)
	}
	t.Setenv("AGENTGATE_TEST_STR", "")
	if got := environment.StringOr("AGENTGATE_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("empty falls back: %q", got)
	}
}

func TestIntOr(t *testing.T) {
	if got := environment.IntOr("AGENTGATE_TEST_UNSET", 42); got != 42 {
		t.Errorf("unset: %d", got)
	}
	t.Setenv("AGENTGATE_TEST_INT", "3050")
	if got := environment.IntOr("AGENTGATE_TEST_INT", 42); got != 3050 {
		t.Errorf("set: %d", got)
	}
	t.Setenv("AGENTGATE_TEST_INT", "not-a-number")
	if got := environment.IntOr("AGENTGATE_TEST_INT", 42); got != 42 {
		t.Errorf("malformed falls back: %d", got)
	}
}
