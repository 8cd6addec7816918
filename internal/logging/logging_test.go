package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(none)"},
		{"abc", "***"},
		{"sk-or-v1-0123456789", "sk-or-v1..."},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != LevelDebug {
		t.Error("expected debug level")
	}
	if ParseLevel("warning") != LevelWarn {
		t.Error("expected warn level")
	}
	if ParseLevel("bogus") != LevelInfo {
		t.Error("unknown level should fall back to info")
	}
}

func TestStructuredAndPrintf(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: LevelDebug, Output: &buf})
	defer Init(nil)

	L_info("tiers loaded", "count", 3)
	L_warn("tier %d skipped", 2)

	out := buf.String()
	if !strings.Contains(out, "tiers loaded") || !strings.Contains(out, "count=3") {
		t.Errorf("structured output missing: %q", out)
	}
	if !strings.Contains(out, "tier 2 skipped") {
		t.Errorf("printf output missing: %q", out)
	}
}
