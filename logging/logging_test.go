package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("hidden")
	l.Info("also hidden")
	l.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestLogger_ComponentAndSession(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelDebug)

	scoped := l.WithComponent("correlation").WithSession("sess-A")
	scoped.Info("entry registered", map[string]interface{}{"id": "req-1"})

	out := buf.String()
	if !strings.Contains(out, "[correlation]") {
		t.Errorf("component missing: %q", out)
	}
	if !strings.Contains(out, "session=sess-A") {
		t.Errorf("session missing: %q", out)
	}
	if !strings.Contains(out, "id=req-1") {
		t.Errorf("fields missing: %q", out)
	}
}

func TestLogger_Discard(t *testing.T) {
	// Must not panic with no writer configured by the caller.
	Discard().Error("goes nowhere")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
}
