package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"INFO", InfoLevel, true},
		{"Warn", WarnLevel, true},
		{"warning", WarnLevel, true},
		{"error", ErrorLevel, true},
		{"", InfoLevel, true},
		{"verbose", InfoLevel, false},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if c.ok && err != nil {
			t.Fatalf("ParseLevel(%q): %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("ParseLevel(%q): want error", c.in)
		}
		if c.ok && got != c.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithLevel(WarnLevel),
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(NewConsoleOutput(&buf)),
	)
	logger.Debug("drop me")
	logger.Info("drop me too")
	logger.Warn("keep me")
	out := buf.String()
	if strings.Contains(out, "drop me") {
		t.Fatalf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "keep me") {
		t.Fatalf("warn entry missing: %q", out)
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(NewConsoleOutput(&buf)),
	)
	derived := logger.WithComponent("worker").With(F("queue", "process"))
	derived.Info("done", F("seq", 7))
	out := buf.String()
	for _, want := range []string{"component=worker", "queue=process", "seq=7"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(
		WithFormatter(&JSONFormatter{}),
		WithOutput(NewConsoleOutput(&buf)),
	)
	logger.Info("hello", F("n", 1))
	var obj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("not valid JSON: %v (%q)", err, buf.String())
	}
	if obj["msg"] != "hello" || obj["level"] != "INFO" {
		t.Fatalf("unexpected object: %v", obj)
	}
}
