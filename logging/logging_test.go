package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	// Info should pass
	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("loop")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[loop]") {
		t.Errorf("expected component 'loop' in log, got: %s", output)
	}
}

func TestLogger_ChildLevelIndependent(t *testing.T) {
	var buf bytes.Buffer
	parent := New()
	parent.SetOutput(&buf)
	child := parent.WithComponent("child")
	child.SetLevel(LevelError)

	parent.Info("parent info")
	child.Info("child info")

	output := buf.String()
	if !strings.Contains(output, "parent info") {
		t.Error("parent should still log at INFO")
	}
	if strings.Contains(output, "child info") {
		t.Error("child at ERROR should drop INFO")
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("fragment request", map[string]interface{}{
		"holder": "p01",
		"error":  errors.New("denied"),
	})

	output := buf.String()
	if !strings.Contains(output, `"holder": "p01"`) {
		t.Errorf("expected holder field in log, got: %s", output)
	}
	if !strings.Contains(output, `"error": "denied"`) {
		t.Errorf("errors should be logged by message, got: %s", output)
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("peers")
	logger.SetOutput(&buf)
	logger.SetFormat(FormatJSON)

	logger.Warn("stale peer", map[string]interface{}{"peer": "p02"})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("json line did not parse: %v (%s)", err, buf.String())
	}
	if line["level"] != "WARN" || line["component"] != "peers" || line["peer"] != "p02" {
		t.Errorf("unexpected json line: %v", line)
	}
}

func TestLogger_PeerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.PeerEvent("failed", "p03", nil)

	output := buf.String()
	if !strings.Contains(output, "WARN") || !strings.Contains(output, "peer_failed") {
		t.Errorf("peer failure should be a warning, got: %s", output)
	}
	if !strings.Contains(output, "p03") {
		t.Errorf("expected peer id in log, got: %s", output)
	}
}

func TestLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("test")
	logger.SetOutput(&buf)

	logger.Info("hello world", map[string]interface{}{"key": "value"})

	output := buf.String()
	// Format: TIMESTAMP LEVEL [component] message {fields}
	fields := strings.Fields(output)
	if len(fields) < 4 {
		t.Fatalf("short line: %q", output)
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", fields[0]); err != nil {
		t.Errorf("expected leading timestamp, got %q", fields[0])
	}
	if fields[1] != "INFO" {
		t.Errorf("expected INFO level, got %q", fields[1])
	}
	if fields[2] != "[test]" {
		t.Errorf("expected component [test], got %q", fields[2])
	}
	if !strings.Contains(output, "hello world") {
		t.Errorf("expected message, got: %s", output)
	}
}

func TestLogger_RespawnTiming(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.RespawnStep("alice-1", "collect", nil)
	logger.RespawnComplete("alice-1", 10*time.Millisecond, nil)
	logger.RespawnComplete("alice-1", 5*time.Millisecond, errors.New("insufficient"))

	output := buf.String()
	for _, want := range []string{"respawn", "respawn_complete", "respawn_failed", "10ms", "collect"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in log, got: %s", want, output)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
