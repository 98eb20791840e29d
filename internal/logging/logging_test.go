package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("vault", "0xabc").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["vault"] != "0xabc" || entry["message"] != "kept" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Fatalf("timestamp missing: %v", entry)
	}
}

func TestNewLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "bogus", Format: "console"}, &buf)

	logger.Info().Msg("refreshed")
	if !strings.Contains(buf.String(), "refreshed") {
		t.Fatalf("console output missing message: %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected console format, got json: %q", buf.String())
	}
}
