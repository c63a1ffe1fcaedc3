package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/torosent/gatewayprobe/internal/logging"
)

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Info("hidden")
	log.Warn("shown", zap.String("component", "scheduler"))
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "shown" || entry["component"] != "scheduler" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestConsoleDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(logging.Config{Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Debug("hidden")
	log.Info("run completed")
	if out := buf.String(); !strings.Contains(out, "INFO") || !strings.Contains(out, "run completed") || strings.Contains(out, "hidden") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestRejectsBadConfig(t *testing.T) {
	if _, err := logging.New(logging.Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := logging.New(logging.Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
