package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("bridge started", "group", "family")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("expected at least one log line")
	}
	var rec map[string]any
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "bridge started" {
		t.Fatalf("unexpected msg: %v", rec["msg"])
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Fatal("expected timestamp key")
	}
}

func TestLoggerRedactsSecretKeys(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("spawn", "ipc_token", "super-secret-value-12345")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "super-secret-value-12345") {
		t.Fatal("secret value reached the log file")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Fatal("expected redaction placeholder")
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG").String() != "DEBUG" {
		t.Fatal("debug not parsed")
	}
	if parseLevel("nonsense").String() != "INFO" {
		t.Fatal("unknown level should default to info")
	}
}
