// Package audit appends security-relevant decisions to logs/audit.jsonl.
// Mount rejections, cross-group authorization denials, and guard blocks all
// land here, redacted, regardless of log level.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/burrow/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Decision   string `json:"decision"`
	Capability string `json:"capability"`
	Reason     string `json:"reason"`
	Subject    string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. Decision is "allow" or "deny"; capability
// names the guarded operation (e.g. "mount", "ipc.cross_group", "guard.bash").
// Safe to call before Init; entries are dropped until a sink exists.
func Record(decision, capability, reason, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	e := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Decision:   decision,
		Capability: capability,
		Reason:     shared.Redact(reason),
		Subject:    shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = file.Write(data)
}
