// burrow-hook runs inside the agent container as the tool-call interceptor.
// It reads one tool-call JSON document on stdin and writes a decision JSON
// document on stdout. Exit code 0 means the decision was produced; the agent
// runtime enforces it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/burrow/internal/guard"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// toolCall is the document the agent runtime hands us.
type toolCall struct {
	Tool    string `json:"tool"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-version" {
		fmt.Println(Version)
		return
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fail("read stdin: %v", err)
	}
	var call toolCall
	if err := json.Unmarshal(data, &call); err != nil {
		fail("parse tool call: %v", err)
	}

	g := guard.New(splitList(os.Getenv("BURROW_SECRET_VARS"), ","),
		splitList(os.Getenv("BURROW_BLOCKED_READ_PATHS"), ":"))

	var decision guard.Decision
	switch call.Tool {
	case "bash", "shell":
		decision = g.CheckShell(call.Command)
	case "read", "file_read":
		decision = g.CheckFileRead(call.Path)
	default:
		// Unknown tools pass through; the host-side allowlist is the
		// authority for anything beyond shell and file reads.
		decision = guard.Decision{Allow: true}
	}

	out, err := json.Marshal(decision)
	if err != nil {
		fail("encode decision: %v", err)
	}
	fmt.Println(string(out))
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fail blocks by default: if the hook cannot decide, the call does not run.
func fail(format string, args ...any) {
	d := guard.Decision{Allow: false, Reason: fmt.Sprintf(format, args...)}
	out, _ := json.Marshal(d)
	fmt.Println(string(out))
	os.Exit(1)
}
