// Package guard makes allow/block decisions for tool calls the agent issues
// inside its container. It runs in-container via the burrow-hook binary, so
// it must stay dependency-light and decide from the call alone.
package guard

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is the verdict for one intercepted tool call.
type Decision struct {
	Allow bool `json:"allow"`
	// Reason is set on block.
	Reason string `json:"reason,omitempty"`
	// RewrittenCommand replaces the original shell command when non-empty.
	RewrittenCommand string `json:"rewrittenCommand,omitempty"`
}

func allow() Decision              { return Decision{Allow: true} }
func block(reason string) Decision { return Decision{Allow: false, Reason: reason} }
func rewrite(cmd string) Decision  { return Decision{Allow: true, RewrittenCommand: cmd} }

// environInCommand matches any reference to a process environment file,
// including ones buried in compound commands or substitutions.
var environInCommand = regexp.MustCompile(`/proc/(\d+|self)/environ`)

// environExact matches a file path that IS an environ file. Siblings like
// /proc/self/environ.bak are a different file and stay readable.
var environExact = regexp.MustCompile(`^/proc/(\d+|self)/environ$`)

// Guard evaluates shell and file-read tool calls.
type Guard struct {
	secretVars       []string
	blockedReadPaths map[string]struct{}
}

// New creates a Guard. secretVars are environment variable names scrubbed
// from every shell command; blockedReadPaths are exact file paths the agent
// may never read directly (e.g. the raw input bundle).
func New(secretVars, blockedReadPaths []string) *Guard {
	blocked := make(map[string]struct{}, len(blockedReadPaths))
	for _, p := range blockedReadPaths {
		if p != "" {
			blocked[filepath.Clean(p)] = struct{}{}
		}
	}
	return &Guard{secretVars: secretVars, blockedReadPaths: blocked}
}

// CheckShell decides a shell execution request. Environment-file access is
// blocked outright; everything else runs with the secret variables unset
// first, so child processes never inherit them.
func (g *Guard) CheckShell(command string) Decision {
	if environInCommand.MatchString(command) {
		return block("command reads a process environment file")
	}
	if len(g.secretVars) == 0 {
		return allow()
	}
	return rewrite(fmt.Sprintf("unset %s; %s", strings.Join(g.secretVars, " "), command))
}

// CheckFileRead decides a direct file-read request. The path is normalized
// first so dot segments cannot dodge the checks.
func (g *Guard) CheckFileRead(path string) Decision {
	path = filepath.Clean(path)
	if environExact.MatchString(path) {
		return block("path is a process environment file")
	}
	if _, ok := g.blockedReadPaths[path]; ok {
		return block("path holds raw run input")
	}
	return allow()
}
