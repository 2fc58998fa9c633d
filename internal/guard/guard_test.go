package guard

import (
	"strings"
	"testing"
)

func TestCheckShellBlocksEnvironReads(t *testing.T) {
	g := New(nil, nil)
	commands := []string{
		"cat /proc/self/environ",
		"cat /proc/1234/environ",
		"grep -a SECRET /proc/self/environ | head",
		"true && cat /proc/42/environ",
		"x=$(cat /proc/self/environ); echo $x",
		"tr '\\0' '\\n' < /proc/self/environ",
	}
	for _, cmd := range commands {
		if d := g.CheckShell(cmd); d.Allow {
			t.Errorf("allowed %q", cmd)
		}
	}
}

func TestCheckShellAllowsOrdinaryCommands(t *testing.T) {
	g := New(nil, nil)
	for _, cmd := range []string{"ls -la", "cat notes.txt", "env | sort", "echo environ"} {
		if d := g.CheckShell(cmd); !d.Allow {
			t.Errorf("blocked %q: %s", cmd, d.Reason)
		}
	}
}

func TestCheckShellUnsetsSecrets(t *testing.T) {
	g := New([]string{"API_KEY", "IPC_TOKEN"}, nil)
	d := g.CheckShell("curl https://example.com")
	if !d.Allow {
		t.Fatalf("blocked: %s", d.Reason)
	}
	if !strings.HasPrefix(d.RewrittenCommand, "unset API_KEY IPC_TOKEN; ") {
		t.Errorf("rewritten command %q lacks unset prefix", d.RewrittenCommand)
	}
	if !strings.HasSuffix(d.RewrittenCommand, "curl https://example.com") {
		t.Errorf("rewritten command %q lost the original", d.RewrittenCommand)
	}
}

func TestCheckShellNoRewriteWithoutSecrets(t *testing.T) {
	g := New(nil, nil)
	if d := g.CheckShell("ls"); d.RewrittenCommand != "" {
		t.Errorf("unexpected rewrite %q", d.RewrittenCommand)
	}
}

func TestCheckFileRead(t *testing.T) {
	g := New(nil, []string{"/ipc/input/raw.json"})

	blocked := []string{
		"/proc/self/environ",
		"/proc/9999/environ",
		"/proc/self/../self/environ",
		"/ipc/input/raw.json",
	}
	for _, p := range blocked {
		if d := g.CheckFileRead(p); d.Allow {
			t.Errorf("allowed %q", p)
		}
	}

	allowed := []string{
		"/proc/self/status",
		"/proc/self/environ.bak", // sibling, not the environ file
		"/workspace/environ",
		"/ipc/input/other.json",
	}
	for _, p := range allowed {
		if d := g.CheckFileRead(p); !d.Allow {
			t.Errorf("blocked %q: %s", p, d.Reason)
		}
	}
}
