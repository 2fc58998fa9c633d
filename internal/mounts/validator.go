// Package mounts decides what host filesystem an agent container may see.
// Validation is pure: callers log and audit the rejections.
package mounts

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/burrow/internal/config"
)

// Mount is one approved or requested bind mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Rejection pairs a refused mount with the reason.
type Rejection struct {
	Mount  Mount
	Reason string
}

// Result is the outcome of validating one mount set.
type Result struct {
	Approved []Mount
	Rejected []Rejection
}

// Validator applies the process-wide mount allowlist.
type Validator struct {
	allowlist config.MountAllowlist
}

// NewValidator creates a Validator over the given allowlist. The allowlist is
// loaded once at startup and treated as immutable.
func NewValidator(allowlist config.MountAllowlist) *Validator {
	return &Validator{allowlist: allowlist}
}

// Validate checks every requested mount against the allowlist. Host paths are
// resolved through symlinks before the descendant check, so a link pointing
// outside an allowed root is rejected even when the literal path looks fine.
// With an empty allowlist nothing is approved.
func (v *Validator) Validate(requested []Mount, isMain bool) Result {
	var res Result
	for _, m := range requested {
		approved, reason := v.validateOne(m, isMain)
		if reason != "" {
			res.Rejected = append(res.Rejected, Rejection{Mount: m, Reason: reason})
			continue
		}
		res.Approved = append(res.Approved, approved)
	}
	return res
}

func (v *Validator) validateOne(m Mount, isMain bool) (Mount, string) {
	if len(v.allowlist.AllowedRoots) == 0 {
		return Mount{}, "no mount allowlist configured"
	}
	if strings.TrimSpace(m.HostPath) == "" {
		return Mount{}, "empty host path"
	}
	if strings.TrimSpace(m.ContainerPath) == "" {
		return Mount{}, "empty container path"
	}
	if !filepath.IsAbs(m.HostPath) {
		return Mount{}, fmt.Sprintf("host path %q is not absolute", m.HostPath)
	}

	resolved, err := filepath.EvalSymlinks(m.HostPath)
	if err != nil {
		return Mount{}, fmt.Sprintf("host path %q cannot be resolved: %v", m.HostPath, err)
	}

	// Blocked patterns match exact path components of both the requested and
	// the resolved path. Component matching keeps ".env" from rejecting
	// ".env.local" or "environment".
	if comp, ok := blockedComponent(v.allowlist.BlockedPatterns, m.HostPath); ok {
		return Mount{}, fmt.Sprintf("path component %q is blocked", comp)
	}
	if comp, ok := blockedComponent(v.allowlist.BlockedPatterns, resolved); ok {
		return Mount{}, fmt.Sprintf("resolved path component %q is blocked", comp)
	}

	root, ok := v.matchRoot(resolved)
	if !ok {
		return Mount{}, fmt.Sprintf("resolved path %q is outside all allowed roots", resolved)
	}

	out := Mount{
		HostPath:      resolved,
		ContainerPath: m.ContainerPath,
		ReadOnly:      m.ReadOnly,
	}
	if !root.AllowReadWrite {
		out.ReadOnly = true
	}
	if v.allowlist.NonMainReadOnly && !isMain {
		out.ReadOnly = true
	}
	return out, ""
}

// matchRoot returns the first allowed root the resolved path descends from.
func (v *Validator) matchRoot(resolved string) (config.AllowedRoot, bool) {
	for _, root := range v.allowlist.AllowedRoots {
		rootPath := filepath.Clean(root.Path)
		if rootPath == "" || !filepath.IsAbs(rootPath) {
			continue
		}
		if isDescendant(rootPath, resolved) {
			return root, true
		}
	}
	return config.AllowedRoot{}, false
}

// isDescendant reports whether path is root itself or lies below it.
func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// blockedComponent returns the first path component that exactly matches a
// blocked pattern.
func blockedComponent(patterns []string, path string) (string, bool) {
	if len(patterns) == 0 {
		return "", false
	}
	components := strings.Split(filepath.Clean(path), string(filepath.Separator))
	for _, comp := range components {
		if comp == "" {
			continue
		}
		for _, pat := range patterns {
			if comp == pat {
				return comp, true
			}
		}
	}
	return "", false
}
