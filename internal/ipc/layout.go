// Package ipc implements the file-based protocol between the host and the
// agent containers: the per-group directory tree, the atomic envelope queue,
// and the bridge loop that authorizes and applies envelope effects.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Per-group directory names under the IPC root.
const (
	TasksDirName     = "tasks"
	MessagesDirName  = "messages"
	InputDirName     = "input"
	ResponsesDirName = "responses"
	ErrorsDirName    = "errors"

	// OwnerFileName holds the OwnerToken of the authoritative container
	// instance for the group.
	OwnerFileName = "_owner"
	// CloseSentinelName cancels a live run when present.
	CloseSentinelName = "_close"
)

// GroupDir returns the IPC directory for a group.
func GroupDir(root, folder string) string {
	return filepath.Join(root, folder)
}

func TasksDir(root, folder string) string     { return filepath.Join(root, folder, TasksDirName) }
func MessagesDir(root, folder string) string  { return filepath.Join(root, folder, MessagesDirName) }
func InputDir(root, folder string) string     { return filepath.Join(root, folder, InputDirName) }
func ResponsesDir(root, folder string) string { return filepath.Join(root, folder, ResponsesDirName) }
func ErrorsDir(root, folder string) string    { return filepath.Join(root, folder, ErrorsDirName) }

func OwnerFile(root, folder string) string {
	return filepath.Join(root, folder, OwnerFileName)
}

func CloseSentinel(root, folder string) string {
	return filepath.Join(root, folder, CloseSentinelName)
}

// EnsureGroupDirs creates the full IPC tree for a group.
func EnsureGroupDirs(root, folder string) error {
	for _, dir := range []string{
		TasksDir(root, folder),
		MessagesDir(root, folder),
		InputDir(root, folder),
		ResponsesDir(root, folder),
		ErrorsDir(root, folder),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ipc dir %s: %w", dir, err)
		}
	}
	return nil
}
