package container

import (
	"context"
	"io"

	"github.com/basket/burrow/internal/mounts"
)

// StartSpec describes one container launch.
type StartSpec struct {
	Image    string
	Env      []string
	Mounts   []mounts.Mount
	MemoryMB int64
	Network  string
	WorkDir  string
}

// Handle is a running container. Stdin stays open for follow-up inputs until
// the caller closes it; Wait blocks until the process exits.
type Handle interface {
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait(ctx context.Context) (int, error)
	Kill(ctx context.Context) error
}

// Backend launches agent containers. The production implementation talks to
// the Docker daemon; tests substitute an in-process fake.
type Backend interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
	Close() error
}
