package container

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/burrow/internal/mounts"
)

// DockerBackend launches agent containers through the Docker daemon.
type DockerBackend struct {
	cli *client.Client
}

// NewDockerBackend connects to the daemon using the standard environment
// variables (DOCKER_HOST etc).
func NewDockerBackend() (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerBackend{cli: cli}, nil
}

// Start creates, attaches and starts one agent container. Attach happens
// before start so no early stdout frame is lost.
func (d *DockerBackend) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		WorkingDir:   spec.WorkDir,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: spec.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(spec.Network),
		Binds:       binds(spec.Mounts),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container: %w", err)
	}

	// Demultiplex the attach stream; stderr is folded into the same reader
	// because the frame parser skips non-protocol lines anyway.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
	}()

	return &dockerHandle{
		cli:    d.cli,
		id:     resp.ID,
		stdin:  &stdinCloser{conn: attach.Conn},
		stdout: pr,
	}, nil
}

// stdinCloser half-closes the attach connection so closing stdin does not
// tear down the stdout stream.
type stdinCloser struct {
	conn net.Conn
}

func (s *stdinCloser) Write(p []byte) (int, error) { return s.conn.Write(p) }

func (s *stdinCloser) Close() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}

// Close releases the client connection.
func (d *DockerBackend) Close() error {
	return d.cli.Close()
}

func binds(ms []mounts.Mount) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		b := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			b += ":ro"
		}
		out = append(out, b)
	}
	return out
}

type dockerHandle struct {
	cli    *client.Client
	id     string
	stdin  io.WriteCloser
	stdout io.Reader
}

func (h *dockerHandle) ID() string            { return h.id }
func (h *dockerHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *dockerHandle) Stdout() io.Reader     { return h.stdout }

func (h *dockerHandle) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	if err := h.cli.ContainerKill(ctx, h.id, "SIGKILL"); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}
