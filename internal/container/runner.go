package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/burrow/internal/audit"
	"github.com/basket/burrow/internal/config"
	"github.com/basket/burrow/internal/ipc"
	"github.com/basket/burrow/internal/mounts"
	"github.com/basket/burrow/internal/otel"
	"github.com/basket/burrow/internal/persistence"
	"github.com/basket/burrow/internal/shared"
)

// ContainerIPCRoot is where the group's IPC folder appears inside the agent.
const ContainerIPCRoot = "/ipc"

// ErrSuperseded reports that a newer instance took ownership of the group's
// IPC folder mid-run. The superseded run is left to exit on its own; the
// host never force-kills it.
var ErrSuperseded = errors.New("run superseded by a newer instance")

// Request describes one agent run.
type Request struct {
	Group     persistence.Group
	Prompt    string
	SessionID string
	Scheduled bool
	// Isolated runs do not persist the agent's new session ID.
	Isolated bool
	// OnInterim receives progress frames emitted before the terminal one.
	OnInterim func(Output)
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Backend   Backend
	Validator *mounts.Validator
	Store     *persistence.Store
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Container config.ContainerConfig
	HomeDir   string
	IPCRoot   string
	IPCToken  string
	// InputPollInterval is how often a live run checks for follow-up input
	// and ownership changes. Defaults to 1s.
	InputPollInterval time.Duration
}

// Runner executes agent containers and mediates their stdin/stdout protocol.
type Runner struct {
	backend   Backend
	validator *mounts.Validator
	store     *persistence.Store
	logger    *slog.Logger
	metrics   *otel.Metrics
	cfg       config.ContainerConfig
	homeDir   string
	ipcRoot   string
	ipcToken  string
	pollEvery time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.InputPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Runner{
		backend:   cfg.Backend,
		validator: cfg.Validator,
		store:     cfg.Store,
		logger:    logger,
		metrics:   cfg.Metrics,
		cfg:       cfg.Container,
		homeDir:   cfg.HomeDir,
		ipcRoot:   cfg.IPCRoot,
		ipcToken:  cfg.IPCToken,
		pollEvery: poll,
	}
}

// GroupWorkspace returns the host directory mounted as the group's workspace.
func (r *Runner) GroupWorkspace(folder string) string {
	return filepath.Join(r.homeDir, "groups", folder)
}

// Run executes one agent container to completion. A timeout kills the
// container and yields a status-error Output rather than a Go error; only
// host-side failures (backend, filesystem) surface as errors.
func (r *Runner) Run(ctx context.Context, req Request) (Output, error) {
	group := req.Group
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	logger := r.logger.With("run_id", runID, "group", group.Folder)

	timeout := time.Duration(r.cfg.TimeoutSeconds) * time.Second
	if group.Container != nil && group.Container.TimeoutSeconds > 0 {
		timeout = time.Duration(group.Container.TimeoutSeconds) * time.Second
	}

	if err := os.MkdirAll(r.GroupWorkspace(group.Folder), 0o755); err != nil {
		return Output{}, fmt.Errorf("create workspace: %w", err)
	}
	if err := ipc.EnsureGroupDirs(r.ipcRoot, group.Folder); err != nil {
		return Output{}, fmt.Errorf("ensure ipc dirs: %w", err)
	}

	// Claim the group's IPC folder. The token is re-read at every input
	// poll; a mismatch means a newer instance owns the folder now.
	ownerToken := uuid.NewString()
	ownerFile := ipc.OwnerFile(r.ipcRoot, group.Folder)
	if err := ipc.WriteFileAtomic(ownerFile, []byte(ownerToken)); err != nil {
		return Output{}, fmt.Errorf("write owner token: %w", err)
	}
	defer r.releaseOwner(ownerFile, ownerToken)
	_ = os.Remove(ipc.CloseSentinel(r.ipcRoot, group.Folder))

	spec, err := r.buildSpec(ctx, group)
	if err != nil {
		return Output{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	handle, err := r.backend.Start(runCtx, spec)
	if err != nil {
		return Output{}, fmt.Errorf("start agent container: %w", err)
	}
	logger.Info("agent container started", "container_id", handle.ID(), "timeout", timeout)
	if r.metrics != nil {
		r.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(otel.AttrGroupFolder.String(group.Folder)))
		r.metrics.ActiveRuns.Add(ctx, 1)
		defer r.metrics.ActiveRuns.Add(ctx, -1)
	}

	stdin := &closeOnce{w: handle.Stdin()}
	defer stdin.Close()

	initial := Input{
		Prompt:          req.Prompt,
		SessionID:       req.SessionID,
		GroupFolder:     group.Folder,
		ChatJID:         group.ChatJID,
		IsMain:          group.IsMain,
		IsScheduledTask: req.Scheduled,
		Secrets:         r.collectSecrets(),
	}
	// The write blocks until the agent reads its stdin, so it must stay
	// under the run deadline too: an agent that never reads would otherwise
	// hang the run past its timeout.
	writeErr := make(chan error, 1)
	go func() { writeErr <- writeInput(stdin, initial) }()
	select {
	case err := <-writeErr:
		if err != nil {
			_ = handle.Kill(context.Background())
			return Output{}, fmt.Errorf("write initial input: %w", err)
		}
	case <-runCtx.Done():
		_ = handle.Kill(context.Background())
		stdin.Close()
		if r.metrics != nil {
			r.metrics.RunsTimedOut.Add(ctx, 1, metric.WithAttributes(otel.AttrGroupFolder.String(group.Folder)))
		}
		audit.Record("deny", "container.timeout", "run exceeded its deadline", group.Folder)
		logger.Warn("agent never consumed its input before the deadline")
		return Output{Status: StatusError, Error: "timeout"}, nil
	}

	frames := make(chan Output, 8)
	go ParseFrames(handle.Stdout(), frames, logger)

	superseded := make(chan struct{})
	forwardDone := make(chan struct{})
	go r.forwardInput(runCtx, group.Folder, ownerToken, stdin, superseded, forwardDone)

	out, runErr := r.collect(runCtx, logger, handle, frames, superseded, group.Folder, req.OnInterim)
	cancel()
	<-forwardDone

	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.RunDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(otel.AttrGroupFolder.String(group.Folder)))
		if out.Status == StatusError {
			r.metrics.RunsFailed.Add(ctx, 1, metric.WithAttributes(otel.AttrGroupFolder.String(group.Folder)))
		}
	}
	logger.Info("agent run finished", "status", out.Status, "duration", elapsed, "error", out.Error)

	if out.NewSessionID != "" && !req.Isolated {
		if err := r.store.SaveSession(ctx, group.Folder, out.NewSessionID); err != nil {
			logger.Error("save session failed", "error", err)
		}
	}
	return out, runErr
}

// collect drains frames until EOF, timeout or supersession.
func (r *Runner) collect(ctx context.Context, logger *slog.Logger, handle Handle, frames <-chan Output, superseded <-chan struct{}, folder string, onInterim func(Output)) (Output, error) {
	var (
		last   Output
		gotAny bool
	)

	// The last frame before exit is the run's outcome; every frame it
	// displaces was interim.
	deliver := func(f Output) {
		if gotAny && onInterim != nil {
			onInterim(last)
		}
		last, gotAny = f, true
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				// Agent exited. Wait briefly for the exit code.
				waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
				code, err := handle.Wait(waitCtx)
				waitCancel()
				if err != nil {
					logger.Warn("container wait failed", "error", err)
				}
				if !gotAny {
					return Output{Status: StatusError, Error: fmt.Sprintf("agent exited (code %d) without an output frame", code)}, nil
				}
				return last, nil
			}
			deliver(f)
		case <-superseded:
			// A newer instance owns the IPC folder. Stop consuming but do
			// not kill: the old agent finishes on its own.
			logger.Warn("run superseded, detaching")
			go drainFrames(frames)
			if !gotAny {
				return Output{Status: StatusError, Error: "superseded"}, ErrSuperseded
			}
			return last, ErrSuperseded
		case <-ctx.Done():
			_ = handle.Kill(context.Background())
			go drainFrames(frames)
			if r.metrics != nil {
				r.metrics.RunsTimedOut.Add(context.Background(), 1, metric.WithAttributes(otel.AttrGroupFolder.String(folder)))
			}
			audit.Record("deny", "container.timeout", "run exceeded its deadline", folder)
			return Output{Status: StatusError, Error: "timeout"}, nil
		}
	}
}

func drainFrames(frames <-chan Output) {
	for range frames {
	}
}

// forwardInput polls the group's input directory for follow-up messages and
// watches for ownership loss and the close sentinel.
func (r *Runner) forwardInput(ctx context.Context, folder, ownerToken string, stdin *closeOnce, superseded chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	inputDir := ipc.InputDir(r.ipcRoot, folder)
	ownerFile := ipc.OwnerFile(r.ipcRoot, folder)
	sentinel := ipc.CloseSentinel(r.ipcRoot, folder)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := os.ReadFile(ownerFile)
		if err != nil || string(current) != ownerToken {
			close(superseded)
			stdin.Close()
			return
		}

		if _, err := os.Stat(sentinel); err == nil {
			_ = os.Remove(sentinel)
			stdin.Close()
			return
		}

		q, err := ipc.NewDirQueue(inputDir)
		if err != nil {
			r.logger.Warn("input poll failed", "dir", inputDir, "error", err)
			continue
		}
		paths, err := q.Poll()
		if err != nil {
			r.logger.Warn("input poll failed", "dir", inputDir, "error", err)
			continue
		}
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			if err := writeRaw(stdin, data); err != nil {
				r.logger.Warn("forward input failed", "error", err)
				return
			}
			_ = q.Ack(p)
		}
	}
}

// buildSpec assembles mounts and environment for one run. Extra mounts go
// through the allowlist validator; rejections are audited and skipped.
func (r *Runner) buildSpec(ctx context.Context, group persistence.Group) (StartSpec, error) {
	ms := []mounts.Mount{
		{HostPath: r.GroupWorkspace(group.Folder), ContainerPath: r.cfg.WorkDir},
		{HostPath: ipc.GroupDir(r.ipcRoot, group.Folder), ContainerPath: ContainerIPCRoot},
	}

	if group.Container != nil && len(group.Container.AdditionalMounts) > 0 {
		var extra []mounts.Mount
		for _, m := range group.Container.AdditionalMounts {
			extra = append(extra, mounts.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly})
		}
		res := r.validator.Validate(extra, group.IsMain)
		for _, rej := range res.Rejected {
			audit.Record("deny", "mount", rej.Reason, group.Folder)
			r.logger.Warn("mount rejected", "group", group.Folder, "host_path", rej.Mount.HostPath, "reason", rej.Reason)
			if r.metrics != nil {
				r.metrics.MountsRejected.Add(ctx, 1, metric.WithAttributes(otel.AttrGroupFolder.String(group.Folder)))
			}
		}
		ms = append(ms, res.Approved...)
	}

	env := []string{
		"CHAT_JID=" + group.ChatJID,
		"GROUP_FOLDER=" + group.Folder,
		"IS_MAIN=" + strconv.FormatBool(group.IsMain),
		"IPC_ROOT=" + ContainerIPCRoot,
		"IPC_TOKEN=" + r.ipcToken,
	}
	if group.Container != nil {
		for k, v := range group.Container.Env {
			env = append(env, k+"="+v)
		}
	}

	return StartSpec{
		Image:    r.cfg.Image,
		Env:      env,
		Mounts:   ms,
		MemoryMB: r.cfg.MemoryMB,
		Network:  r.cfg.Network,
		WorkDir:  r.cfg.WorkDir,
	}, nil
}

// collectSecrets resolves the configured secret env names against the host
// environment. Secrets travel over stdin, never through docker inspect.
func (r *Runner) collectSecrets() map[string]string {
	if len(r.cfg.SecretEnv) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.cfg.SecretEnv))
	for _, name := range r.cfg.SecretEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// releaseOwner removes the owner file only if this run still owns it.
func (r *Runner) releaseOwner(ownerFile, token string) {
	current, err := os.ReadFile(ownerFile)
	if err == nil && string(current) == token {
		_ = os.Remove(ownerFile)
	}
}

func writeInput(w *closeOnce, in Input) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return writeRaw(w, data)
}

func writeRaw(w *closeOnce, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("stdin closed")
	}
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// closeOnce serializes stdin writes and makes Close idempotent.
type closeOnce struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (c *closeOnce) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}
