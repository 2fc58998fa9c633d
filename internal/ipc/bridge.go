package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/burrow/internal/audit"
	"github.com/basket/burrow/internal/bus"
	"github.com/basket/burrow/internal/otel"
	"github.com/basket/burrow/internal/persistence"
	"github.com/basket/burrow/internal/schedule"
	"github.com/basket/burrow/internal/shared"
)

// ExtCaller executes an authorized external API call on behalf of the agent.
type ExtCaller func(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)

// errUnauthorized marks cross-group attempts. They are audited and dropped
// without a response file, so the caller learns nothing about the target.
var errUnauthorized = errors.New("unauthorized")

// unauthorizedError carries the group the envelope really acted on, for
// cases where the envelope's own fields misname it (a task id resolves to
// its owning group, not the source).
type unauthorizedError struct {
	target string
}

func (e *unauthorizedError) Error() string        { return "unauthorized" }
func (e *unauthorizedError) Is(target error) bool { return target == errUnauthorized }

func unauthorizedFor(target string) error {
	return &unauthorizedError{target: target}
}

// validationError is rejected back to the writer via a response file.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func rejectf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// Config holds the bridge dependencies.
type Config struct {
	Root         string
	Store        *persistence.Store
	Bus          *bus.Bus
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	SharedSecret string
	PollInterval time.Duration  // fallback sweep behind fsnotify; defaults to 1s
	Location     *time.Location // schedule grammar evaluation zone
	ExtCaller    ExtCaller
}

// Bridge watches the per-group envelope directories and applies each
// complete envelope exactly once.
type Bridge struct {
	root         string
	store        *persistence.Store
	bus          *bus.Bus
	logger       *slog.Logger
	metrics      *otel.Metrics
	sharedSecret string
	pollInterval time.Duration
	loc          *time.Location
	extCaller    ExtCaller

	mu      sync.Mutex
	watched map[string]struct{}
	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Bridge with the given config.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Bridge{
		root:         cfg.Root,
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger,
		metrics:      cfg.Metrics,
		sharedSecret: cfg.SharedSecret,
		pollInterval: interval,
		loc:          loc,
		extCaller:    cfg.ExtCaller,
		watched:      make(map[string]struct{}),
	}
}

// Start begins the watch loop in a background goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("create ipc root: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	b.watcher = w

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.loop(ctx)
	b.logger.Info("ipc bridge started", "root", b.root, "poll_interval", b.pollInterval)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info("ipc bridge stopped")
}

func (b *Bridge) loop(ctx context.Context) {
	defer b.wg.Done()
	defer b.watcher.Close()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	// Sweep once at startup to pick up envelopes written while down.
	b.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			// Rename is how enqueued envelopes appear; Create covers
			// writers that skip the temp step (still gated by the
			// tmp-suffix check in process).
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if isEnvelopePath(ev.Name) {
				b.process(ctx, ev.Name)
			}
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are recoverable: the fallback sweep still runs.
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep rescans every group's envelope directories. It backs up fsnotify
// (watches can drop events) and discovers group directories created since
// the last pass.
func (b *Bridge) sweep(ctx context.Context) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Error("ipc: read root failed", "error", err)
		}
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		folder := ent.Name()
		b.watchGroupDirs(folder)
		for _, dir := range []string{MessagesDir(b.root, folder), TasksDir(b.root, folder)} {
			q := &DirQueue{dir: dir}
			paths, err := q.Poll()
			if err != nil {
				b.logger.Error("ipc: poll failed", "dir", dir, "error", err)
				continue
			}
			for _, p := range paths {
				if ctx.Err() != nil {
					return
				}
				b.process(ctx, p)
			}
		}
	}
}

// watchGroupDirs registers a group's envelope directories with fsnotify.
func (b *Bridge) watchGroupDirs(folder string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dir := range []string{MessagesDir(b.root, folder), TasksDir(b.root, folder)} {
		if _, ok := b.watched[dir]; ok {
			continue
		}
		if err := b.watcher.Add(dir); err != nil {
			if !os.IsNotExist(err) {
				b.logger.Warn("ipc: watch failed", "dir", dir, "error", err)
			}
			continue
		}
		b.watched[dir] = struct{}{}
	}
}

func isEnvelopePath(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, tmpSuffix) && !strings.HasPrefix(name, "_")
}

// process applies one envelope file end to end: parse, authorize, dispatch,
// then delete (or preserve in errors/ when malformed).
func (b *Bridge) process(ctx context.Context, path string) {
	if !isEnvelopePath(path) {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// Already consumed by an earlier event/sweep race.
		if !os.IsNotExist(err) {
			b.logger.Error("ipc: read envelope failed", "path", path, "error", err)
		}
		return
	}

	folder, ok := b.groupOf(path)
	if !ok {
		b.logger.Warn("ipc: envelope outside group tree", "path", path)
		b.toErrors(path, folder)
		return
	}

	if err := ValidateEnvelopeJSON(data); err != nil {
		b.logger.Warn("ipc: malformed envelope", "path", path, "error", err)
		b.rejected(ctx, "", "malformed: "+err.Error())
		b.toErrors(path, folder)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("ipc: envelope decode failed", "path", path, "error", err)
		b.toErrors(path, folder)
		return
	}

	// The directory the writer could reach is the ground truth for its
	// identity; a mismatched sourceGroup claim is a spoof attempt.
	if env.SourceGroup != folder {
		audit.Record("deny", "ipc.source_spoof",
			fmt.Sprintf("envelope in %s claims source %s", folder, env.SourceGroup), folder)
		b.rejected(ctx, env.Type, "source group mismatch")
		_ = os.Remove(path)
		return
	}

	source, err := b.store.GroupByFolder(ctx, folder)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			audit.Record("deny", "ipc.unknown_source", "envelope from unregistered group", folder)
			b.rejected(ctx, env.Type, "unregistered source group")
			_ = os.Remove(path)
			return
		}
		b.logger.Error("ipc: source lookup failed", "folder", folder, "error", err)
		return
	}

	result, err := b.dispatch(ctx, source, env)
	switch {
	case errors.Is(err, errUnauthorized):
		// Dropped without a response: no existence oracle for the caller.
		target := env.target()
		var uerr *unauthorizedError
		if errors.As(err, &uerr) {
			target = uerr.target
		}
		audit.Record("deny", "ipc.cross_group",
			fmt.Sprintf("%s envelope from %s targeting %s", env.Type, source.Folder, target),
			source.Folder)
		b.logger.Warn("ipc: unauthorized envelope dropped",
			"type", env.Type, "source", source.Folder, "target", target)
		b.rejected(ctx, env.Type, "unauthorized")
	case err != nil:
		var vErr *validationError
		if errors.As(err, &vErr) {
			b.respond(source.Folder, env.RequestID, Response{OK: false, Error: shared.Redact(vErr.msg)})
			b.logger.Warn("ipc: envelope rejected", "type", env.Type, "source", source.Folder, "reason", vErr.msg)
			b.rejected(ctx, env.Type, vErr.msg)
		} else {
			// Transient failure: keep the envelope for the next sweep.
			b.logger.Error("ipc: envelope apply failed", "type", env.Type, "source", source.Folder, "error", err)
			return
		}
	default:
		b.respond(source.Folder, env.RequestID, Response{OK: true, Result: result})
		if b.bus != nil {
			b.bus.Publish(bus.TopicEnvelopeApplied, bus.EnvelopeEvent{Type: env.Type, SourceGroup: source.Folder})
		}
		if b.metrics != nil {
			b.metrics.EnvelopesProcessed.Add(ctx, 1)
		}
	}

	_ = os.Remove(path)
}

func (b *Bridge) rejected(ctx context.Context, envType, reason string) {
	if b.bus != nil {
		b.bus.Publish(bus.TopicEnvelopeRejected, bus.EnvelopeEvent{Type: envType, Reason: reason})
	}
	if b.metrics != nil {
		b.metrics.EnvelopesRejected.Add(ctx, 1)
	}
}

// groupOf extracts the owning group folder from an envelope path.
func (b *Bridge) groupOf(path string) (string, bool) {
	rel, err := filepath.Rel(b.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 3 {
		return "", false
	}
	return parts[0], true
}

func (b *Bridge) toErrors(path, folder string) {
	if folder == "" {
		_ = os.Remove(path)
		return
	}
	dir := ErrorsDir(b.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	_ = os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

// respond writes the companion response file when the writer asked for one.
func (b *Bridge) respond(folder, requestID string, resp Response) {
	if requestID == "" {
		return
	}
	resp.RequestID = requestID
	dir := ResponsesDir(b.root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.logger.Error("ipc: create responses dir failed", "dir", dir, "error", err)
		return
	}
	if err := WriteJSONAtomic(filepath.Join(dir, requestID+".json"), resp); err != nil {
		b.logger.Error("ipc: write response failed", "request_id", requestID, "error", err)
	}
}

// dispatch applies one authorized envelope. The uniform rule: a main-group
// envelope may target any group, everyone else only themselves.
func (b *Bridge) dispatch(ctx context.Context, source persistence.Group, env Envelope) (json.RawMessage, error) {
	if !source.IsMain && env.target() != source.Folder {
		return nil, errUnauthorized
	}

	switch env.Type {
	case TypeMessage:
		return b.applyMessage(ctx, source, env)
	case TypeScheduleTask:
		return b.applyScheduleTask(ctx, source, env)
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		return b.applyTaskControl(ctx, source, env)
	case TypeRegisterGroup:
		return b.applyRegisterGroup(ctx, source, env)
	case TypeExtCall:
		return b.applyExtCall(ctx, source, env)
	default:
		return nil, rejectf("unsupported envelope type %q", env.Type)
	}
}

func (b *Bridge) applyMessage(ctx context.Context, source persistence.Group, env Envelope) (json.RawMessage, error) {
	if !source.IsMain {
		// Non-main groups may only message their own chat.
		target, err := b.store.GroupByJID(ctx, env.ChatJID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, errUnauthorized
			}
			return nil, fmt.Errorf("target lookup: %w", err)
		}
		if target.Folder != source.Folder {
			return nil, errUnauthorized
		}
	}
	if b.bus != nil {
		b.bus.Publish(bus.TopicMessageOutbound, bus.OutboundMessage{ChatJID: env.ChatJID, Text: env.Text})
	}
	return nil, nil
}

func (b *Bridge) applyScheduleTask(ctx context.Context, source persistence.Group, env Envelope) (json.RawMessage, error) {
	targetFolder := env.target()
	target := source
	if targetFolder != source.Folder {
		var err error
		target, err = b.store.GroupByFolder(ctx, targetFolder)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, rejectf("unknown target group %q", targetFolder)
			}
			return nil, fmt.Errorf("target lookup: %w", err)
		}
	}

	sType := persistence.ScheduleType(env.ScheduleType)
	now := time.Now()
	if err := schedule.Validate(sType, env.ScheduleValue, now, b.loc); err != nil {
		return nil, rejectf("invalid schedule: %v", err)
	}
	firstRun, err := schedule.FirstRun(sType, env.ScheduleValue, now, b.loc)
	if err != nil {
		return nil, rejectf("invalid schedule: %v", err)
	}

	mode := persistence.ContextMode(env.ContextMode)
	if mode == "" {
		mode = persistence.ContextModeGroup
	}
	id, err := b.store.CreateTask(ctx, persistence.ScheduledTask{
		GroupFolder:   target.Folder,
		ChatJID:       target.ChatJID,
		Prompt:        env.Prompt,
		ScheduleType:  sType,
		ScheduleValue: env.ScheduleValue,
		ContextMode:   mode,
		NextRun:       &firstRun,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return json.RawMessage(fmt.Sprintf(`{"taskId":%q,"nextRun":%q}`, id, firstRun.Format(time.RFC3339))), nil
}

func (b *Bridge) applyTaskControl(ctx context.Context, source persistence.Group, env Envelope) (json.RawMessage, error) {
	task, err := b.store.TaskByID(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, rejectf("unknown task %q", env.TaskID)
		}
		return nil, fmt.Errorf("task lookup: %w", err)
	}
	if !source.IsMain && task.GroupFolder != source.Folder {
		return nil, unauthorizedFor(task.GroupFolder)
	}

	switch env.Type {
	case TypePauseTask:
		if err := b.store.PauseTask(ctx, env.TaskID); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, rejectf("task %q is not active", env.TaskID)
			}
			return nil, err
		}
	case TypeResumeTask:
		next, err := schedule.FirstRun(task.ScheduleType, task.ScheduleValue, time.Now(), b.loc)
		if err != nil {
			return nil, rejectf("cannot resume: %v", err)
		}
		if err := b.store.ResumeTask(ctx, env.TaskID, next); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return nil, rejectf("task %q is not paused", env.TaskID)
			}
			return nil, err
		}
	case TypeCancelTask:
		if err := b.store.CancelTask(ctx, env.TaskID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (b *Bridge) applyRegisterGroup(ctx context.Context, source persistence.Group, env Envelope) (json.RawMessage, error) {
	if !source.IsMain {
		return nil, errUnauthorized
	}
	g := persistence.Group{
		ChatJID: env.GroupJID,
		Name:    env.GroupName,
		Folder:  env.Folder,
		Trigger: env.Trigger,
	}
	if err := b.store.UpsertGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("register group: %w", err)
	}
	if err := EnsureGroupDirs(b.root, g.Folder); err != nil {
		return nil, err
	}
	b.watchGroupDirs(g.Folder)
	b.logger.Info("ipc: group registered", "folder", g.Folder, "jid", g.ChatJID)
	return json.RawMessage(fmt.Sprintf(`{"folder":%q}`, g.Folder)), nil
}

func (b *Bridge) applyExtCall(ctx context.Context, source persistence.Group, env Envelope) (json.RawMessage, error) {
	if b.sharedSecret != "" {
		if env.Signature == "" {
			return nil, rejectf("ext_call requires a signature")
		}
		if err := VerifySignature(env.Payload, env.Endpoint, b.sharedSecret, env.Signature); err != nil {
			audit.Record("deny", "ipc.ext_call_signature", err.Error(), source.Folder)
			return nil, rejectf("signature verification failed")
		}
	}

	if env.IdempotencyKey != "" {
		prior, seen, err := b.store.SeenIdempotencyKey(ctx, env.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if seen {
			// Replay the original result; do not double-execute.
			return json.RawMessage(prior), nil
		}
	}

	if b.extCaller == nil {
		return nil, rejectf("no external caller configured")
	}
	result, err := b.extCaller(ctx, env.Endpoint, env.Payload)
	if err != nil {
		return nil, rejectf("ext_call %s failed: %v", env.Endpoint, err)
	}
	if env.IdempotencyKey != "" {
		if err := b.store.RecordIdempotencyKey(ctx, env.IdempotencyKey, TypeExtCall, string(result)); err != nil {
			return nil, err
		}
	}
	return result, nil
}
