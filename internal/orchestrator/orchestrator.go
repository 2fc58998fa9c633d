// Package orchestrator turns inbound chat messages and due scheduled tasks
// into agent container runs. It owns the two concurrency rules: at most one
// live run per group, and at most MaxConcurrent runs process-wide.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/burrow/internal/bus"
	"github.com/basket/burrow/internal/container"
	"github.com/basket/burrow/internal/ipc"
	"github.com/basket/burrow/internal/persistence"
	"github.com/basket/burrow/internal/shared"
)

// ContainerRunner is the slice of container.Runner the orchestrator needs.
type ContainerRunner interface {
	Run(ctx context.Context, req container.Request) (container.Output, error)
}

// Config wires an Orchestrator.
type Config struct {
	Store  *persistence.Store
	Runner ContainerRunner
	Bus    *bus.Bus
	Logger *slog.Logger
	// IPCRoot is used to pipe follow-up messages into a live run.
	IPCRoot string
	// MaxConcurrent caps simultaneous runs across all groups. 0 means
	// unlimited.
	MaxConcurrent int
}

// Orchestrator dispatches runs. Safe for concurrent use.
type Orchestrator struct {
	store   *persistence.Store
	runner  ContainerRunner
	bus     *bus.Bus
	logger  *slog.Logger
	ipcRoot string
	sem     chan struct{}

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]bool
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var sem chan struct{}
	if cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return &Orchestrator{
		store:   cfg.Store,
		runner:  cfg.Runner,
		bus:     cfg.Bus,
		logger:  logger,
		ipcRoot: cfg.IPCRoot,
		sem:     sem,
		locks:   make(map[string]*sync.Mutex),
		active:  make(map[string]bool),
	}
}

// HandleMessage processes one inbound chat message. Unknown chats and
// messages missing the group's trigger phrase are ignored. When the group
// already has a live run, the message is piped into it as follow-up input
// instead of starting a second run.
func (o *Orchestrator) HandleMessage(ctx context.Context, chatJID, text string) {
	group, err := o.store.GroupByJID(ctx, chatJID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			o.logger.Error("group lookup failed", "chat_jid", chatJID, "error", err)
		}
		return
	}
	if group.Trigger != "" && !strings.Contains(text, group.Trigger) {
		return
	}

	if o.pipeIfActive(group.Folder, text) {
		o.logger.Info("follow-up piped into live run", "group", group.Folder)
		return
	}

	go func() {
		out, err := o.run(ctx, group, runSpec{prompt: text})
		if err != nil && !errors.Is(err, container.ErrSuperseded) {
			o.logger.Error("run failed", "group", group.Folder, "error", err)
			return
		}
		o.reply(group.ChatJID, out)
	}()
}

// RunScheduledTask executes one due task and returns the agent's result text.
// It satisfies the scheduler's Runner interface.
func (o *Orchestrator) RunScheduledTask(ctx context.Context, task persistence.ScheduledTask) (string, error) {
	group, err := o.store.GroupByFolder(ctx, task.GroupFolder)
	if err != nil {
		return "", fmt.Errorf("resolve task group %s: %w", task.GroupFolder, err)
	}
	ctx = shared.WithTaskID(ctx, task.ID)

	out, err := o.run(ctx, group, runSpec{
		prompt:    task.Prompt,
		scheduled: true,
		isolated:  task.ContextMode == persistence.ContextModeIsolated,
	})
	if err != nil {
		return "", err
	}
	if out.Status == container.StatusError {
		return "", fmt.Errorf("agent run failed: %s", out.Error)
	}
	o.reply(group.ChatJID, out)
	return out.Result, nil
}

type runSpec struct {
	prompt    string
	scheduled bool
	isolated  bool
}

// run executes one container run under both concurrency rules.
func (o *Orchestrator) run(ctx context.Context, group persistence.Group, spec runSpec) (container.Output, error) {
	lock := o.groupLock(group.Folder)
	lock.Lock()
	defer lock.Unlock()

	if o.sem != nil {
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			return container.Output{}, ctx.Err()
		}
	}

	o.setActive(group.Folder, true)
	defer o.setActive(group.Folder, false)

	sessionID := ""
	if !spec.isolated {
		var err error
		sessionID, err = o.store.SessionFor(ctx, group.Folder)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return container.Output{}, fmt.Errorf("load session: %w", err)
		}
	}

	o.publishRun(bus.TopicRunStarted, group, spec.scheduled, "")
	out, err := o.runner.Run(ctx, container.Request{
		Group:     group,
		Prompt:    spec.prompt,
		SessionID: sessionID,
		Scheduled: spec.scheduled,
		Isolated:  spec.isolated,
	})
	switch {
	case errors.Is(err, container.ErrSuperseded):
		// A newer instance took over; nothing to report.
		return out, err
	case err != nil:
		o.publishRun(bus.TopicRunFailed, group, spec.scheduled, err.Error())
		return out, err
	case out.Status == container.StatusError:
		o.publishRun(bus.TopicRunFailed, group, spec.scheduled, out.Error)
	default:
		o.publishRun(bus.TopicRunCompleted, group, spec.scheduled, "")
	}
	return out, nil
}

// pipeIfActive writes text as follow-up input when the group has a live run.
func (o *Orchestrator) pipeIfActive(folder, text string) bool {
	o.mu.Lock()
	live := o.active[folder]
	o.mu.Unlock()
	if !live {
		return false
	}
	q, err := ipc.NewDirQueue(ipc.InputDir(o.ipcRoot, folder))
	if err != nil {
		o.logger.Error("open input queue failed", "group", folder, "error", err)
		return false
	}
	data, err := marshalFollowUp(text)
	if err != nil {
		return false
	}
	if err := q.Enqueue(ipc.EnvelopeFileName(time.Now()), data); err != nil {
		o.logger.Error("enqueue follow-up failed", "group", folder, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) reply(chatJID string, out container.Output) {
	if o.bus == nil || out.Result == "" {
		return
	}
	o.bus.Publish(bus.TopicMessageOutbound, bus.OutboundMessage{ChatJID: chatJID, Text: out.Result})
}

func (o *Orchestrator) publishRun(topic string, group persistence.Group, scheduled bool, errText string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, bus.RunEvent{
		GroupFolder: group.Folder,
		ChatJID:     group.ChatJID,
		Scheduled:   scheduled,
		Error:       errText,
	})
}

func (o *Orchestrator) groupLock(folder string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.locks[folder]; ok {
		return l
	}
	l := &sync.Mutex{}
	o.locks[folder] = l
	return l
}

func (o *Orchestrator) setActive(folder string, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v {
		o.active[folder] = true
	} else {
		delete(o.active, folder)
	}
}

func marshalFollowUp(text string) ([]byte, error) {
	return json.Marshal(container.Input{Prompt: text})
}
