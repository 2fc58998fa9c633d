package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/burrow/internal/bus"
	"github.com/basket/burrow/internal/container"
	"github.com/basket/burrow/internal/ipc"
	"github.com/basket/burrow/internal/persistence"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// fakeRunner records concurrency and lets tests control run duration.
type fakeRunner struct {
	mu          sync.Mutex
	running     map[string]int
	maxByGroup  map[string]int
	maxOverall  int
	current     int
	runs        atomic.Int64
	hold        time.Duration
	output      container.Output
	lastRequest container.Request
}

func newFakeRunner(hold time.Duration) *fakeRunner {
	return &fakeRunner{
		running:    make(map[string]int),
		maxByGroup: make(map[string]int),
		hold:       hold,
		output:     container.Output{Status: container.StatusSuccess, Result: "done"},
	}
}

func (f *fakeRunner) Run(ctx context.Context, req container.Request) (container.Output, error) {
	f.mu.Lock()
	f.lastRequest = req
	f.running[req.Group.Folder]++
	f.current++
	if f.running[req.Group.Folder] > f.maxByGroup[req.Group.Folder] {
		f.maxByGroup[req.Group.Folder] = f.running[req.Group.Folder]
	}
	if f.current > f.maxOverall {
		f.maxOverall = f.current
	}
	f.mu.Unlock()

	time.Sleep(f.hold)

	f.mu.Lock()
	f.running[req.Group.Folder]--
	f.current--
	f.mu.Unlock()
	f.runs.Add(1)
	return f.output, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *persistence.Store
	runner  *fakeRunner
	bus     *bus.Bus
	ipcRoot string
}

func newFixture(t *testing.T, maxConcurrent int, hold time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "burrow.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, g := range []persistence.Group{
		{ChatJID: "main-jid", Name: "Main", Folder: "main", Trigger: "@burrow", IsMain: true},
		{ChatJID: "garden-jid", Name: "Garden", Folder: "garden", Trigger: "@burrow"},
	} {
		if err := store.UpsertGroup(ctx, g); err != nil {
			t.Fatalf("upsert group: %v", err)
		}
	}

	runner := newFakeRunner(hold)
	b := bus.New()
	ipcRoot := filepath.Join(dir, "ipc")
	orch := New(Config{
		Store:         store,
		Runner:        runner,
		Bus:           b,
		IPCRoot:       ipcRoot,
		MaxConcurrent: maxConcurrent,
	})
	return &fixture{orch: orch, store: store, runner: runner, bus: b, ipcRoot: ipcRoot}
}

func TestHandleMessageRunsAndReplies(t *testing.T) {
	f := newFixture(t, 0, 0)
	sub := f.bus.Subscribe(bus.TopicMessageOutbound)
	defer f.bus.Unsubscribe(sub)

	f.orch.HandleMessage(context.Background(), "garden-jid", "@burrow plant the bulbs")

	select {
	case ev := <-sub.Ch():
		msg := ev.Payload.(bus.OutboundMessage)
		if msg.ChatJID != "garden-jid" || msg.Text != "done" {
			t.Errorf("unexpected reply %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply published")
	}
}

func TestHandleMessageIgnoresMissingTrigger(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.orch.HandleMessage(context.Background(), "garden-jid", "just chatting")
	f.orch.HandleMessage(context.Background(), "unknown-jid", "@burrow hello")

	time.Sleep(100 * time.Millisecond)
	if n := f.runner.runs.Load(); n != 0 {
		t.Errorf("%d runs started, want 0", n)
	}
}

func TestPerGroupSerialization(t *testing.T) {
	f := newFixture(t, 0, 50*time.Millisecond)
	ctx := context.Background()

	group, err := f.store.GroupByFolder(ctx, "garden")
	if err != nil {
		t.Fatalf("group: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.run(ctx, group, runSpec{prompt: "x"})
		}()
	}
	wg.Wait()

	f.runner.mu.Lock()
	max := f.runner.maxByGroup["garden"]
	f.runner.mu.Unlock()
	if max != 1 {
		t.Errorf("observed %d concurrent runs for one group, want 1", max)
	}
}

func TestGlobalConcurrencyCap(t *testing.T) {
	f := newFixture(t, 2, 50*time.Millisecond)
	ctx := context.Background()

	// Five distinct groups so the per-group rule does not interfere.
	var groups []persistence.Group
	for _, g := range []persistence.Group{
		{ChatJID: "a-jid", Name: "A", Folder: "a"},
		{ChatJID: "b-jid", Name: "B", Folder: "b"},
		{ChatJID: "c-jid", Name: "C", Folder: "c"},
		{ChatJID: "d-jid", Name: "D", Folder: "d"},
		{ChatJID: "e-jid", Name: "E", Folder: "e"},
	} {
		if err := f.store.UpsertGroup(ctx, g); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		groups = append(groups, g)
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g persistence.Group) {
			defer wg.Done()
			_, _ = f.orch.run(ctx, g, runSpec{prompt: "x"})
		}(g)
	}
	wg.Wait()

	f.runner.mu.Lock()
	max := f.runner.maxOverall
	f.runner.mu.Unlock()
	if max > 2 {
		t.Errorf("observed %d concurrent runs, cap is 2", max)
	}
}

func TestFollowUpPipedIntoLiveRun(t *testing.T) {
	f := newFixture(t, 0, 300*time.Millisecond)
	ctx := context.Background()

	f.orch.HandleMessage(ctx, "garden-jid", "@burrow start")
	waitFor(t, 3*time.Second, func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return f.orch.active["garden"]
	})

	f.orch.HandleMessage(ctx, "garden-jid", "@burrow also this")

	q, err := ipc.NewDirQueue(ipc.InputDir(f.ipcRoot, "garden"))
	if err != nil {
		t.Fatalf("input queue: %v", err)
	}
	paths, err := q.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("%d follow-up files, want 1", len(paths))
	}
	if n := f.runner.runs.Load(); n > 1 {
		t.Errorf("follow-up started a second run")
	}
}

func TestRunScheduledTask(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	result, err := f.orch.RunScheduledTask(ctx, persistence.ScheduledTask{
		ID:          "task-1",
		GroupFolder: "garden",
		ChatJID:     "garden-jid",
		Prompt:      "morning report",
		ContextMode: persistence.ContextModeIsolated,
	})
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %q", result)
	}

	f.runner.mu.Lock()
	req := f.runner.lastRequest
	f.runner.mu.Unlock()
	if !req.Scheduled || !req.Isolated {
		t.Errorf("request flags %+v, want scheduled isolated", req)
	}
}

func TestRunScheduledTaskAgentError(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.runner.output = container.Output{Status: container.StatusError, Error: "agent crashed"}

	_, err := f.orch.RunScheduledTask(context.Background(), persistence.ScheduledTask{
		ID:          "task-2",
		GroupFolder: "garden",
		ChatJID:     "garden-jid",
		Prompt:      "x",
	})
	if err == nil {
		t.Fatal("expected error for failed agent run")
	}
}
