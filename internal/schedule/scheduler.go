package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/burrow/internal/bus"
	"github.com/basket/burrow/internal/otel"
	"github.com/basket/burrow/internal/persistence"
)

// Runner executes one scheduled task in the agent container. Implemented by
// the orchestrator, which threads the task through the group's serial queue.
type Runner interface {
	RunScheduledTask(ctx context.Context, task persistence.ScheduledTask) (result string, err error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Runner   Runner
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Interval time.Duration  // tick interval; defaults to 30s if zero
	Location *time.Location // schedule evaluation zone; defaults to time.Local
}

// Scheduler periodically queries the store for due tasks and fires each one.
type Scheduler struct {
	store    *persistence.Store
	runner   Runner
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	interval time.Duration
	loc      *time.Location

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		logger:   logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		interval: interval,
		loc:      loc,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "timezone", s.loc.String())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due task. Due tasks come back ordered by next_run
// ascending, which bounds starvation; one task's failure never aborts the
// others.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due tasks", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task)
	}
}

func (s *Scheduler) fire(ctx context.Context, task persistence.ScheduledTask) {
	started := time.Now()
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskFired, bus.TaskFiredEvent{TaskID: task.ID, GroupFolder: task.GroupFolder})
	}
	if s.metrics != nil {
		s.metrics.TasksFired.Add(ctx, 1)
	}

	result, runErr := s.runner.RunScheduledTask(ctx, task)
	ranAt := time.Now()
	durationMS := ranAt.Sub(started).Milliseconds()

	log := persistence.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      ranAt,
		DurationMS: durationMS,
		Status:     "success",
		Result:     result,
	}

	var nextRun *time.Time
	if runErr != nil {
		log.Status = "error"
		log.Error = runErr.Error()
		// Failed runs retry: cron/interval advance to the next instant, a
		// failed once keeps its next_run and is retried next tick
		// (completed is reachable only through a successful run).
		if task.ScheduleType == persistence.ScheduleOnce {
			nextRun = task.NextRun
		} else {
			n, err := NextAfter(task.ScheduleType, task.ScheduleValue, ranAt, s.loc)
			if err != nil {
				s.logger.Error("scheduler: failed to compute next run", "task_id", task.ID, "error", err)
				return
			}
			nextRun = n
		}
		s.logger.Warn("scheduler: task run failed", "task_id", task.ID, "group", task.GroupFolder, "error", runErr)
	} else {
		n, err := NextAfter(task.ScheduleType, task.ScheduleValue, ranAt, s.loc)
		if err != nil {
			s.logger.Error("scheduler: failed to compute next run", "task_id", task.ID, "error", err)
			return
		}
		nextRun = n
		s.logger.Info("scheduler: task fired",
			"task_id", task.ID,
			"group", task.GroupFolder,
			"duration_ms", durationMS,
			"next_run", nextRun,
		)
	}

	lastResult := result
	if runErr != nil {
		lastResult = runErr.Error()
	}
	if err := s.store.CompleteRun(ctx, task.ID, ranAt, lastResult, nextRun); err != nil {
		s.logger.Error("scheduler: failed to update task after run", "task_id", task.ID, "error", err)
	}

	if err := s.store.AppendRunLog(ctx, log); err != nil {
		s.logger.Error("scheduler: failed to append run log", "task_id", task.ID, "error", err)
	}
}
