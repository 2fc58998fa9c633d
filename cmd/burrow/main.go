// burrow is the host-side control plane: it listens on chat channels, runs
// the agent container per group, applies the agent's IPC envelopes and fires
// scheduled tasks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/burrow/internal/audit"
	"github.com/basket/burrow/internal/bus"
	"github.com/basket/burrow/internal/channels"
	"github.com/basket/burrow/internal/config"
	"github.com/basket/burrow/internal/container"
	"github.com/basket/burrow/internal/ipc"
	"github.com/basket/burrow/internal/mounts"
	"github.com/basket/burrow/internal/orchestrator"
	otelPkg "github.com/basket/burrow/internal/otel"
	"github.com/basket/burrow/internal/persistence"
	"github.com/basket/burrow/internal/schedule"
	"github.com/basket/burrow/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	quiet := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BURROW_VERBOSE") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "burrow.db"), logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	if err := seedMainGroup(ctx, store, cfg); err != nil {
		fatalStartup(logger, "E_MAIN_GROUP_SEED", err)
	}

	eventBus := bus.New()

	ipcRoot := cfg.IPC.Root
	if ipcRoot == "" {
		ipcRoot = filepath.Join(cfg.HomeDir, "ipc")
	}

	backend, err := container.NewDockerBackend()
	if err != nil {
		fatalStartup(logger, "E_DOCKER_INIT", err)
	}
	defer backend.Close()

	runner := container.NewRunner(container.RunnerConfig{
		Backend:           backend,
		Validator:         mountsValidator(cfg),
		Store:             store,
		Logger:            logger,
		Metrics:           metrics,
		Container:         cfg.Container,
		HomeDir:           cfg.HomeDir,
		IPCRoot:           ipcRoot,
		IPCToken:          cfg.IPC.SharedSecret,
		InputPollInterval: time.Duration(cfg.IPC.PollIntervalSeconds) * time.Second,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:         store,
		Runner:        runner,
		Bus:           eventBus,
		Logger:        logger,
		IPCRoot:       ipcRoot,
		MaxConcurrent: cfg.MaxConcurrentRuns,
	})

	bridge := ipc.New(ipc.Config{
		Root:         ipcRoot,
		Store:        store,
		Bus:          eventBus,
		Logger:       logger,
		Metrics:      metrics,
		SharedSecret: cfg.IPC.SharedSecret,
		PollInterval: time.Duration(cfg.IPC.PollIntervalSeconds) * time.Second,
		Location:     cfg.Timezone(),
	})
	if err := bridge.Start(ctx); err != nil {
		fatalStartup(logger, "E_IPC_BRIDGE_START", err)
	}
	defer bridge.Stop()

	scheduler := schedule.New(schedule.Config{
		Store:    store,
		Runner:   orch,
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		Interval: time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		Location: cfg.Timezone(),
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			orch.HandleMessage,
			logger,
			eventBus,
		)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("no chat channel enabled; only scheduled tasks and IPC will run")
	}

	logger.Info("burrow running", "ipc_root", ipcRoot, "max_concurrent_runs", cfg.MaxConcurrentRuns)
	<-ctx.Done()
	logger.Info("shutting down")
}

// seedMainGroup makes sure the privileged main group exists and has its IPC
// directories, preserving any container overrides set at runtime.
func seedMainGroup(ctx context.Context, store *persistence.Store, cfg config.Config) error {
	if cfg.Main.ChatJID == "" {
		return nil
	}
	g := persistence.Group{
		ChatJID: cfg.Main.ChatJID,
		Name:    "Main",
		Folder:  cfg.Main.Folder,
		Trigger: cfg.Main.Trigger,
		IsMain:  true,
	}
	if existing, err := store.GroupByFolder(ctx, cfg.Main.Folder); err == nil {
		g.Name = existing.Name
		g.Container = existing.Container
	}
	if err := store.UpsertGroup(ctx, g); err != nil {
		return fmt.Errorf("seed main group: %w", err)
	}
	ipcRoot := cfg.IPC.Root
	if ipcRoot == "" {
		ipcRoot = filepath.Join(cfg.HomeDir, "ipc")
	}
	return ipc.EnsureGroupDirs(ipcRoot, cfg.Main.Folder)
}

func mountsValidator(cfg config.Config) *mounts.Validator {
	return mounts.NewValidator(cfg.Mounts)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"host","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
