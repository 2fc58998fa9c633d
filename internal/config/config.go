package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/burrow/internal/otel"
)

// AllowedRoot is one entry of the mount allowlist.
type AllowedRoot struct {
	Path           string `yaml:"path"`
	AllowReadWrite bool   `yaml:"allow_read_write"`
	Description    string `yaml:"description"`
}

// MountAllowlist is the process-wide mount policy. Loaded once at startup;
// changing it requires a restart.
type MountAllowlist struct {
	AllowedRoots    []AllowedRoot `yaml:"allowed_roots"`
	BlockedPatterns []string      `yaml:"blocked_patterns"`
	NonMainReadOnly bool          `yaml:"non_main_read_only"`
}

// Mount is a requested bind mount, declared per group.
type Mount struct {
	HostPath      string `yaml:"host_path"`
	ContainerPath string `yaml:"container_path"`
	ReadOnly      bool   `yaml:"read_only"`
}

// GroupContainerConfig holds optional per-group container overrides.
type GroupContainerConfig struct {
	AdditionalMounts []Mount           `yaml:"additional_mounts"`
	TimeoutSeconds   int               `yaml:"timeout_seconds"`
	Env              map[string]string `yaml:"env"`
}

// ContainerConfig configures the execution backend.
type ContainerConfig struct {
	Image          string `yaml:"image"`
	Network        string `yaml:"network"`
	MemoryMB       int64  `yaml:"memory_mb"`
	WorkDir        string `yaml:"work_dir"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// SecretEnv names host environment variables forwarded into the agent
	// process (and only that process; the guard strips them from subshells).
	SecretEnv []string `yaml:"secret_env"`
}

// IPCConfig configures the file-based IPC tree.
type IPCConfig struct {
	// Root of the per-group IPC tree. Defaults to <home>/ipc.
	Root string `yaml:"root"`
	// SharedSecret enables HMAC verification of ext_call envelopes when set.
	SharedSecret string `yaml:"shared_secret"`
	// PollIntervalSeconds is the fallback scan interval behind fsnotify.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// ResponseTimeoutSeconds bounds request/response correlation waits.
	ResponseTimeoutSeconds int `yaml:"response_timeout_seconds"`
}

// SchedulerConfig configures the task scheduler loop.
type SchedulerConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	Timezone            string `yaml:"timezone"` // IANA name; empty = host local
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MainGroup seeds the privileged group on first start.
type MainGroup struct {
	ChatJID string `yaml:"chat_jid"`
	Folder  string `yaml:"folder"`
	Trigger string `yaml:"trigger"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// MaxConcurrentRuns bounds simultaneous container runs across groups.
	// 0 means unbounded.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	Main      MainGroup       `yaml:"main_group"`
	Mounts    MountAllowlist  `yaml:"mounts"`
	Container ContainerConfig `yaml:"container"`
	IPC       IPCConfig       `yaml:"ipc"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		MaxConcurrentRuns: 8,
		Container: ContainerConfig{
			Image:          "burrow-agent:latest",
			Network:        "bridge",
			MemoryMB:       2048,
			WorkDir:        "/workspace",
			TimeoutSeconds: int((20 * time.Minute).Seconds()),
		},
		IPC: IPCConfig{
			PollIntervalSeconds:    1,
			ResponseTimeoutSeconds: 30,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSeconds: 30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("BURROW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".burrow")
}

// Load reads config.yaml from the burrow home, applies environment overrides
// and normalizes defaults. A missing file yields the default configuration.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory (used by tests).
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create burrow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Container.Image == "" {
		cfg.Container.Image = "burrow-agent:latest"
	}
	if cfg.Container.Network == "" {
		cfg.Container.Network = "bridge"
	}
	if cfg.Container.MemoryMB <= 0 {
		cfg.Container.MemoryMB = 2048
	}
	if cfg.Container.WorkDir == "" {
		cfg.Container.WorkDir = "/workspace"
	}
	if cfg.Container.TimeoutSeconds <= 0 {
		cfg.Container.TimeoutSeconds = int((20 * time.Minute).Seconds())
	}
	if cfg.IPC.Root == "" {
		cfg.IPC.Root = filepath.Join(cfg.HomeDir, "ipc")
	}
	if cfg.IPC.PollIntervalSeconds <= 0 {
		cfg.IPC.PollIntervalSeconds = 1
	}
	if cfg.IPC.ResponseTimeoutSeconds <= 0 {
		cfg.IPC.ResponseTimeoutSeconds = 30
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 30
	}
	if cfg.Main.Folder == "" {
		cfg.Main.Folder = "main"
	}
	if cfg.Main.Trigger == "" {
		cfg.Main.Trigger = "@burrow"
	}
	for i := range cfg.Mounts.AllowedRoots {
		cfg.Mounts.AllowedRoots[i].Path = strings.TrimSpace(cfg.Mounts.AllowedRoots[i].Path)
	}
}

func validate(cfg *Config) error {
	if cfg.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs must be >= 0, got %d", cfg.MaxConcurrentRuns)
	}
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
		}
	}
	for _, root := range cfg.Mounts.AllowedRoots {
		if !filepath.IsAbs(root.Path) {
			return fmt.Errorf("mount allowlist root %q must be absolute", root.Path)
		}
	}
	return nil
}

// Timezone returns the scheduler's evaluation zone, defaulting to host local.
func (c Config) Timezone() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BURROW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BURROW_MAX_CONCURRENT_RUNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentRuns = v
		}
	}
	if raw := os.Getenv("BURROW_CONTAINER_IMAGE"); raw != "" {
		cfg.Container.Image = raw
	}
	if raw := os.Getenv("BURROW_CONTAINER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Container.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("BURROW_IPC_SECRET"); raw != "" {
		cfg.IPC.SharedSecret = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
