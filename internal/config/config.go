// Package config loads interlock.yaml, applies INTERLOCK_* environment
// overrides, and fills defaults relative to the project directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	iotel "github.com/mistakeknot/interlock/internal/otel"
)

const (
	FileName = "interlock.yaml"
	StateDir = ".interlock"
)

type LockConfig struct {
	PollIntervalMS    int `yaml:"poll_interval_ms"`
	TimeoutSeconds    int `yaml:"timeout_seconds"`
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

func (c LockConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
func (c LockConfig) Timeout() time.Duration    { return time.Duration(c.TimeoutSeconds) * time.Second }
func (c LockConfig) StaleAfter() time.Duration { return time.Duration(c.StaleAfterSeconds) * time.Second }

type DaemonConfig struct {
	// SocketPath is where the daemon listens and clients connect.
	SocketPath string `yaml:"socket_path"`
	// Addr optionally exposes the daemon over TCP; non-loopback clients
	// need a key from KeysFile.
	Addr     string `yaml:"addr"`
	PIDFile  string `yaml:"pid_file"`
	KeysFile string `yaml:"keys_file"`
	LogFile  string `yaml:"log_file"`

	StartTimeoutSeconds int `yaml:"start_timeout_seconds"`
	StopGraceSeconds    int `yaml:"stop_grace_seconds"`
	TxIdleSeconds       int `yaml:"tx_idle_seconds"`
	HealthTimeoutMS     int `yaml:"health_timeout_ms"`
	StreamPollMS        int `yaml:"stream_poll_ms"`
}

func (c DaemonConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}
func (c DaemonConfig) StopGrace() time.Duration { return time.Duration(c.StopGraceSeconds) * time.Second }
func (c DaemonConfig) TxIdle() time.Duration    { return time.Duration(c.TxIdleSeconds) * time.Second }
func (c DaemonConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMS) * time.Millisecond
}
func (c DaemonConfig) StreamPoll() time.Duration {
	return time.Duration(c.StreamPollMS) * time.Millisecond
}

// PurgeConfig schedules deletion of reservations that expired long ago.
// An empty Schedule disables purging; expiry stays lazy either way.
type PurgeConfig struct {
	Schedule    string `yaml:"schedule"`
	RetainHours int    `yaml:"retain_hours"`
}

func (c PurgeConfig) Retain() time.Duration { return time.Duration(c.RetainHours) * time.Hour }

// RedisConfig enables publishing committed events. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type Config struct {
	ProjectDir string `yaml:"-"`
	StateDir   string `yaml:"-"`

	// Project is the project key events are recorded under.
	Project   string `yaml:"project"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Lock      LockConfig   `yaml:"lock"`
	Daemon    DaemonConfig `yaml:"daemon"`
	Purge     PurgeConfig  `yaml:"purge"`
	Redis     RedisConfig  `yaml:"redis"`
	Telemetry iotel.Config `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Lock: LockConfig{
			PollIntervalMS:    100,
			TimeoutSeconds:    30,
			StaleAfterSeconds: 10,
		},
		Daemon: DaemonConfig{
			StartTimeoutSeconds: 10,
			StopGraceSeconds:    5,
			TxIdleSeconds:       30,
			HealthTimeoutMS:     2000,
			StreamPollMS:        500,
		},
		Purge:     PurgeConfig{RetainHours: 24},
		Redis:     RedisConfig{Channel: "interlock:events"},
		Telemetry: iotel.Config{Exporter: "none", ServiceName: "interlock", SampleRate: 1},
	}
}

// Path returns the config file for projectDir, honoring INTERLOCK_CONFIG.
func Path(projectDir string) string {
	if v := strings.TrimSpace(os.Getenv("INTERLOCK_CONFIG")); v != "" {
		return v
	}
	return filepath.Join(projectDir, FileName)
}

// Load builds the configuration for projectDir. A missing file is not an
// error.
func Load(projectDir string) (Config, error) {
	cfg := defaultConfig()
	if projectDir == "" {
		projectDir = "."
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return cfg, fmt.Errorf("resolve project dir: %w", err)
	}
	cfg.ProjectDir = abs

	path := Path(abs)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("INTERLOCK_PROJECT", &cfg.Project)
	str("INTERLOCK_DB", &cfg.DBPath)
	str("INTERLOCK_LOG_LEVEL", &cfg.LogLevel)
	str("INTERLOCK_LOG_FORMAT", &cfg.LogFormat)
	str("INTERLOCK_SOCKET", &cfg.Daemon.SocketPath)
	str("INTERLOCK_ADDR", &cfg.Daemon.Addr)
	str("INTERLOCK_PID_FILE", &cfg.Daemon.PIDFile)
	str("INTERLOCK_KEYS_FILE", &cfg.Daemon.KeysFile)
	num("INTERLOCK_LOCK_TIMEOUT_SECONDS", &cfg.Lock.TimeoutSeconds)
	num("INTERLOCK_TX_IDLE_SECONDS", &cfg.Daemon.TxIdleSeconds)
	str("INTERLOCK_PURGE_SCHEDULE", &cfg.Purge.Schedule)
	num("INTERLOCK_PURGE_RETAIN_HOURS", &cfg.Purge.RetainHours)
	str("INTERLOCK_REDIS_ADDR", &cfg.Redis.Addr)
	str("INTERLOCK_REDIS_PASSWORD", &cfg.Redis.Password)
	str("INTERLOCK_REDIS_CHANNEL", &cfg.Redis.Channel)
	if v := strings.TrimSpace(os.Getenv("INTERLOCK_OTEL")); v != "" {
		cfg.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
		if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == "none" {
			cfg.Telemetry.Exporter = "stdout"
		}
	}
}

// normalize fills paths derived from the project directory and clamps
// non-positive timings back to their defaults.
func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.StateDir = filepath.Join(cfg.ProjectDir, StateDir)
	if cfg.Project == "" {
		cfg.Project = filepath.Base(cfg.ProjectDir)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "interlock.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.ProjectDir, cfg.DBPath)
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = filepath.Join(cfg.StateDir, "interlock.sock")
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = filepath.Join(cfg.StateDir, "daemon.pid")
	}
	if cfg.Daemon.LogFile == "" {
		cfg.Daemon.LogFile = filepath.Join(cfg.StateDir, "daemon.log")
	}
	if cfg.Daemon.KeysFile == "" {
		cfg.Daemon.KeysFile = filepath.Join(cfg.StateDir, "interlock.keys.yaml")
	}

	positive := func(dst *int, fallback int) {
		if *dst <= 0 {
			*dst = fallback
		}
	}
	positive(&cfg.Lock.PollIntervalMS, def.Lock.PollIntervalMS)
	positive(&cfg.Lock.TimeoutSeconds, def.Lock.TimeoutSeconds)
	positive(&cfg.Lock.StaleAfterSeconds, def.Lock.StaleAfterSeconds)
	positive(&cfg.Daemon.StartTimeoutSeconds, def.Daemon.StartTimeoutSeconds)
	positive(&cfg.Daemon.StopGraceSeconds, def.Daemon.StopGraceSeconds)
	positive(&cfg.Daemon.TxIdleSeconds, def.Daemon.TxIdleSeconds)
	positive(&cfg.Daemon.HealthTimeoutMS, def.Daemon.HealthTimeoutMS)
	positive(&cfg.Daemon.StreamPollMS, def.Daemon.StreamPollMS)
	positive(&cfg.Purge.RetainHours, def.Purge.RetainHours)
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = def.Redis.Channel
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
}
