package config

import (
	"errors"
	"fmt"
	"time"
)

// AppSlug names the binary, the env prefix and the home directory.
const AppSlug = "dagsched"

// Version is set by the main package at startup.
var Version = "0.0.0"

// Config holds the resolved runtime configuration.
type Config struct {
	Core      Core
	Paths     Paths
	Database  Database
	Scheduler Scheduler
	Executor  Executor
	Secrets   Secrets
	Metrics   Metrics

	// Warnings collected while loading; callers log them once a logger exists.
	Warnings []string
}

type Core struct {
	Debug     bool
	LogFormat string
	TZ        string
	Location  *time.Location

	Parallelism            int
	DAGConcurrency         int
	MaxActiveRunsPerDAG    int
	NonPooledTaskSlotCount int
	DAGsArePausedAtCreate  bool
	DagbagImportTimeout    time.Duration
	// DefaultRetryDelay applies to tasks that leave retry_delay unset.
	DefaultRetryDelay time.Duration
}

type Paths struct {
	HomeDir        string
	DAGsDir        string
	DataDir        string
	LogDir         string
	ConfigFileUsed string
}

type Database struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Scheduler struct {
	CatchupByDefault    bool
	TickInterval        time.Duration
	ZombieThreshold     time.Duration
	ZombieCheckInterval time.Duration
	DagStatInterval     time.Duration
	DagDirListInterval  time.Duration
	HeartbeatInterval   time.Duration
}

type Executor struct {
	Type      string
	Workers   int
	RedisAddr string
	RedisDB   int
	QueueKey  string
}

type Secrets struct {
	Provider      string
	EncryptionKey string
	VaultAddress  string
	VaultToken    string
	VaultMount    string
	VaultKeyName  string
}

type Metrics struct {
	Enabled bool
	Listen  string
}

var (
	ErrUnsupportedDriver   = errors.New("unsupported database driver")
	ErrUnsupportedExecutor = errors.New("unsupported executor type")
)

// Validate checks cross-field constraints that defaults cannot guarantee.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Database.Driver)
	}
	switch c.Executor.Type {
	case "local", "redis":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedExecutor, c.Executor.Type)
	}
	if c.Core.Parallelism <= 0 {
		return fmt.Errorf("core.parallelism must be positive, got %d", c.Core.Parallelism)
	}
	if c.Scheduler.ZombieThreshold <= 0 {
		return fmt.Errorf("scheduler.zombie_task_threshold must be positive")
	}
	return nil
}
