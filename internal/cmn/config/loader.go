package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dagucloud/dagsched/internal/cmn/duration"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ConfigLoader reads and merges configuration from the config file, an
// optional .env file, environment variables and defaults.
type ConfigLoader struct {
	v          *viper.Viper
	configFile string
	homeDir    string
	envFiles   []string
	warnings   []string
}

// ConfigLoaderOption defines a functional option for configuring a ConfigLoader.
type ConfigLoaderOption func(*ConfigLoader)

// WithConfigFile sets an explicit config file path.
func WithConfigFile(configFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.configFile = configFile
	}
}

// WithHomeDir overrides the DAGSCHED_HOME / XDG resolution.
func WithHomeDir(dir string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.homeDir = dir
	}
}

// WithEnvFiles loads dotenv files before environment bindings are read.
// Variables already present in the environment win.
func WithEnvFiles(files ...string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.envFiles = append(l.envFiles, files...)
	}
}

func NewConfigLoader(v *viper.Viper, options ...ConfigLoaderOption) *ConfigLoader {
	loader := &ConfigLoader{v: v}
	for _, opt := range options {
		opt(loader)
	}
	return loader
}

// Load is shorthand for NewConfigLoader(viper.New(), opts...).Load().
func Load(opts ...ConfigLoaderOption) (*Config, error) {
	return NewConfigLoader(viper.New(), opts...).Load()
}

// Load reads configuration files, applies defaults and environment overrides,
// and returns a validated Config instance.
func (l *ConfigLoader) Load() (*Config, error) {
	paths := l.resolvePaths()

	for _, f := range l.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.warnings = append(l.warnings, fmt.Sprintf("failed to load env file %s: %v", f, err))
		}
	}

	l.configureViper(paths.HomeDir)
	l.bindEnvironmentVariables()
	l.setViperDefaultValues(paths)

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(&def, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	cfg.Paths.ConfigFileUsed = l.v.ConfigFileUsed()
	cfg.Warnings = l.warnings
	return cfg, nil
}

func (l *ConfigLoader) resolvePaths() Paths {
	home := l.homeDir
	if home == "" {
		home = os.Getenv("DAGSCHED_HOME")
	}
	if home != "" {
		return Paths{
			HomeDir: home,
			DAGsDir: filepath.Join(home, "dags"),
			DataDir: filepath.Join(home, "data"),
			LogDir:  filepath.Join(home, "logs"),
		}
	}
	configHome := filepath.Join(xdg.ConfigHome, AppSlug)
	dataHome := filepath.Join(xdg.DataHome, AppSlug)
	return Paths{
		HomeDir: configHome,
		DAGsDir: filepath.Join(configHome, "dags"),
		DataDir: dataHome,
		LogDir:  filepath.Join(dataHome, "logs"),
	}
}

func (l *ConfigLoader) buildConfig(def Definition, paths Paths) (*Config, error) {
	cfg := &Config{
		Core: Core{
			Debug:                  def.Debug,
			LogFormat:              def.LogFormat,
			TZ:                     def.TZ,
			Parallelism:            def.Core.Parallelism,
			DAGConcurrency:         def.Core.DAGConcurrency,
			MaxActiveRunsPerDAG:    def.Core.MaxActiveRunsPerDAG,
			NonPooledTaskSlotCount: def.Core.NonPooledTaskSlotCount,
			DAGsArePausedAtCreate:  def.Core.DAGsArePausedAtCreate,
			DagbagImportTimeout:    l.parseDuration("core.dagbag_import_timeout", def.Core.DagbagImportTimeout, 30*time.Second),
			DefaultRetryDelay:      l.parseDuration("core.default_retry_delay", def.Core.DefaultRetryDelay, 5*time.Minute),
		},
		Paths: Paths{
			HomeDir: paths.HomeDir,
			DAGsDir: def.Paths.DAGsDir,
			DataDir: def.Paths.DataDir,
			LogDir:  def.Paths.LogDir,
		},
		Database: Database{
			Driver:          strings.ToLower(def.Database.Driver),
			DSN:             def.Database.DSN,
			MaxOpenConns:    def.Database.MaxOpenConns,
			MaxIdleConns:    def.Database.MaxIdleConns,
			ConnMaxLifetime: l.parseDuration("database.conn_max_lifetime", def.Database.ConnMaxLifetime, 30*time.Minute),
		},
		Scheduler: Scheduler{
			CatchupByDefault:    def.Scheduler.CatchupByDefault,
			TickInterval:        l.parseDuration("scheduler.tick_interval", def.Scheduler.TickInterval, 5*time.Second),
			ZombieThreshold:     l.parseDuration("scheduler.zombie_task_threshold", def.Scheduler.ZombieTaskThreshold, 5*time.Minute),
			ZombieCheckInterval: l.parseDuration("scheduler.zombie_check_interval", def.Scheduler.ZombieCheckInterval, 45*time.Second),
			DagStatInterval:     l.parseDuration("scheduler.dag_stat_interval", def.Scheduler.DagStatInterval, 30*time.Second),
			DagDirListInterval:  l.parseDuration("scheduler.dag_dir_list_interval", def.Scheduler.DagDirListInterval, 5*time.Minute),
			HeartbeatInterval:   l.parseDuration("scheduler.heartbeat_interval", def.Scheduler.HeartbeatInterval, 5*time.Second),
		},
		Executor: Executor{
			Type:      strings.ToLower(def.Executor.Type),
			Workers:   def.Executor.Workers,
			RedisAddr: def.Executor.Redis.Addr,
			RedisDB:   def.Executor.Redis.DB,
			QueueKey:  def.Executor.QueueKey,
		},
		Secrets: Secrets{
			Provider:      def.Secrets.Provider,
			EncryptionKey: def.Secrets.EncryptionKey,
			VaultAddress:  def.Secrets.Vault.Address,
			VaultToken:    def.Secrets.Vault.Token,
			VaultMount:    def.Secrets.Vault.Mount,
			VaultKeyName:  def.Secrets.Vault.KeyName,
		},
		Metrics: Metrics{
			Enabled: def.Metrics.Enabled,
			Listen:  def.Metrics.Listen,
		},
	}

	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(cfg.Paths.DataDir, AppSlug+".db")
	}

	if err := setTimezone(&cfg.Core); err != nil {
		return nil, fmt.Errorf("failed to set timezone: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration returns def and records a warning when value is malformed.
func (l *ConfigLoader) parseDuration(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := duration.Parse(value)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("invalid %s %q, using %s", field, value, def))
		return def
	}
	return d
}

func setTimezone(core *Core) error {
	if core.TZ == "" {
		core.TZ = "UTC"
	}
	loc, err := time.LoadLocation(core.TZ)
	if err != nil {
		return err
	}
	core.Location = loc
	return nil
}

func (l *ConfigLoader) setViperDefaultValues(paths Paths) {
	l.v.SetDefault("log_format", "text")
	l.v.SetDefault("tz", "UTC")

	l.v.SetDefault("paths.dags_dir", paths.DAGsDir)
	l.v.SetDefault("paths.data_dir", paths.DataDir)
	l.v.SetDefault("paths.log_dir", paths.LogDir)

	l.v.SetDefault("core.parallelism", 32)
	l.v.SetDefault("core.dag_concurrency", 16)
	l.v.SetDefault("core.max_active_runs_per_dag", 16)
	l.v.SetDefault("core.non_pooled_task_slot_count", 128)
	l.v.SetDefault("core.dags_are_paused_at_creation", true)
	l.v.SetDefault("core.dagbag_import_timeout", "30s")
	l.v.SetDefault("core.default_retry_delay", "5m")

	l.v.SetDefault("database.driver", "sqlite")
	l.v.SetDefault("database.max_open_conns", 10)
	l.v.SetDefault("database.max_idle_conns", 5)
	l.v.SetDefault("database.conn_max_lifetime", "30m")

	l.v.SetDefault("scheduler.catchup_by_default", true)
	l.v.SetDefault("scheduler.tick_interval", "5s")
	l.v.SetDefault("scheduler.zombie_task_threshold", "5m")
	l.v.SetDefault("scheduler.zombie_check_interval", "45s")
	l.v.SetDefault("scheduler.dag_stat_interval", "30s")
	l.v.SetDefault("scheduler.dag_dir_list_interval", "5m")
	l.v.SetDefault("scheduler.heartbeat_interval", "5s")

	l.v.SetDefault("executor.type", "local")
	l.v.SetDefault("executor.workers", 8)
	l.v.SetDefault("executor.queue_key", AppSlug+":queue")
	l.v.SetDefault("executor.redis.addr", "localhost:6379")

	l.v.SetDefault("secrets.provider", "aes")
	l.v.SetDefault("secrets.vault.mount", "transit")

	l.v.SetDefault("metrics.listen", ":9464")
}

type envBinding struct {
	key string
	env string
}

var envBindings = []envBinding{
	{key: "debug", env: "DEBUG"},
	{key: "log_format", env: "LOG_FORMAT"},
	{key: "tz", env: "TZ"},

	{key: "paths.dags_dir", env: "DAGS_DIR"},
	{key: "paths.data_dir", env: "DATA_DIR"},
	{key: "paths.log_dir", env: "LOG_DIR"},

	{key: "core.parallelism", env: "PARALLELISM"},
	{key: "core.dag_concurrency", env: "DAG_CONCURRENCY"},
	{key: "core.max_active_runs_per_dag", env: "MAX_ACTIVE_RUNS_PER_DAG"},
	{key: "core.dagbag_import_timeout", env: "DAGBAG_IMPORT_TIMEOUT"},

	{key: "database.driver", env: "DATABASE_DRIVER"},
	{key: "database.dsn", env: "DATABASE_DSN"},

	{key: "scheduler.catchup_by_default", env: "CATCHUP_BY_DEFAULT"},
	{key: "scheduler.zombie_task_threshold", env: "ZOMBIE_TASK_THRESHOLD"},

	{key: "executor.type", env: "EXECUTOR"},
	{key: "executor.redis.addr", env: "REDIS_ADDR"},

	{key: "secrets.provider", env: "SECRETS_PROVIDER"},
	{key: "secrets.encryption_key", env: "ENCRYPTION_KEY"},
	{key: "secrets.vault.address", env: "VAULT_ADDR"},
	{key: "secrets.vault.token", env: "VAULT_TOKEN"},
	{key: "secrets.vault.key_name", env: "VAULT_KEY_NAME"},

	{key: "metrics.enabled", env: "METRICS_ENABLED"},
}

func (l *ConfigLoader) bindEnvironmentVariables() {
	prefix := strings.ToUpper(AppSlug) + "_"
	for _, b := range envBindings {
		_ = l.v.BindEnv(b.key, prefix+b.env)
	}
}

func (l *ConfigLoader) configureViper(configDir string) {
	if l.configFile == "" {
		l.v.AddConfigPath(configDir)
		l.v.SetConfigName("config")
	} else {
		l.v.SetConfigFile(l.configFile)
	}
	l.v.SetConfigType("yaml")
	l.v.SetEnvPrefix(strings.ToUpper(AppSlug))
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	l.v.AutomaticEnv()
}
