package config

// Definition mirrors the YAML config file. Durations stay strings here and
// are parsed while building Config so malformed values become warnings.
type Definition struct {
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	TZ        string `mapstructure:"tz"`

	Paths     PathsDef     `mapstructure:"paths"`
	Core      CoreDef      `mapstructure:"core"`
	Database  DatabaseDef  `mapstructure:"database"`
	Scheduler SchedulerDef `mapstructure:"scheduler"`
	Executor  ExecutorDef  `mapstructure:"executor"`
	Secrets   SecretsDef   `mapstructure:"secrets"`
	Metrics   MetricsDef   `mapstructure:"metrics"`
}

type PathsDef struct {
	DAGsDir string `mapstructure:"dags_dir"`
	DataDir string `mapstructure:"data_dir"`
	LogDir  string `mapstructure:"log_dir"`
}

type CoreDef struct {
	Parallelism            int    `mapstructure:"parallelism"`
	DAGConcurrency         int    `mapstructure:"dag_concurrency"`
	MaxActiveRunsPerDAG    int    `mapstructure:"max_active_runs_per_dag"`
	NonPooledTaskSlotCount int    `mapstructure:"non_pooled_task_slot_count"`
	DAGsArePausedAtCreate  bool   `mapstructure:"dags_are_paused_at_creation"`
	DagbagImportTimeout    string `mapstructure:"dagbag_import_timeout"`
	DefaultRetryDelay      string `mapstructure:"default_retry_delay"`
}

type DatabaseDef struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

type SchedulerDef struct {
	CatchupByDefault    bool   `mapstructure:"catchup_by_default"`
	TickInterval        string `mapstructure:"tick_interval"`
	ZombieTaskThreshold string `mapstructure:"zombie_task_threshold"`
	ZombieCheckInterval string `mapstructure:"zombie_check_interval"`
	DagStatInterval     string `mapstructure:"dag_stat_interval"`
	DagDirListInterval  string `mapstructure:"dag_dir_list_interval"`
	HeartbeatInterval   string `mapstructure:"heartbeat_interval"`
}

type ExecutorDef struct {
	Type     string   `mapstructure:"type"`
	Workers  int      `mapstructure:"workers"`
	QueueKey string   `mapstructure:"queue_key"`
	Redis    RedisDef `mapstructure:"redis"`
}

type RedisDef struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type SecretsDef struct {
	Provider      string   `mapstructure:"provider"`
	EncryptionKey string   `mapstructure:"encryption_key"`
	Vault         VaultDef `mapstructure:"vault"`
}

type VaultDef struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
	KeyName string `mapstructure:"key_name"`
}

type MetricsDef struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}
