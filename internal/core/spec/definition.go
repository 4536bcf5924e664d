package spec

// definition mirrors one YAML document. Field names map to snake_case
// keys via the mapstructure tags.
type definition struct {
	DagID         string         `mapstructure:"dag_id"`
	Description   string         `mapstructure:"description"`
	Schedule      string         `mapstructure:"schedule"`
	Timezone      string         `mapstructure:"timezone"`
	StartDate     string         `mapstructure:"start_date"`
	EndDate       string         `mapstructure:"end_date"`
	Catchup       *bool          `mapstructure:"catchup"`
	Concurrency   int            `mapstructure:"concurrency"`
	MaxActiveRuns int            `mapstructure:"max_active_runs"`
	DagrunTimeout string         `mapstructure:"dagrun_timeout"`
	Tags          []string       `mapstructure:"tags"`
	Params        map[string]any `mapstructure:"params"`
	Macros        map[string]any `mapstructure:"user_defined_macros"`
	DefaultArgs   taskDefinition `mapstructure:"default_args"`
	// OnSuccess and OnFailure are shell commands run as DAG callbacks.
	OnSuccess string `mapstructure:"on_success"`
	OnFailure string `mapstructure:"on_failure"`
	// OnSLAMiss is a shell command run for SLA misses.
	OnSLAMiss string           `mapstructure:"on_sla_miss"`
	Tasks     []taskDefinition `mapstructure:"tasks"`
}

type taskDefinition struct {
	TaskID                  string            `mapstructure:"task_id"`
	Owner                   string            `mapstructure:"owner"`
	Command                 string            `mapstructure:"command"`
	Shell                   string            `mapstructure:"shell"`
	Dir                     string            `mapstructure:"dir"`
	Env                     map[string]string `mapstructure:"env"`
	DependsOn               []string          `mapstructure:"depends_on"`
	TriggerRule             string            `mapstructure:"trigger_rule"`
	Retries                 *int              `mapstructure:"retries"`
	RetryDelay              string            `mapstructure:"retry_delay"`
	RetryExponentialBackoff *bool             `mapstructure:"retry_exponential_backoff"`
	MaxRetryDelay           string            `mapstructure:"max_retry_delay"`
	ExecutionTimeout        string            `mapstructure:"execution_timeout"`
	SLA                     string            `mapstructure:"sla"`
	StartDate               string            `mapstructure:"start_date"`
	EndDate                 string            `mapstructure:"end_date"`
	Pool                    string            `mapstructure:"pool"`
	PriorityWeight          int               `mapstructure:"priority_weight"`
	Queue                   string            `mapstructure:"queue"`
	Adhoc                   bool              `mapstructure:"adhoc"`
	Params                  map[string]any    `mapstructure:"params"`
	TemplateFields          map[string]string `mapstructure:"template_fields"`
	SubDAG                  *definition       `mapstructure:"subdag"`
}
