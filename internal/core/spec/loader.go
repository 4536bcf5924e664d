// Package spec loads DAG definitions from YAML files.
//
// A file holds one or more YAML documents, each describing a DAG:
//
//	dag_id: etl
//	schedule: "0 2 * * *"
//	start_date: 2026-01-01
//	default_args:
//	  retries: 2
//	  retry_delay: 5m
//	tasks:
//	  - task_id: extract
//	    command: ./extract.sh {{ .ds }}
//	  - task_id: load
//	    command: ./load.sh {{ .ds }}
//	    depends_on: [extract]
//
// A task with a subdag key embeds a nested DAG definition whose id
// defaults to "<parent>.<task_id>".
package spec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"

	"github.com/dagucloud/dagsched/internal/cmn/cmdutil"
	"github.com/dagucloud/dagsched/internal/cmn/config"
	"github.com/dagucloud/dagsched/internal/cmn/duration"
	"github.com/dagucloud/dagsched/internal/core"
)

// Loading errors.
var (
	ErrMissingDagID   = errors.New("dag_id is required")
	ErrDuplicateDagID = errors.New("dag_id declared twice in one file")
	ErrInvalidTime    = errors.New("invalid time")
)

// Options hold the defaults applied to fields a definition leaves unset.
type Options struct {
	Location      *time.Location
	Catchup       bool
	Concurrency   int
	MaxActiveRuns int
	RetryDelay    time.Duration
	Shell         string
}

// Option configures a Loader.
type Option func(*Options)

func WithLocation(loc *time.Location) Option {
	return func(o *Options) { o.Location = loc }
}

func WithCatchup(catchup bool) Option {
	return func(o *Options) { o.Catchup = catchup }
}

func WithShell(shell string) Option {
	return func(o *Options) { o.Shell = shell }
}

// WithConfig takes every default from the runtime configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *Options) {
		if cfg.Core.Location != nil {
			o.Location = cfg.Core.Location
		}
		o.Catchup = cfg.Scheduler.CatchupByDefault
		o.Concurrency = cfg.Core.DAGConcurrency
		o.MaxActiveRuns = cfg.Core.MaxActiveRunsPerDAG
		o.RetryDelay = cfg.Core.DefaultRetryDelay
	}
}

// Loader builds DAGs from YAML sources.
type Loader struct {
	opts Options
}

func NewLoader(opts ...Option) *Loader {
	o := Options{
		Location:      time.UTC,
		Catchup:       true,
		Concurrency:   core.DefaultConcurrency,
		MaxActiveRuns: core.DefaultMaxActiveRuns,
		RetryDelay:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader{opts: o}
}

// LoadFile reads and builds every DAG in path.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]*core.DAG, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %w", path, err)
	}
	return l.Load(ctx, path, data)
}

// Load builds every DAG declared in data. path is recorded as the DAGs'
// file location. Any invalid document fails the whole file.
func (l *Loader) Load(ctx context.Context, path string, data []byte) ([]*core.DAG, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))

	var dags []*core.DAG
	seen := map[string]bool{}
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var doc map[string]any
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode document %d: %w", index, err)
		}
		if len(doc) == 0 {
			continue
		}

		def, err := decode(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode document %d: %w", index, err)
		}
		if def.DagID == "" {
			return nil, fmt.Errorf("document %d: %w", index, ErrMissingDagID)
		}
		if seen[def.DagID] {
			return nil, &core.DefinitionError{DAGID: def.DagID, Err: ErrDuplicateDagID}
		}
		seen[def.DagID] = true

		dag, err := l.build(def, path)
		if err != nil {
			return nil, err
		}
		dags = append(dags, dag)
	}
	return dags, nil
}

// decode decodes one document into a definition, rejecting unknown keys.
func decode(doc map[string]any) (*definition, error) {
	def := new(definition)
	md, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           def,
		DecodeHook:       timeToStringHook,
	})
	if err != nil {
		return nil, err
	}
	if err := md.Decode(doc); err != nil {
		return nil, err
	}
	return def, nil
}

// timeToStringHook keeps YAML timestamps as text so they can be parsed
// in the DAG's own timezone.
func timeToStringHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if t, ok := data.(time.Time); ok && to.Kind() == reflect.String {
		if t.Location() == time.UTC {
			return t.Format("2006-01-02T15:04:05"), nil
		}
		return t.Format(time.RFC3339), nil
	}
	return data, nil
}

func (l *Loader) build(def *definition, path string) (*core.DAG, error) {
	loc := l.opts.Location
	if def.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(def.Timezone); err != nil {
			return nil, &core.DefinitionError{DAGID: def.DagID, Err: err}
		}
	}

	catchup := l.opts.Catchup
	if def.Catchup != nil {
		catchup = *def.Catchup
	}
	opts := []core.Option{
		core.WithLocation(loc),
		core.WithCatchup(catchup),
		core.WithConcurrency(orDefault(def.Concurrency, l.opts.Concurrency)),
		core.WithMaxActiveRuns(orDefault(def.MaxActiveRuns, l.opts.MaxActiveRuns)),
	}
	if def.Schedule != "" {
		opts = append(opts, core.WithSchedule(def.Schedule))
	}
	if def.Params != nil {
		opts = append(opts, core.WithParams(def.Params))
	}
	for _, field := range []struct {
		value string
		apply func(time.Time) core.Option
	}{
		{def.StartDate, core.WithStartDate},
		{def.EndDate, core.WithEndDate},
	} {
		if field.value == "" {
			continue
		}
		t, err := parseTime(field.value, loc)
		if err != nil {
			return nil, &core.DefinitionError{DAGID: def.DagID, Err: err}
		}
		opts = append(opts, field.apply(t))
	}

	dag, err := core.NewDAG(def.DagID, opts...)
	if err != nil {
		return nil, err
	}
	dag.Description = def.Description
	dag.Tags = def.Tags
	dag.Macros = def.Macros
	dag.Fileloc = path
	if def.DagrunTimeout != "" {
		if dag.DagrunTimeout, err = parseDuration(def.DagrunTimeout); err != nil {
			return nil, &core.DefinitionError{DAGID: dag.ID, Err: err}
		}
	}
	renderer := core.NewTextRenderer(dag.Filters)
	dag.OnSuccess = l.callback(def.OnSuccess, renderer)
	dag.OnFailure = l.callback(def.OnFailure, renderer)
	dag.OnSLAMiss = l.callback(def.OnSLAMiss, renderer)

	var errs core.ErrorList
	for _, td := range def.Tasks {
		task, err := l.buildTask(dag, def, td, renderer, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := dag.AddTask(task); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errs.ErrOrNil()
	}
	for _, td := range def.Tasks {
		for _, upstream := range td.DependsOn {
			if err := dag.SetDependency(upstream, td.TaskID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return nil, errs.ErrOrNil()
	}
	if _, err := dag.TopologicalSort(); err != nil {
		return nil, err
	}
	return dag, nil
}

func (l *Loader) buildTask(dag *core.DAG, def *definition, td taskDefinition, renderer core.Renderer, path string) (*core.Task, error) {
	fail := func(err error) error {
		return &core.DefinitionError{DAGID: dag.ID, TaskID: td.TaskID, Err: err}
	}

	defaults := def.DefaultArgs
	defaults.TaskID, defaults.DependsOn, defaults.SubDAG = "", nil, nil
	if err := mergo.Merge(&td, defaults, mergo.WithoutDereference); err != nil {
		return nil, fail(fmt.Errorf("failed to merge default_args: %w", err))
	}

	rule, err := core.ParseTriggerRule(td.TriggerRule)
	if err != nil {
		return nil, fail(err)
	}
	task := &core.Task{
		ID:             td.TaskID,
		Owner:          td.Owner,
		TriggerRule:    rule,
		Pool:           td.Pool,
		PriorityWeight: td.PriorityWeight,
		Queue:          td.Queue,
		Adhoc:          td.Adhoc,
		Params:         td.Params,
		TemplateFields: td.TemplateFields,
		RetryDelay:     l.opts.RetryDelay,
	}
	if td.Retries != nil {
		task.Retries = *td.Retries
	}
	if td.RetryExponentialBackoff != nil {
		task.RetryExponentialBackoff = *td.RetryExponentialBackoff
	}
	for _, field := range []struct {
		value string
		dst   *time.Duration
	}{
		{td.RetryDelay, &task.RetryDelay},
		{td.MaxRetryDelay, &task.MaxRetryDelay},
		{td.ExecutionTimeout, &task.ExecutionTimeout},
		{td.SLA, &task.SLA},
	} {
		if field.value == "" {
			continue
		}
		if *field.dst, err = parseDuration(field.value); err != nil {
			return nil, fail(err)
		}
	}
	for _, field := range []struct {
		value string
		dst   *time.Time
	}{
		{td.StartDate, &task.StartDate},
		{td.EndDate, &task.EndDate},
	} {
		if field.value == "" {
			continue
		}
		if *field.dst, err = parseTime(field.value, dag.Location); err != nil {
			return nil, fail(err)
		}
	}

	if td.SubDAG != nil {
		sub, err := l.buildSubDAG(dag, def, td, path)
		if err != nil {
			return nil, err
		}
		task.SubDAG = sub
		return task, nil
	}
	if td.Command != "" {
		shell := td.Shell
		if shell == "" {
			shell = l.opts.Shell
		}
		task.Runner = &cmdutil.CommandRunner{
			Command:  td.Command,
			Shell:    shell,
			Dir:      td.Dir,
			Env:      td.Env,
			Renderer: renderer,
		}
	}
	return task, nil
}

// buildSubDAG builds the nested definition of td, inheriting schedule
// metadata and default_args from the parent definition.
func (l *Loader) buildSubDAG(parent *core.DAG, def *definition, td taskDefinition, path string) (*core.DAG, error) {
	sub := *td.SubDAG
	if sub.DagID == "" {
		sub.DagID = parent.ID + "." + td.TaskID
	}
	inherited := *def
	inherited.DagID, inherited.Description = "", ""
	inherited.OnSuccess, inherited.OnFailure, inherited.OnSLAMiss = "", "", ""
	inherited.Tasks = nil
	if err := mergo.Merge(&sub, inherited, mergo.WithoutDereference); err != nil {
		return nil, &core.DefinitionError{DAGID: sub.DagID, Err: err}
	}
	return l.build(&sub, path)
}

// callback wraps a shell command as a DAG callback.
func (l *Loader) callback(command string, renderer core.Renderer) core.Callback {
	if command == "" {
		return nil
	}
	runner := &cmdutil.CommandRunner{Command: command, Shell: l.opts.Shell, Renderer: renderer}
	return func(ctx context.Context, tc core.TemplateContext) error {
		return runner.Run(ctx, tc)
	}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime reads s in loc unless it carries its own offset.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range timeLayouts[1:] {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// parseDuration accepts duration strings and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return duration.Parse(s)
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
