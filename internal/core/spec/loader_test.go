package spec_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagucloud/dagsched/internal/cmn/cmdutil"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/spec"
)

const etlDAG = `
dag_id: etl
description: nightly load
schedule: "0 2 * * *"
timezone: Europe/Amsterdam
start_date: "2026-03-01"
catchup: false
max_active_runs: 2
tags: [nightly]
on_sla_miss: echo late
params:
  target: warehouse
default_args:
  owner: data
  retries: 2
  retry_delay: 10m
  pool: etl_pool
  env:
    STAGE: prod
tasks:
  - task_id: extract
    command: echo {{ .ds }}
  - task_id: transform
    depends_on: [extract]
    retries: 0
    env:
      STAGE: test
      EXTRA: "1"
  - task_id: load
    depends_on: [transform]
    trigger_rule: all_done
    retry_exponential_backoff: true
    max_retry_delay: 1h
    execution_timeout: 300
    sla: 2h
`

func load(t *testing.T, content string) ([]*core.DAG, error) {
	t.Helper()
	return spec.NewLoader().Load(context.Background(), "/dags/test.yaml", []byte(content))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dags, err := load(t, etlDAG)
	require.NoError(t, err)
	require.Len(t, dags, 1)
	dag := dags[0]

	t.Run("DAGFields", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "etl", dag.ID)
		assert.Equal(t, "nightly load", dag.Description)
		assert.Equal(t, "0 2 * * *", dag.Schedule.String())
		assert.Equal(t, "Europe/Amsterdam", dag.Location.String())
		// Midnight in Amsterdam (CET) is 23:00 UTC the day before.
		assert.Equal(t, time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC), dag.StartDate)
		assert.False(t, dag.Catchup)
		assert.Equal(t, 2, dag.MaxActiveRuns)
		assert.Equal(t, core.DefaultConcurrency, dag.Concurrency)
		assert.Equal(t, []string{"nightly"}, dag.Tags)
		assert.Equal(t, "warehouse", dag.Params["target"])
		assert.Equal(t, "/dags/test.yaml", dag.Fileloc)
		assert.NotNil(t, dag.OnSLAMiss)
		assert.Nil(t, dag.OnSuccess)
	})
	t.Run("TopologicalOrder", func(t *testing.T) {
		t.Parallel()
		sorted, err := dag.TopologicalSort()
		require.NoError(t, err)
		var ids []string
		for _, task := range sorted {
			ids = append(ids, task.ID)
		}
		assert.Equal(t, []string{"extract", "transform", "load"}, ids)
	})
	t.Run("DefaultArgs", func(t *testing.T) {
		t.Parallel()
		extract, err := dag.Task("extract")
		require.NoError(t, err)
		assert.Equal(t, "data", extract.Owner)
		assert.Equal(t, 2, extract.Retries)
		assert.Equal(t, 10*time.Minute, extract.RetryDelay)
		assert.Equal(t, "etl_pool", extract.Pool)
		assert.Equal(t, core.TriggerAllSuccess, extract.TriggerRule)

		runner, ok := extract.Runner.(*cmdutil.CommandRunner)
		require.True(t, ok)
		assert.Equal(t, "echo {{ .ds }}", runner.Command)
		assert.Equal(t, map[string]string{"STAGE": "prod"}, runner.Env)
	})
	t.Run("TaskOverridesDefaults", func(t *testing.T) {
		t.Parallel()
		transform, err := dag.Task("transform")
		require.NoError(t, err)
		assert.Zero(t, transform.Retries)
		assert.Nil(t, transform.Runner)
		assert.Equal(t, []string{"extract"}, transform.UpstreamIDs())

		load, err := dag.Task("load")
		require.NoError(t, err)
		assert.Equal(t, core.TriggerAllDone, load.TriggerRule)
		assert.True(t, load.RetryExponentialBackoff)
		assert.Equal(t, time.Hour, load.MaxRetryDelay)
		assert.Equal(t, 5*time.Minute, load.ExecutionTimeout)
		assert.Equal(t, 2*time.Hour, load.SLA)
		assert.Zero(t, transform.SLA)
	})
}

func TestLoad_MultiDocument(t *testing.T) {
	t.Parallel()

	content := `
dag_id: first
start_date: 2026-01-01
tasks:
  - task_id: a
---
dag_id: second
schedule: "@hourly"
start_date: 2026-01-01T06:00:00Z
tasks:
  - task_id: b
`
	dags, err := load(t, content)
	require.NoError(t, err)
	require.Len(t, dags, 2)
	assert.Equal(t, "first", dags[0].ID)
	assert.Equal(t, "second", dags[1].ID)
	assert.Equal(t, time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC), dags[1].StartDate)

	t.Run("DuplicateID", func(t *testing.T) {
		t.Parallel()
		_, err := load(t, content+"---\ndag_id: first\nstart_date: 2026-01-01\ntasks: []\n")
		assert.ErrorIs(t, err, spec.ErrDuplicateDagID)
	})
}

func TestLoad_SubDAG(t *testing.T) {
	t.Parallel()

	content := `
dag_id: parent
schedule: "@daily"
start_date: 2026-01-01
default_args:
  retries: 1
tasks:
  - task_id: start
  - task_id: section
    depends_on: [start]
    subdag:
      tasks:
        - task_id: inner_a
        - task_id: inner_b
          depends_on: [inner_a]
          retries: 3
`
	dags, err := load(t, content)
	require.NoError(t, err)
	require.Len(t, dags, 1)

	section, err := dags[0].Task("section")
	require.NoError(t, err)
	require.Equal(t, core.TaskSubDAG, section.Kind())

	sub := section.SubDAG
	assert.Equal(t, "parent.section", sub.ID)
	assert.True(t, sub.IsSubDAG)
	assert.Same(t, dags[0], sub.Parent)
	assert.Equal(t, "@daily", sub.Schedule.String())
	assert.Equal(t, dags[0].StartDate, sub.StartDate)

	innerA, err := sub.Task("inner_a")
	require.NoError(t, err)
	assert.Equal(t, 1, innerA.Retries)
	innerB, err := sub.Task("inner_b")
	require.NoError(t, err)
	assert.Equal(t, 3, innerB.Retries)

	assert.Len(t, dags[0].SubDAGs(), 1)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		target  error
	}{
		{
			name:    "Cycle",
			content: "dag_id: c\nstart_date: 2026-01-01\ntasks:\n  - task_id: a\n    depends_on: [b]\n  - task_id: b\n    depends_on: [a]\n",
			target:  core.ErrCycle,
		},
		{
			name:    "DuplicateTask",
			content: "dag_id: d\nstart_date: 2026-01-01\ntasks:\n  - task_id: a\n  - task_id: a\n",
			target:  core.ErrDuplicateTaskID,
		},
		{
			name:    "UnknownUpstream",
			content: "dag_id: u\nstart_date: 2026-01-01\ntasks:\n  - task_id: a\n    depends_on: [ghost]\n",
			target:  core.ErrTaskNotFound,
		},
		{
			name:    "MissingStartDate",
			content: "dag_id: m\ntasks:\n  - task_id: a\n",
			target:  core.ErrMissingStartDate,
		},
		{
			name:    "MissingDagID",
			content: "tasks:\n  - task_id: a\n",
			target:  spec.ErrMissingDagID,
		},
		{
			name:    "InvalidSchedule",
			content: "dag_id: s\nschedule: \"61 * * * *\"\ntasks: []\n",
			target:  core.ErrInvalidSchedule,
		},
		{
			name:    "InvalidTriggerRule",
			content: "dag_id: r\nstart_date: 2026-01-01\ntasks:\n  - task_id: a\n    trigger_rule: sometimes\n",
			target:  core.ErrInvalidTriggerRule,
		},
		{
			name:    "InvalidTime",
			content: "dag_id: t\nstart_date: yesterday\ntasks: []\n",
			target:  spec.ErrInvalidTime,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.content)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	t.Run("UnknownKey", func(t *testing.T) {
		t.Parallel()
		_, err := load(t, "dag_id: k\nstart_date: 2026-01-01\nschedul: daily\ntasks: []\n")
		assert.Error(t, err)
	})
	t.Run("CycleNamesDAG", func(t *testing.T) {
		t.Parallel()
		_, err := load(t, tests[0].content)
		var defErr *core.DefinitionError
		require.ErrorAs(t, err, &defErr)
		assert.Equal(t, "c", defErr.DAGID)
	})
}

func TestLoader_LoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "etl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(etlDAG), 0600))

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	dags, err := spec.NewLoader(spec.WithLocation(loc), spec.WithCatchup(false)).LoadFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, dags, 1)
	assert.Equal(t, path, dags[0].Fileloc)

	_, err = spec.NewLoader().LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = spec.NewLoader().LoadFile(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}
