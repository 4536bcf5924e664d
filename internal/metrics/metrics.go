// Package metrics holds the prometheus collectors exported by the
// scheduler process.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
)

// Counters and gauges updated by the scheduling core.
var (
	ZombiesKilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagsched_zombies_killed_total",
		Help: "Task instances failed because their job stopped heartbeating",
	})
	DagBagSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dagsched_dagbag_size",
		Help: "Number of DAGs in the DagBag, sub-DAGs included",
	})
	DagBagImportErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dagsched_dagbag_import_errors",
		Help: "Number of DAG files that failed to load",
	})
	CollectDAGsSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dagsched_collect_dags_seconds",
		Help: "Duration of the last DAG collection",
	})
	DagRunStateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dagsched_dagrun_state_changes_total",
		Help: "DAG run state transitions by target state",
	}, []string{"state"})
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagsched_tasks_submitted_total",
		Help: "Task instances handed to the executor",
	})
	SLAMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagsched_sla_misses_total",
		Help: "SLA misses recorded",
	})
)

// Collector reports gauges computed from the store at scrape time.
type Collector struct {
	startTime time.Time
	version   string
	store     exec.Queries

	infoDesc        *prometheus.Desc
	uptimeDesc      *prometheus.Desc
	dagRunsDesc     *prometheus.Desc
	dagsActiveDesc  *prometheus.Desc
	dagsPausedDesc  *prometheus.Desc
	tasksByStateDsc *prometheus.Desc
}

// NewCollector creates a new metrics collector
func NewCollector(version string, store exec.Queries) *Collector {
	return &Collector{
		startTime: time.Now(),
		version:   version,
		store:     store,

		infoDesc: prometheus.NewDesc(
			"dagsched_info",
			"dagsched build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dagsched_uptime_seconds",
			"Time since process start",
			nil,
			nil,
		),
		dagRunsDesc: prometheus.NewDesc(
			"dagsched_dag_runs",
			"Number of DAG runs by state",
			[]string{"state"},
			nil,
		),
		dagsActiveDesc: prometheus.NewDesc(
			"dagsched_dags_active",
			"Number of active DAGs",
			nil,
			nil,
		),
		dagsPausedDesc: prometheus.NewDesc(
			"dagsched_dags_paused",
			"Number of active DAGs that are paused",
			nil,
			nil,
		),
		tasksByStateDsc: prometheus.NewDesc(
			"dagsched_task_instances",
			"Number of task instances by state",
			[]string{"state"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.dagRunsDesc
	ch <- c.dagsActiveDesc
	ch <- c.dagsPausedDesc
	ch <- c.tasksByStateDsc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1, c.version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	c.collectDagRuns(ctx, ch)
	c.collectDAGs(ctx, ch)
	c.collectTaskInstances(ctx, ch)
}

func (c *Collector) collectDagRuns(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := c.store.CountDagRunsByState(ctx, nil)
	if err != nil {
		return
	}
	totals := map[core.State]float64{}
	for _, byState := range counts {
		for state, n := range byState {
			totals[state] += float64(n)
		}
	}
	for _, state := range core.RunStates {
		ch <- prometheus.MustNewConstMetric(c.dagRunsDesc, prometheus.GaugeValue, totals[state], state.String())
	}
}

func (c *Collector) collectDAGs(ctx context.Context, ch chan<- prometheus.Metric) {
	models, err := c.store.ListDagModels(ctx)
	if err != nil {
		return
	}
	var active, paused float64
	for _, m := range models {
		if !m.IsActive {
			continue
		}
		active++
		if m.IsPaused {
			paused++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.dagsActiveDesc, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.dagsPausedDesc, prometheus.GaugeValue, paused)
}

func (c *Collector) collectTaskInstances(ctx context.Context, ch chan<- prometheus.Metric) {
	counts, err := c.store.CountTaskInstancesByState(ctx, exec.TaskInstanceFilter{
		States: []core.State{core.StateScheduled, core.StateQueued, core.StateRunning, core.StateUpForRetry},
	})
	if err != nil {
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.tasksByStateDsc, prometheus.GaugeValue, float64(n), state.String())
	}
}

// NewRegistry creates a registry holding the core metrics, the store
// collector when given, and the Go runtime collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		ZombiesKilled,
		DagBagSize,
		DagBagImportErrors,
		CollectDAGsSeconds,
		DagRunStateChanges,
		TasksSubmitted,
		SLAMisses,
	)
	if collector != nil {
		registry.MustRegister(collector)
	}
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
