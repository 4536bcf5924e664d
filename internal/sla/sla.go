// Package sla records task instances that finished later than their
// task's SLA allows and reports new misses through the DAG's OnSLAMiss
// callback.
//
// A period counts as missed when the task has not succeeded for it and
// the following schedule plus the SLA already lies in the past. Only the
// periods after the task's latest success or skip are examined, so a
// task that never completed records nothing.
package sla

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
	"github.com/dagucloud/dagsched/internal/core"
	"github.com/dagucloud/dagsched/internal/core/exec"
	"github.com/dagucloud/dagsched/internal/metrics"
)

// Check records the misses of dag as of now and notifies pending ones.
// It returns how many misses were new.
func Check(ctx context.Context, store exec.Store, dag *core.DAG, now time.Time) (int, error) {
	tasks := map[string]*core.Task{}
	for _, t := range dag.Tasks() {
		if t.SLA > 0 {
			tasks[t.ID] = t
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	now = now.UTC()
	ids := slices.Sorted(maps.Keys(tasks))

	done, err := store.FindTaskInstances(ctx, exec.TaskInstanceFilter{
		DAGID:   dag.ID,
		TaskIDs: ids,
		States:  []core.State{core.StateSuccess, core.StateSkipped},
	})
	if err != nil {
		return 0, err
	}
	latest := map[string]time.Time{}
	for _, ti := range done {
		if ti.ExecutionDate.After(latest[ti.TaskID]) {
			latest[ti.TaskID] = ti.ExecutionDate
		}
	}

	var recorded int
	err = store.InTx(ctx, func(ctx context.Context, q exec.Queries) error {
		recorded = 0
		for _, id := range ids {
			last, ok := latest[id]
			if !ok {
				continue
			}
			for _, ed := range missedPeriods(dag, tasks[id].SLA, last, now) {
				created, err := q.InsertSlaMiss(ctx, exec.SlaMiss{
					DAGID:         dag.ID,
					TaskID:        id,
					ExecutionDate: ed,
					Timestamp:     now,
				})
				if err != nil {
					return err
				}
				if created {
					recorded++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record sla misses of %s: %w", dag.ID, err)
	}
	if recorded > 0 {
		metrics.SLAMisses.Add(float64(recorded))
		logger.Warn(ctx, "SLA missed", tag.DAG(dag.ID), tag.Count(recorded))
	}
	return recorded, notify(ctx, store, dag)
}

// missedPeriods returns the logical dates after last whose deadline,
// the following schedule plus sla, is before now.
func missedPeriods(dag *core.DAG, sla time.Duration, last, now time.Time) []time.Time {
	var out []time.Time
	ed, ok := dag.FollowingSchedule(last)
	for ok && ed.Before(now) {
		next, more := dag.FollowingSchedule(ed)
		if !more {
			break
		}
		if next.Add(sla).Before(now) {
			out = append(out, ed)
		}
		ed = next
	}
	return out
}

// notify hands the pending misses of dag to OnSLAMiss. Misses stay
// pending when the callback fails so the next check retries them.
func notify(ctx context.Context, store exec.Store, dag *core.DAG) error {
	if dag.OnSLAMiss == nil {
		return nil
	}
	pending, err := store.FindSlaMisses(ctx, dag.ID, true)
	if err != nil || len(pending) == 0 {
		return err
	}

	var dates []time.Time
	misses := make([]string, len(pending))
	for i, m := range pending {
		misses[i] = m.TaskID + " on " + m.ExecutionDate.Format(time.RFC3339)
		if !slices.ContainsFunc(dates, m.ExecutionDate.Equal) {
			dates = append(dates, m.ExecutionDate)
		}
	}
	tis, err := store.FindTaskInstances(ctx, exec.TaskInstanceFilter{DAGID: dag.ID, ExecutionDates: dates})
	if err != nil {
		return err
	}
	var blocking []string
	for _, ti := range tis {
		if ti.State == core.StateSuccess {
			continue
		}
		if _, err := dag.Task(ti.TaskID); err != nil {
			continue
		}
		blocking = append(blocking, ti.TaskID+" on "+ti.ExecutionDate.Format(time.RFC3339))
	}

	tc := core.NewTemplateContext(core.TemplateInput{DAG: dag, ExecutionDate: pending[0].ExecutionDate})
	tc["task_list"] = strings.Join(misses, "\n")
	tc["blocking_task_list"] = strings.Join(blocking, "\n")
	if !invoke(ctx, dag, tc) {
		return nil
	}
	_, err = store.SetSlaMissesNotified(ctx, pending)
	return err
}

func invoke(ctx context.Context, dag *core.DAG, tc core.TemplateContext) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "SLA miss callback panicked", tag.DAG(dag.ID), tag.Error(fmt.Errorf("panic: %v", r)))
			ok = false
		}
	}()
	if err := dag.OnSLAMiss(ctx, tc); err != nil {
		logger.Error(ctx, "SLA miss callback failed", tag.DAG(dag.ID), tag.Error(err))
		return false
	}
	return true
}
