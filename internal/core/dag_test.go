package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestDAG(t *testing.T, id string, taskIDs ...string) *DAG {
	t.Helper()
	d, err := NewDAG(id, WithStartDate(testStart))
	require.NoError(t, err)
	for _, tid := range taskIDs {
		require.NoError(t, d.AddTask(&Task{ID: tid}))
	}
	return d
}

func chain(t *testing.T, d *DAG, ids ...string) {
	t.Helper()
	for i := 1; i < len(ids); i++ {
		require.NoError(t, d.SetDependency(ids[i-1], ids[i]))
	}
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func TestDAG_AddTask(t *testing.T) {
	t.Parallel()

	t.Run("MissingStartDate", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("no_start")
		require.NoError(t, err)
		err = d.AddTask(&Task{ID: "a"})
		require.ErrorIs(t, err, ErrMissingStartDate)

		var defErr *DefinitionError
		require.ErrorAs(t, err, &defErr)
		assert.Equal(t, "no_start", defErr.DAGID)
	})

	t.Run("TaskStartDateSuffices", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("no_start")
		require.NoError(t, err)
		require.NoError(t, d.AddTask(&Task{ID: "a", StartDate: testStart}))
	})

	t.Run("ClampsWindow", func(t *testing.T) {
		t.Parallel()
		end := testStart.AddDate(0, 6, 0)
		d, err := NewDAG("clamp", WithStartDate(testStart), WithEndDate(end))
		require.NoError(t, err)

		early := &Task{ID: "early", StartDate: testStart.AddDate(-1, 0, 0), EndDate: end.AddDate(1, 0, 0)}
		late := &Task{ID: "late", StartDate: testStart.AddDate(0, 1, 0), EndDate: end.AddDate(0, -1, 0)}
		open := &Task{ID: "open"}
		require.NoError(t, d.AddTasks(early, late, open))

		assert.Equal(t, testStart, early.StartDate)
		assert.Equal(t, end, early.EndDate)
		assert.Equal(t, testStart.AddDate(0, 1, 0), late.StartDate)
		assert.Equal(t, end.AddDate(0, -1, 0), late.EndDate)
		assert.Equal(t, testStart, open.StartDate)
		assert.Equal(t, end, open.EndDate)
	})

	t.Run("DuplicateIsHardError", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "dup", "a")
		err := d.AddTask(&Task{ID: "a"})
		assert.ErrorIs(t, err, ErrDuplicateTaskID)
		assert.Len(t, d.Tasks(), 1)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "keys")
		assert.ErrorIs(t, d.AddTask(&Task{ID: "has space"}), ErrInvalidKey)
		_, err := NewDAG("bad/id")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "defaults", "a")
		task, err := d.Task("a")
		require.NoError(t, err)
		assert.Equal(t, TriggerAllSuccess, task.TriggerRule)
		assert.Equal(t, DefaultPool, task.Pool)
		assert.Equal(t, 1, task.PriorityWeight)
		assert.Same(t, d, task.DAG())
		assert.Equal(t, TaskRegular, task.Kind())
	})
}

func TestDAG_SetDependency(t *testing.T) {
	t.Parallel()
	d := newTestDAG(t, "deps", "a", "b")

	assert.ErrorIs(t, d.SetDependency("a", "a"), ErrSelfDependency)
	assert.ErrorIs(t, d.SetDependency("a", "zzz"), ErrTaskNotFound)

	require.NoError(t, d.SetDependency("a", "b"))
	require.NoError(t, d.SetDependency("a", "b"))

	a, _ := d.Task("a")
	b, _ := d.Task("b")
	assert.Equal(t, []string{"b"}, a.DownstreamIDs())
	assert.Equal(t, []string{"a"}, b.UpstreamIDs())
	assert.Equal(t, []string{"a"}, taskIDs(d.Roots()))
	assert.Equal(t, []string{"b"}, taskIDs(d.Leaves()))
}

func TestDAG_TopologicalSort(t *testing.T) {
	t.Parallel()

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()
		sorted, err := newTestDAG(t, "empty").TopologicalSort()
		require.NoError(t, err)
		assert.Empty(t, sorted)
	})

	t.Run("RespectsUpstream", func(t *testing.T) {
		t.Parallel()
		// insertion order deliberately differs from dependency order
		d := newTestDAG(t, "diamond", "join", "left", "right", "start", "end")
		require.NoError(t, d.SetDependency("start", "left"))
		require.NoError(t, d.SetDependency("start", "right"))
		require.NoError(t, d.SetDependency("left", "join"))
		require.NoError(t, d.SetDependency("right", "join"))
		require.NoError(t, d.SetDependency("join", "end"))

		sorted, err := d.TopologicalSort()
		require.NoError(t, err)
		require.Len(t, sorted, 5)

		pos := map[string]int{}
		for i, task := range sorted {
			pos[task.ID] = i
		}
		for _, task := range sorted {
			for _, up := range task.UpstreamIDs() {
				assert.Less(t, pos[up], pos[task.ID], "%s must come after %s", task.ID, up)
			}
		}
		assert.Equal(t, []string{"start", "left", "right", "join", "end"}, taskIDs(sorted))
	})

	t.Run("IndependentTasksKeepInsertionOrder", func(t *testing.T) {
		t.Parallel()
		sorted, err := newTestDAG(t, "flat", "c", "a", "b").TopologicalSort()
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, taskIDs(sorted))
	})

	t.Run("Cycle", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "cyclic", "a", "b", "c", "free")
		chain(t, d, "a", "b", "c", "a")

		sorted, err := d.TopologicalSort()
		assert.Nil(t, sorted)
		require.ErrorIs(t, err, ErrCycle)
		assert.Contains(t, err.Error(), `"cyclic"`)
	})
}

func TestDAG_SubDAG(t *testing.T) {
	t.Parallel()

	t.Run("DownstreamOnly", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "abc", "A", "B", "C")
		chain(t, d, "A", "B", "C")

		sub, err := d.SubDAG("B", false, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "C"}, sub.TaskIDs())
		assert.True(t, sub.Partial)

		b, err := sub.Task("B")
		require.NoError(t, err)
		assert.Empty(t, b.UpstreamIDs())
		assert.Equal(t, []string{"C"}, b.DownstreamIDs())

		orig, _ := d.Task("B")
		assert.Equal(t, []string{"A"}, orig.UpstreamIDs(), "original DAG must be untouched")
		assert.Len(t, d.Tasks(), 3)
	})

	t.Run("UpstreamClosure", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "abcd", "A", "B", "C", "D")
		chain(t, d, "A", "B", "C", "D")

		sub, err := d.SubDAG("^C$", true, false)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"A", "B", "C"}, sub.TaskIDs())
		c, _ := sub.Task("C")
		assert.Empty(t, c.DownstreamIDs())
	})

	t.Run("AllTasksNotPartial", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "all", "x", "y")
		sub, err := d.SubDAG(".*", false, false)
		require.NoError(t, err)
		assert.False(t, sub.Partial)
	})

	t.Run("SharesParams", func(t *testing.T) {
		t.Parallel()
		d := newTestDAG(t, "params", "x")
		d.Params["env"] = "prod"
		sub, err := d.SubDAG("x", false, false)
		require.NoError(t, err)
		sub.Params["added"] = true
		assert.Equal(t, true, d.Params["added"])
	})

	t.Run("InvalidPattern", func(t *testing.T) {
		t.Parallel()
		_, err := newTestDAG(t, "bad").SubDAG("(", false, false)
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})
}

func TestDAG_SubDAGs(t *testing.T) {
	t.Parallel()
	inner := newTestDAG(t, "parent.section.inner", "leaf")
	section := newTestDAG(t, "parent.section")
	require.NoError(t, section.AddTask(&Task{ID: "inner", SubDAG: inner}))
	parent := newTestDAG(t, "parent", "first")
	require.NoError(t, parent.AddTask(&Task{ID: "section", SubDAG: section}))

	subs := parent.SubDAGs()
	require.Len(t, subs, 2)
	assert.Equal(t, "parent.section", subs[0].ID)
	assert.Equal(t, "parent.section.inner", subs[1].ID)
	assert.True(t, section.IsSubDAG)
	assert.Same(t, parent, section.Parent)
	assert.Same(t, parent, inner.RootDAG())

	task, _ := parent.Task("section")
	assert.Equal(t, TaskSubDAG, task.Kind())
}

func TestDAG_Clone(t *testing.T) {
	t.Parallel()
	d := newTestDAG(t, "orig", "a", "b")
	chain(t, d, "a", "b")
	d.Macros = map[string]any{"greeting": "hi"}

	c := d.Clone()
	require.NoError(t, c.AddTask(&Task{ID: "c"}))
	require.NoError(t, c.SetDependency("b", "c"))

	assert.Len(t, d.Tasks(), 2)
	b, _ := d.Task("b")
	assert.Empty(t, b.DownstreamIDs())

	ca, _ := c.Task("a")
	assert.Same(t, c, ca.DAG())
	c.Macros["x"] = 1
	assert.Equal(t, 1, d.Macros["x"])
}

func TestTask_Relatives(t *testing.T) {
	t.Parallel()
	d := newTestDAG(t, "rel", "a", "b", "c", "d")
	chain(t, d, "a", "b", "c")
	require.NoError(t, d.SetDependency("a", "d"))

	a, _ := d.Task("a")
	assert.Equal(t, []string{"b", "d", "c"}, taskIDs(a.Relatives(false)))
	c, _ := d.Task("c")
	assert.Equal(t, []string{"b", "a"}, taskIDs(c.Relatives(true)))
}

func TestTask_NextRetryDelay(t *testing.T) {
	t.Parallel()
	constant := &Task{ID: "c", RetryDelay: time.Minute}
	assert.Equal(t, time.Minute, constant.NextRetryDelay(3))

	exp := &Task{ID: "e", RetryDelay: time.Minute, RetryExponentialBackoff: true, MaxRetryDelay: 10 * time.Minute}
	assert.Equal(t, time.Minute, exp.NextRetryDelay(1))
	assert.Equal(t, 4*time.Minute, exp.NextRetryDelay(3))
	assert.Equal(t, 10*time.Minute, exp.NextRetryDelay(10))
}

func TestErrorList(t *testing.T) {
	t.Parallel()
	var list ErrorList
	assert.NoError(t, list.ErrOrNil())
	list = append(list, &DefinitionError{DAGID: "x", Err: ErrCycle}, errors.New("other"))
	err := list.ErrOrNil()
	assert.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "; other")
}
