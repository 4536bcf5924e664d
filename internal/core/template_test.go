package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemplateContext(t *testing.T) {
	t.Parallel()
	d, err := NewDAG("tmpl", WithSchedule("@daily"), WithStartDate(testStart), WithParams(map[string]any{"env": "dev", "team": "data"}))
	require.NoError(t, err)
	d.Macros = map[string]any{"bucket": "s3://lake"}
	task := &Task{ID: "t", Params: map[string]any{"env": "prod"}}
	require.NoError(t, d.AddTask(task))

	ed := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	tc := NewTemplateContext(TemplateInput{DAG: d, Task: task, ExecutionDate: ed, RunID: "scheduled__x", TryNumber: 2})

	assert.Equal(t, "2026-02-10", tc["ds"])
	assert.Equal(t, "20260210", tc["ds_nodash"])
	assert.Equal(t, "tmpl", tc["dag_id"])
	assert.Equal(t, "t", tc["task_id"])
	assert.Equal(t, 2, tc["try_number"])
	assert.Equal(t, "2026-02-09", tc["prev_ds"])
	assert.Equal(t, "2026-02-11", tc["next_ds"])
	assert.Equal(t, "s3://lake", tc["bucket"])
	params := tc["params"].(map[string]any)
	assert.Equal(t, "prod", params["env"], "task params override DAG params")
	assert.Equal(t, "data", params["team"])
}

func TestTextRenderer(t *testing.T) {
	t.Parallel()
	r := NewTextRenderer(map[string]any{
		"shout":    strings.ToUpper,
		"notAFunc": 42,
	})
	tc := TemplateContext{"ds": "2026-02-10", "params": map[string]any{"table": "events"}}

	out, err := r.Render(`load {{ .params.table | shout }} for {{ .ds | replace "-" "" }}`, tc)
	require.NoError(t, err)
	assert.Equal(t, "load EVENTS for 20260210", out)

	_, err = r.Render(`{{ .missing }}`, tc)
	assert.Error(t, err)

	_, err = r.Render(`{{ .ds `, tc)
	assert.Error(t, err)
}

func TestRenderFields(t *testing.T) {
	t.Parallel()
	task := &Task{ID: "t", TemplateFields: map[string]string{"sql": "select * from t where ds = '{{ .ds }}'"}}
	out, err := RenderFields(NewTextRenderer(nil), task, TemplateContext{"ds": "2026-01-01"})
	require.NoError(t, err)
	assert.Equal(t, "select * from t where ds = '2026-01-01'", out["sql"])
}
