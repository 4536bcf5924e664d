package core

import (
	"bytes"
	"fmt"
	"maps"
	"reflect"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"
)

// TemplateContext is the mapping exposed to templated task fields and
// DAG callbacks.
type TemplateContext map[string]any

// TemplateInput carries what NewTemplateContext needs from a task instance.
type TemplateInput struct {
	DAG           *DAG
	Task          *Task
	ExecutionDate time.Time
	RunID         string
	TryNumber     int
	Conf          map[string]any
}

// NewTemplateContext builds the context for one task instance.
func NewTemplateContext(in TemplateInput) TemplateContext {
	ed := in.ExecutionDate.UTC()
	tc := TemplateContext{
		"ds":             ed.Format("2006-01-02"),
		"ds_nodash":      ed.Format("20060102"),
		"ts":             ed.Format(time.RFC3339),
		"execution_date": ed,
		"run_id":         in.RunID,
		"try_number":     in.TryNumber,
		"conf":           in.Conf,
	}
	params := map[string]any{}
	if in.DAG != nil {
		tc["dag_id"] = in.DAG.ID
		maps.Copy(params, in.DAG.Params)
		if prev, ok := in.DAG.PreviousSchedule(ed); ok {
			tc["prev_execution_date"] = prev
			tc["prev_ds"] = prev.Format("2006-01-02")
		}
		if next, ok := in.DAG.FollowingSchedule(ed); ok {
			tc["next_execution_date"] = next
			tc["next_ds"] = next.Format("2006-01-02")
		}
		for k, v := range in.DAG.Macros {
			if _, reserved := tc[k]; !reserved {
				tc[k] = v
			}
		}
	}
	if in.Task != nil {
		tc["task_id"] = in.Task.ID
		maps.Copy(params, in.Task.Params)
	}
	tc["params"] = params
	return tc
}

// Renderer renders a task's templated fields.
type Renderer interface {
	Render(text string, tc TemplateContext) (string, error)
}

// TextRenderer uses text/template with the sprig function set plus the
// DAG's user-defined filters.
type TextRenderer struct {
	funcs template.FuncMap
}

func NewTextRenderer(filters map[string]any) *TextRenderer {
	funcs := sprig.TxtFuncMap()
	for name, fn := range filters {
		if fn != nil && reflect.TypeOf(fn).Kind() == reflect.Func {
			funcs[name] = fn
		}
	}
	return &TextRenderer{funcs: funcs}
}

func (r *TextRenderer) Render(text string, tc TemplateContext) (string, error) {
	tmpl, err := template.New("field").Funcs(r.funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(tc)); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// RenderFields renders every templated field of task.
func RenderFields(r Renderer, task *Task, tc TemplateContext) (map[string]string, error) {
	out := make(map[string]string, len(task.TemplateFields))
	for name, text := range task.TemplateFields {
		rendered, err := r.Render(text, tc)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = rendered
	}
	return out, nil
}
