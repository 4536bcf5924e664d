package core

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Defaults applied by NewDAG; loaders override them from configuration.
const (
	DefaultConcurrency   = 16
	DefaultMaxActiveRuns = 16
	DefaultPool          = "default_pool"
)

// Callback is invoked when a DAG run completes.
type Callback func(ctx context.Context, tc TemplateContext) error

// DAG is a named graph of tasks plus schedule metadata.
type DAG struct {
	ID            string
	Description   string
	Schedule      Schedule
	Location      *time.Location
	StartDate     time.Time
	EndDate       time.Time
	Concurrency   int
	MaxActiveRuns int
	Catchup       bool
	DagrunTimeout time.Duration
	Fileloc       string
	Tags          []string

	// Params, Macros and Filters are shared by reference with clones.
	Params  map[string]any
	Macros  map[string]any
	Filters map[string]any

	OnSuccess Callback
	OnFailure Callback
	// OnSLAMiss receives misses not yet notified.
	OnSLAMiss Callback

	IsSubDAG   bool
	Parent     *DAG
	Partial    bool
	LastLoaded time.Time

	tasks     []*Task
	taskIndex map[string]*Task
}

// Option configures a DAG built by NewDAG.
type Option func(*DAG) error

func WithSchedule(expr string) Option {
	return func(d *DAG) error {
		s, err := ParseSchedule(expr)
		if err != nil {
			return err
		}
		d.Schedule = s
		return nil
	}
}

func WithStartDate(t time.Time) Option {
	return func(d *DAG) error {
		d.StartDate = t.UTC()
		return nil
	}
}

func WithEndDate(t time.Time) Option {
	return func(d *DAG) error {
		d.EndDate = t.UTC()
		return nil
	}
}

func WithLocation(loc *time.Location) Option {
	return func(d *DAG) error {
		d.Location = loc
		return nil
	}
}

func WithCatchup(catchup bool) Option {
	return func(d *DAG) error {
		d.Catchup = catchup
		return nil
	}
}

func WithConcurrency(n int) Option {
	return func(d *DAG) error {
		d.Concurrency = n
		return nil
	}
}

func WithMaxActiveRuns(n int) Option {
	return func(d *DAG) error {
		d.MaxActiveRuns = n
		return nil
	}
}

func WithParams(params map[string]any) Option {
	return func(d *DAG) error {
		d.Params = params
		return nil
	}
}

// NewDAG builds an empty DAG with a daily schedule in UTC.
func NewDAG(id string, opts ...Option) (*DAG, error) {
	if err := ValidateKey(id); err != nil {
		return nil, &DefinitionError{DAGID: id, Err: err}
	}
	d := &DAG{
		ID:            id,
		Schedule:      IntervalSchedule(24 * time.Hour),
		Location:      time.UTC,
		Concurrency:   DefaultConcurrency,
		MaxActiveRuns: DefaultMaxActiveRuns,
		Catchup:       true,
		Params:        map[string]any{},
		LastLoaded:    time.Now().UTC(),
		taskIndex:     map[string]*Task{},
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, &DefinitionError{DAGID: id, Err: err}
		}
	}
	return d, nil
}

// AddTask registers t, clamping its window to the DAG's window.
func (d *DAG) AddTask(t *Task) error {
	if err := ValidateKey(t.ID); err != nil {
		return &DefinitionError{DAGID: d.ID, TaskID: t.ID, Err: err}
	}
	if d.StartDate.IsZero() && t.StartDate.IsZero() {
		return &DefinitionError{DAGID: d.ID, TaskID: t.ID, Err: ErrMissingStartDate}
	}
	if _, exists := d.taskIndex[t.ID]; exists {
		return &DefinitionError{DAGID: d.ID, TaskID: t.ID, Err: ErrDuplicateTaskID}
	}

	switch {
	case t.StartDate.IsZero():
		t.StartDate = d.StartDate
	case !d.StartDate.IsZero() && d.StartDate.After(t.StartDate):
		t.StartDate = d.StartDate
	}
	switch {
	case t.EndDate.IsZero():
		t.EndDate = d.EndDate
	case !d.EndDate.IsZero() && d.EndDate.Before(t.EndDate):
		t.EndDate = d.EndDate
	}
	t.StartDate, t.EndDate = utcOrZero(t.StartDate), utcOrZero(t.EndDate)

	if t.TriggerRule == "" {
		t.TriggerRule = TriggerAllSuccess
	}
	if t.Pool == "" {
		t.Pool = DefaultPool
	}
	if t.PriorityWeight == 0 {
		t.PriorityWeight = 1
	}
	if t.SubDAG != nil {
		t.SubDAG.IsSubDAG = true
		t.SubDAG.Parent = d
	}

	if d.taskIndex == nil {
		d.taskIndex = map[string]*Task{}
	}
	t.dag = d
	d.tasks = append(d.tasks, t)
	d.taskIndex[t.ID] = t
	return nil
}

// AddTasks adds tasks in order and stops at the first error.
func (d *DAG) AddTasks(tasks ...*Task) error {
	for _, t := range tasks {
		if err := d.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// SetDependency adds the edge upstream -> downstream between two tasks
// already in the DAG.
func (d *DAG) SetDependency(upstream, downstream string) error {
	if upstream == downstream {
		return &DefinitionError{DAGID: d.ID, TaskID: upstream, Err: ErrSelfDependency}
	}
	up, err := d.Task(upstream)
	if err != nil {
		return err
	}
	down, err := d.Task(downstream)
	if err != nil {
		return err
	}
	if !slices.Contains(up.downstream, downstream) {
		up.downstream = append(up.downstream, downstream)
	}
	if !slices.Contains(down.upstream, upstream) {
		down.upstream = append(down.upstream, upstream)
	}
	return nil
}

// Task looks up a task by id.
func (d *DAG) Task(id string) (*Task, error) {
	if t, ok := d.taskIndex[id]; ok {
		return t, nil
	}
	return nil, &DefinitionError{DAGID: d.ID, TaskID: id, Err: ErrTaskNotFound}
}

func (d *DAG) HasTask(id string) bool {
	_, ok := d.taskIndex[id]
	return ok
}

// Tasks returns the tasks in insertion order.
func (d *DAG) Tasks() []*Task { return slices.Clone(d.tasks) }

func (d *DAG) TaskIDs() []string {
	ids := make([]string, len(d.tasks))
	for i, t := range d.tasks {
		ids[i] = t.ID
	}
	return ids
}

// ActiveTasks excludes adhoc tasks.
func (d *DAG) ActiveTasks() []*Task {
	var out []*Task
	for _, t := range d.tasks {
		if !t.Adhoc {
			out = append(out, t)
		}
	}
	return out
}

// Roots are tasks without upstream dependencies.
func (d *DAG) Roots() []*Task {
	var out []*Task
	for _, t := range d.tasks {
		if len(t.upstream) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Leaves are tasks without downstream dependents.
func (d *DAG) Leaves() []*Task {
	var out []*Task
	for _, t := range d.tasks {
		if len(t.downstream) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Owner joins the distinct task owners.
func (d *DAG) Owner() string {
	var owners []string
	for _, t := range d.tasks {
		if t.Owner != "" && !slices.Contains(owners, t.Owner) {
			owners = append(owners, t.Owner)
		}
	}
	return strings.Join(owners, ", ")
}

// RootDAG walks up the parent chain.
func (d *DAG) RootDAG() *DAG {
	root := d
	for root.Parent != nil {
		root = root.Parent
	}
	return root
}

// EarliestStartDate returns the minimum task start date.
func (d *DAG) EarliestStartDate() time.Time {
	earliest := d.StartDate
	for _, t := range d.tasks {
		if !t.StartDate.IsZero() && (earliest.IsZero() || t.StartDate.Before(earliest)) {
			earliest = t.StartDate
		}
	}
	return earliest
}

// TopologicalSort orders tasks so every task follows its upstream tasks.
// Each pass resolves tasks whose upstream are all resolved, in insertion
// order; a pass that resolves nothing means the graph has a cycle.
func (d *DAG) TopologicalSort() ([]*Task, error) {
	unsorted := slices.Clone(d.tasks)
	sorted := make([]*Task, 0, len(unsorted))
	resolved := make(map[string]bool, len(unsorted))

	for len(unsorted) > 0 {
		var remaining []*Task
		progress := false
		for _, t := range unsorted {
			ready := true
			for _, up := range t.upstream {
				if d.HasTask(up) && !resolved[up] {
					ready = false
					break
				}
			}
			if ready {
				resolved[t.ID] = true
				sorted = append(sorted, t)
				progress = true
			} else {
				remaining = append(remaining, t)
			}
		}
		if !progress {
			return nil, &DefinitionError{DAGID: d.ID, Err: ErrCycle}
		}
		unsorted = remaining
	}
	return sorted, nil
}

func (d *DAG) schedule() Schedule {
	if d.Schedule == nil {
		return noSchedule{}
	}
	return d.Schedule
}

// FollowingSchedule returns the next firing after t, false when the
// schedule has no further occurrence.
func (d *DAG) FollowingSchedule(t time.Time) (time.Time, bool) {
	return d.schedule().Next(t, d.Location)
}

// PreviousSchedule returns the latest firing strictly before t.
func (d *DAG) PreviousSchedule(t time.Time) (time.Time, bool) {
	return d.schedule().Prev(t, d.Location)
}

// NormalizeSchedule returns t when it is a firing, otherwise the next one.
func (d *DAG) NormalizeSchedule(t time.Time) time.Time {
	following, ok := d.FollowingSchedule(t)
	if !ok {
		return t.UTC()
	}
	if prev, ok := d.PreviousSchedule(following); !ok || !prev.Equal(t) {
		return following
	}
	return t.UTC()
}

// RunDates yields the logical times in [start, end] aligned to the
// schedule. A zero start means the earliest task start date, a zero end
// means now. The sequence can be ranged over repeatedly.
func (d *DAG) RunDates(start, end time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if d.schedule().Kind() == ScheduleNone {
			return
		}
		from := start
		if from.IsZero() {
			from = d.EarliestStartDate()
		}
		if from.IsZero() {
			return
		}
		to := end
		if to.IsZero() {
			to = time.Now().UTC()
		}
		next := from.UTC()
		if !d.IsSubDAG {
			next = d.NormalizeSchedule(from)
		}
		for !next.After(to) {
			if !yield(next) {
				return
			}
			n, ok := d.FollowingSchedule(next)
			if !ok {
				return
			}
			next = n
		}
	}
}

// DateRange returns up to n schedule-aligned times starting at start.
func (d *DAG) DateRange(start time.Time, n int) []time.Time {
	var out []time.Time
	next := d.NormalizeSchedule(start)
	for len(out) < n {
		out = append(out, next)
		n2, ok := d.FollowingSchedule(next)
		if !ok {
			break
		}
		next = n2
	}
	return out
}

// Clone copies the graph structure by value. Params, Macros, Filters and
// callbacks are shared with the original.
func (d *DAG) Clone() *DAG {
	c := *d
	c.Tags = slices.Clone(d.Tags)
	c.tasks = make([]*Task, 0, len(d.tasks))
	c.taskIndex = make(map[string]*Task, len(d.tasks))
	for _, t := range d.tasks {
		ct := t.clone()
		ct.dag = &c
		if ct.SubDAG != nil {
			ct.SubDAG.Parent = &c
		}
		c.tasks = append(c.tasks, ct)
		c.taskIndex[ct.ID] = ct
	}
	return &c
}

// SubDAG returns a partial copy restricted to tasks whose id matches
// pattern, plus their upstream and/or downstream closure. Edges to tasks
// that did not survive are pruned.
func (d *DAG) SubDAG(pattern string, includeUpstream, includeDownstream bool) (*DAG, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &DefinitionError{DAGID: d.ID, Err: fmt.Errorf("%w: %v", ErrInvalidPattern, err)}
	}

	keep := map[string]bool{}
	for _, t := range d.tasks {
		if !re.MatchString(t.ID) {
			continue
		}
		keep[t.ID] = true
		if includeUpstream {
			for _, rel := range t.Relatives(true) {
				keep[rel.ID] = true
			}
		}
		if includeDownstream {
			for _, rel := range t.Relatives(false) {
				keep[rel.ID] = true
			}
		}
	}

	sub := d.Clone()
	var tasks []*Task
	for _, t := range sub.tasks {
		if !keep[t.ID] {
			delete(sub.taskIndex, t.ID)
			continue
		}
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		t.upstream = slices.DeleteFunc(t.upstream, func(id string) bool { return !keep[id] })
		t.downstream = slices.DeleteFunc(t.downstream, func(id string) bool { return !keep[id] })
	}
	sub.tasks = tasks
	sub.Partial = len(tasks) < len(d.tasks)
	return sub, nil
}

// SubDAGs returns every nested DAG, depth first.
func (d *DAG) SubDAGs() []*DAG {
	var out []*DAG
	for _, t := range d.tasks {
		if t.Kind() == TaskSubDAG {
			out = append(out, t.SubDAG)
			out = append(out, t.SubDAG.SubDAGs()...)
		}
	}
	return out
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
