package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/dagucloud/dagsched/internal/cmn/duration"
	"github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes how a DAG advances logical time.
type ScheduleKind int

const (
	// ScheduleNone means runs are only created by external triggers.
	ScheduleNone ScheduleKind = iota
	ScheduleOnce
	ScheduleInterval
	ScheduleCron
)

// Schedule computes firings in absolute time. Cron schedules evaluate in
// loc and return UTC instants.
type Schedule interface {
	Kind() ScheduleKind
	Next(t time.Time, loc *time.Location) (time.Time, bool)
	Prev(t time.Time, loc *time.Location) (time.Time, bool)
	String() string
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule accepts "", "@once", cron expressions and presets
// (@hourly, @daily, ...), "@every <duration>" and plain durations such
// as "1d" or "30m".
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "" || strings.EqualFold(expr, "none") || expr == "@none":
		return noSchedule{}, nil
	case expr == "@once":
		return onceSchedule{}, nil
	case strings.HasPrefix(expr, "@every "):
		return parseInterval(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	}

	if !strings.HasPrefix(expr, "@") && !strings.ContainsAny(expr, " *") {
		return parseInterval(expr)
	}

	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return &cronSchedule{expr: expr, sched: parsed}, nil
}

// IntervalSchedule builds a fixed-duration schedule.
func IntervalSchedule(d time.Duration) Schedule {
	return intervalSchedule{d: d}
}

func parseInterval(s string) (Schedule, error) {
	d, err := duration.Parse(s)
	if err != nil || d == 0 {
		return nil, fmt.Errorf("%w %q", ErrInvalidSchedule, s)
	}
	return intervalSchedule{d: d}, nil
}

type noSchedule struct{}

func (noSchedule) Kind() ScheduleKind                                { return ScheduleNone }
func (noSchedule) Next(time.Time, *time.Location) (time.Time, bool) { return time.Time{}, false }
func (noSchedule) Prev(time.Time, *time.Location) (time.Time, bool) { return time.Time{}, false }
func (noSchedule) String() string                                    { return "" }

// onceSchedule has no occurrence after the first run.
type onceSchedule struct{}

func (onceSchedule) Kind() ScheduleKind                                { return ScheduleOnce }
func (onceSchedule) Next(time.Time, *time.Location) (time.Time, bool) { return time.Time{}, false }
func (onceSchedule) Prev(time.Time, *time.Location) (time.Time, bool) { return time.Time{}, false }
func (onceSchedule) String() string                                    { return "@once" }

type intervalSchedule struct {
	d time.Duration
}

func (s intervalSchedule) Kind() ScheduleKind { return ScheduleInterval }

func (s intervalSchedule) Next(t time.Time, _ *time.Location) (time.Time, bool) {
	return t.Add(s.d).UTC(), true
}

func (s intervalSchedule) Prev(t time.Time, _ *time.Location) (time.Time, bool) {
	return t.Add(-s.d).UTC(), true
}

func (s intervalSchedule) String() string { return s.d.String() }

// Interval returns the fixed duration.
func (s intervalSchedule) Interval() time.Duration { return s.d }

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

// maxPrevLookback bounds the backward search; leap-day expressions fire
// at least once in any eight-year span.
const maxPrevLookback = 8 * 366 * 24 * time.Hour

func (s *cronSchedule) Kind() ScheduleKind { return ScheduleCron }

func (s *cronSchedule) Next(t time.Time, loc *time.Location) (time.Time, bool) {
	next := s.sched.Next(t.In(locOrUTC(loc)))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// Prev returns the latest firing strictly before t. robfig/cron only
// searches forward, so it widens a backward window until a firing falls
// inside it and then walks forward to the last one.
func (s *cronSchedule) Prev(t time.Time, loc *time.Location) (time.Time, bool) {
	local := t.In(locOrUTC(loc))
	for window := time.Hour; window <= maxPrevLookback; window *= 4 {
		var (
			last  time.Time
			found bool
		)
		for cur := s.sched.Next(local.Add(-window)); !cur.IsZero() && cur.Before(local); cur = s.sched.Next(cur) {
			last, found = cur, true
		}
		if found {
			return last.UTC(), true
		}
	}
	return time.Time{}, false
}

func (s *cronSchedule) String() string { return s.expr }

func locOrUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
