package dagrun

import (
	"strings"
	"time"
)

// Run id prefixes.
const (
	ScheduledPrefix = "scheduled__"
	ManualPrefix    = "manual__"
)

// ScheduledRunID names a run created by the scheduler for executionDate.
func ScheduledRunID(executionDate time.Time) string {
	return ScheduledPrefix + executionDate.UTC().Format(time.RFC3339)
}

// ManualRunID names a run triggered outside the schedule.
func ManualRunID(executionDate time.Time) string {
	return ManualPrefix + executionDate.UTC().Format(time.RFC3339)
}

// IsScheduled reports whether runID follows the scheduler's convention.
func IsScheduled(runID string) bool {
	return strings.HasPrefix(runID, ScheduledPrefix)
}
