package core

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		kind ScheduleKind
	}{
		{"", ScheduleNone},
		{"None", ScheduleNone},
		{"@once", ScheduleOnce},
		{"@daily", ScheduleCron},
		{"@hourly", ScheduleCron},
		{"0 12 * * *", ScheduleCron},
		{"@every 90m", ScheduleInterval},
		{"1d", ScheduleInterval},
		{"30m", ScheduleInterval},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind())
		})
	}

	for _, bad := range []string{"61 * * * *", "fortnightly", "@every nope"} {
		_, err := ParseSchedule(bad)
		assert.ErrorIs(t, err, ErrInvalidSchedule, bad)
	}
}

func TestDAG_FixedInterval(t *testing.T) {
	t.Parallel()
	d, err := NewDAG("fixed", WithSchedule("6h"), WithStartDate(testStart))
	require.NoError(t, err)

	ts := testStart.Add(18 * time.Hour)
	next, ok := d.FollowingSchedule(ts)
	require.True(t, ok)
	assert.Equal(t, ts.Add(6*time.Hour), next)

	prev, ok := d.PreviousSchedule(ts)
	require.True(t, ok)
	assert.Equal(t, ts.Add(-6*time.Hour), prev)

	roundTrip, _ := d.FollowingSchedule(prev)
	assert.Equal(t, ts, roundTrip)
}

func TestDAG_CronAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustLocation(t, "America/New_York")
	d, err := NewDAG("cron_dst", WithSchedule("0 12 * * *"), WithLocation(ny), WithStartDate(testStart))
	require.NoError(t, err)

	// DST starts 2026-03-08 in New York: noon moves from 17:00Z to 16:00Z.
	before := time.Date(2026, 3, 7, 17, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 8, 16, 0, 0, 0, time.UTC)

	next, ok := d.FollowingSchedule(before)
	require.True(t, ok)
	assert.Equal(t, after, next)
	assert.Equal(t, time.UTC, next.Location())

	prev, ok := d.PreviousSchedule(after)
	require.True(t, ok)
	assert.Equal(t, before, prev)

	// DST ends 2026-11-01.
	fallBefore := time.Date(2026, 10, 31, 16, 0, 0, 0, time.UTC)
	fallAfter := time.Date(2026, 11, 1, 17, 0, 0, 0, time.UTC)
	for _, firing := range []time.Time{before, after, fallBefore, fallAfter} {
		p, ok := d.PreviousSchedule(firing)
		require.True(t, ok)
		f, ok := d.FollowingSchedule(p)
		require.True(t, ok)
		assert.Equal(t, firing, f, "following(previous(%s))", firing)
	}
	next, _ = d.FollowingSchedule(fallBefore)
	assert.Equal(t, fallAfter, next)
}

func TestDAG_CronPreviousIsStrict(t *testing.T) {
	t.Parallel()
	d, err := NewDAG("hourly", WithSchedule("@hourly"), WithStartDate(testStart))
	require.NoError(t, err)

	firing := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	prev, ok := d.PreviousSchedule(firing)
	require.True(t, ok)
	assert.Equal(t, firing.Add(-time.Hour), prev)

	prev, ok = d.PreviousSchedule(firing.Add(30 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, firing, prev)
}

func TestDAG_CronPreviousSparse(t *testing.T) {
	t.Parallel()
	d, err := NewDAG("yearly", WithSchedule("@yearly"), WithStartDate(testStart))
	require.NoError(t, err)

	prev, ok := d.PreviousSchedule(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), prev)
}

func TestDAG_NormalizeSchedule(t *testing.T) {
	t.Parallel()
	d, err := NewDAG("norm", WithSchedule("@daily"), WithStartDate(testStart))
	require.NoError(t, err)

	assert.Equal(t, testStart, d.NormalizeSchedule(testStart))
	assert.Equal(t, testStart.AddDate(0, 0, 1), d.NormalizeSchedule(testStart.Add(3*time.Hour)))

	once, err := NewDAG("once", WithSchedule("@once"), WithStartDate(testStart))
	require.NoError(t, err)
	odd := testStart.Add(7 * time.Minute)
	assert.Equal(t, odd, once.NormalizeSchedule(odd))
}

func TestDAG_RunDates(t *testing.T) {
	t.Parallel()

	t.Run("AlignedAndInclusive", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("daily", WithSchedule("@daily"), WithStartDate(testStart))
		require.NoError(t, err)

		seq := d.RunDates(testStart.Add(2*time.Hour), testStart.AddDate(0, 0, 3))
		want := []time.Time{
			testStart.AddDate(0, 0, 1),
			testStart.AddDate(0, 0, 2),
			testStart.AddDate(0, 0, 3),
		}
		assert.Equal(t, want, slices.Collect(seq))
		assert.Equal(t, want, slices.Collect(seq), "sequence must be restartable")
	})

	t.Run("EarlyStop", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("hourly", WithSchedule("1h"), WithStartDate(testStart))
		require.NoError(t, err)
		var got []time.Time
		for ts := range d.RunDates(testStart, testStart.AddDate(1, 0, 0)) {
			got = append(got, ts)
			if len(got) == 2 {
				break
			}
		}
		assert.Equal(t, []time.Time{testStart, testStart.Add(time.Hour)}, got)
	})

	t.Run("OnceYieldsSingle", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("once", WithSchedule("@once"), WithStartDate(testStart))
		require.NoError(t, err)
		got := slices.Collect(d.RunDates(testStart, testStart.AddDate(1, 0, 0)))
		assert.Equal(t, []time.Time{testStart}, got)
	})

	t.Run("NoScheduleYieldsNothing", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("manual", WithSchedule(""), WithStartDate(testStart))
		require.NoError(t, err)
		assert.Empty(t, slices.Collect(d.RunDates(testStart, testStart.AddDate(1, 0, 0))))
	})

	t.Run("DefaultsToEarliestTaskStart", func(t *testing.T) {
		t.Parallel()
		d, err := NewDAG("implicit", WithSchedule("@daily"))
		require.NoError(t, err)
		require.NoError(t, d.AddTask(&Task{ID: "a", StartDate: testStart.AddDate(0, 0, 5)}))
		require.NoError(t, d.AddTask(&Task{ID: "b", StartDate: testStart.AddDate(0, 0, 2)}))
		got := slices.Collect(d.RunDates(time.Time{}, testStart.AddDate(0, 0, 3)))
		assert.Equal(t, []time.Time{testStart.AddDate(0, 0, 2), testStart.AddDate(0, 0, 3)}, got)
	})
}

func TestDAG_DateRange(t *testing.T) {
	t.Parallel()
	d, err := NewDAG("range", WithSchedule("12h"), WithStartDate(testStart))
	require.NoError(t, err)
	got := d.DateRange(testStart, 3)
	assert.Equal(t, []time.Time{testStart, testStart.Add(12 * time.Hour), testStart.Add(24 * time.Hour)}, got)
}
