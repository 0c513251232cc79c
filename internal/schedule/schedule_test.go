package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/crawler/internal/scrape"
)

func denverSchedule() scrape.Schedule {
	return scrape.Schedule{
		ID:              "sched-1",
		Name:            "weekday mornings",
		DaysOfWeek:      []time.Weekday{time.Monday},
		StartTime:       "09:30",
		IntervalMinutes: 120,
		Timezone:        "America/Denver",
	}
}

func denver(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)
	return loc
}

func TestEligibleSlot_AnchorsToStartTime(t *testing.T) {
	t.Parallel()

	loc := denver(t)
	// Monday 12:45 local; slots open at 09:30 and 11:30.
	now := time.Date(2025, 6, 2, 12, 45, 0, 0, loc)

	slot, ok, err := EligibleSlot(denverSchedule(), now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 6, 2, 11, 30, 0, 0, loc), slot)
}

func TestEligibleSlot_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 12, 45, 0, 0, denver(t))
	first, ok1, err1 := EligibleSlot(denverSchedule(), now)
	second, ok2, err2 := EligibleSlot(denverSchedule(), now)
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, ok1, ok2)
	require.True(t, first.Equal(second))
}

func TestEligibleSlot_OffDayAndTooEarly(t *testing.T) {
	t.Parallel()

	loc := denver(t)

	// Tuesday is off-schedule.
	_, ok, err := EligibleSlot(denverSchedule(), time.Date(2025, 6, 3, 12, 0, 0, 0, loc))
	require.NoError(t, err)
	require.False(t, ok)

	// Monday before start time.
	_, ok, err = EligibleSlot(denverSchedule(), time.Date(2025, 6, 2, 9, 0, 0, 0, loc))
	require.NoError(t, err)
	require.False(t, ok)

	// Exactly at start time opens the first slot.
	slot, ok, err := EligibleSlot(denverSchedule(), time.Date(2025, 6, 2, 9, 30, 0, 0, loc))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 6, 2, 9, 30, 0, 0, loc), slot)
}

func TestEligibleSlot_TimezoneConversion(t *testing.T) {
	t.Parallel()

	// Monday 18:45 UTC is Monday 12:45 in Denver (UTC-6 in June).
	now := time.Date(2025, 6, 2, 18, 45, 0, 0, time.UTC)
	slot, ok, err := EligibleSlot(denverSchedule(), now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 6, 2, 11, 30, 0, 0, denver(t)).Unix(), slot.Unix())
}

func TestEligibleSlot_BadInputs(t *testing.T) {
	t.Parallel()

	s := denverSchedule()
	s.Timezone = "Mars/Olympus"
	_, _, err := EligibleSlot(s, time.Now())
	require.Error(t, err)

	s = denverSchedule()
	s.StartTime = "quarter past nine"
	_, _, err = EligibleSlot(s, time.Date(2025, 6, 2, 12, 0, 0, 0, denver(t)))
	require.Error(t, err)
}

func TestIsDue_LastRunAgainstSlot(t *testing.T) {
	t.Parallel()

	loc := denver(t)
	sched := denverSchedule()
	now := time.Date(2025, 6, 2, 12, 45, 0, 0, loc)

	ranEarly := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	site := scrape.Site{ID: "s1", LastRunAt: &ranEarly}
	due, reason := IsDue(site, &sched, now)
	require.True(t, due, reason)

	ranInSlot := time.Date(2025, 6, 2, 11, 45, 0, 0, loc)
	site.LastRunAt = &ranInSlot
	due, _ = IsDue(site, &sched, now)
	require.False(t, due)

	site.LastRunAt = nil
	due, _ = IsDue(site, &sched, now)
	require.True(t, due)
}

func TestIsDue_ManualTriggerOverridesSchedule(t *testing.T) {
	t.Parallel()

	loc := denver(t)
	sched := denverSchedule()
	// Tuesday: off-schedule.
	now := time.Date(2025, 6, 3, 12, 0, 0, 0, loc)

	lastRun := now.Add(-2 * time.Hour)
	trig := now.Add(-5 * time.Minute)
	site := scrape.Site{ID: "s1", LastRunAt: &lastRun, ManualTriggerAt: &trig}
	due, reason := IsDue(site, &sched, now)
	require.True(t, due)
	require.Contains(t, reason, "manual")

	// A trigger outside the validity window no longer applies.
	stale := now.Add(-30 * time.Minute)
	site.ManualTriggerAt = &stale
	due, _ = IsDue(site, &sched, now)
	require.False(t, due)

	// A trigger older than the last run was already consumed.
	consumed := now.Add(-5 * time.Minute)
	newerRun := now.Add(-time.Minute)
	site.ManualTriggerAt = &consumed
	site.LastRunAt = &newerRun
	due, _ = IsDue(site, &sched, now)
	require.False(t, due)
}
