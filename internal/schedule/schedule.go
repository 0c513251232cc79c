// Package schedule implements timezone-aware recurring-schedule
// eligibility for sites.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jobsift/crawler/internal/scrape"
)

// ManualTriggerWindow bounds how long a manual trigger stays valid.
// Older triggers are treated as already consumed.
const ManualTriggerWindow = 15 * time.Minute

// EligibleSlot computes the most recent slot boundary for a schedule
// at the given instant, in the schedule's own timezone. It returns
// false when the weekday is off-schedule or local time is still before
// the start time. The computation is pure: the same schedule and
// instant always yield the same slot.
func EligibleSlot(s scrape.Schedule, now time.Time) (time.Time, bool, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	local := now.In(loc)

	if !weekdayActive(s.DaysOfWeek, local.Weekday()) {
		return time.Time{}, false, nil
	}

	startMin, err := parseClock(s.StartTime)
	if err != nil {
		return time.Time{}, false, err
	}
	nowMin := local.Hour()*60 + local.Minute()
	if nowMin < startMin {
		return time.Time{}, false, nil
	}

	interval := s.IntervalMinutes
	if interval <= 0 {
		interval = 24 * 60
	}
	slotMin := startMin + (nowMin-startMin)/interval*interval

	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return midnight.Add(time.Duration(slotMin) * time.Minute), true, nil
}

// IsDue reports whether the site should run now, with the reason. A
// manual trigger newer than the last run and inside its validity
// window wins regardless of schedule.
func IsDue(site scrape.Site, sched *scrape.Schedule, now time.Time) (bool, string) {
	if manualTriggerActive(site, now) {
		return true, "manual trigger pending"
	}
	if sched == nil {
		if site.LastRunAt == nil {
			return true, "no schedule, never run"
		}
		return false, "no schedule attached"
	}

	slot, ok, err := EligibleSlot(*sched, now)
	if err != nil {
		return false, fmt.Sprintf("schedule error: %v", err)
	}
	if !ok {
		return false, "outside schedule window"
	}
	if site.LastRunAt == nil {
		return true, fmt.Sprintf("never run, slot %s open", slot.Format(time.RFC3339))
	}
	if site.LastRunAt.Before(slot) {
		return true, fmt.Sprintf("last run %s predates slot %s",
			site.LastRunAt.Format(time.RFC3339), slot.Format(time.RFC3339))
	}
	return false, fmt.Sprintf("already ran inside slot %s", slot.Format(time.RFC3339))
}

func manualTriggerActive(site scrape.Site, now time.Time) bool {
	trig := site.ManualTriggerAt
	if trig == nil {
		return false
	}
	if now.Sub(*trig) > ManualTriggerWindow {
		return false
	}
	return site.LastRunAt == nil || trig.After(*site.LastRunAt)
}

func weekdayActive(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

func parseClock(hhmm string) (int, error) {
	h, m, found := strings.Cut(hhmm, ":")
	if !found {
		return 0, fmt.Errorf("start time %q is not HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("start time %q has invalid hour", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("start time %q has invalid minute", hhmm)
	}
	return hour*60 + minute, nil
}
