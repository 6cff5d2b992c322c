package refoldbot

import "time"

// Weekday constants using the 0=Monday..6=Sunday convention used by
// homework schedules and the weekly thread config.
const (
	WeekdayMonday = iota
	WeekdayTuesday
	WeekdayWednesday
	WeekdayThursday
	WeekdayFriday
	WeekdaySaturday
	WeekdaySunday
)

// NextDaily returns the next occurrence of hour:minute in loc, strictly
// after now, normalized to UTC. If the same-day occurrence is in the
// past or exactly now, the result is the following day.
func NextDaily(now time.Time, hour int, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	target := time.Date(
		local.Year(), local.Month(), local.Day(),
		hour, minute, 0, 0,
		loc,
	)
	if !target.After(local) {
		target = target.AddDate(0, 0, 1)
	}
	return target.UTC()
}

// NextWeekly returns the next occurrence of hour:minute on the given
// weekday (0=Monday..6=Sunday) in loc, strictly after now, normalized
// to UTC. If today is the target weekday but the time-of-day has
// passed, the result is a full 7 days out, never same-day.
func NextWeekly(
	now time.Time,
	hour int,
	minute int,
	weekday int,
	loc *time.Location,
) time.Time {
	local := now.In(loc)

	// time.Weekday has 0=Sunday, shift to 0=Monday
	currentWeekday := (int(local.Weekday()) + 6) % 7
	daysAhead := (weekday - currentWeekday + 7) % 7

	target := time.Date(
		local.Year(), local.Month(), local.Day(),
		hour, minute, 0, 0,
		loc,
	).AddDate(0, 0, daysAhead)

	if !target.After(local) {
		target = target.AddDate(0, 0, 7)
	}
	return target.UTC()
}

// activityWindows computes the two UTC scan boundaries used by the
// health check: a 30-day total-count window and a 7-calendar-day recent
// window aligned to local midnight in loc. The recent window is
// deliberately not a rolling 168 hours; the midnight alignment affects
// tier outcomes near day boundaries.
func activityWindows(now time.Time, loc *time.Location) (monthStart time.Time, weekStart time.Time) {
	local := now.In(loc)

	weekLocal := local.AddDate(0, 0, -7)
	weekLocal = time.Date(
		weekLocal.Year(), weekLocal.Month(), weekLocal.Day(),
		0, 0, 0, 0,
		loc,
	)

	monthStart = local.AddDate(0, 0, -30).UTC()
	weekStart = weekLocal.UTC()
	return monthStart, weekStart
}
