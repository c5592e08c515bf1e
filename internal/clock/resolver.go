// Package clock computes the next occurrence of a recurring calendar event
// (a birthday) in a recipient's own IANA time zone. Every function here is
// pure: given the same inputs it always returns the same instant, with no
// I/O and no package-level state.
package clock

import (
	"fmt"
	"time"
)

// DefaultSendHour is the local hour of day (24h) at which notifications go
// out when config does not override it.
const DefaultSendHour = 9

// NextOccurrence computes the soonest calendar date on/after "now" (measured
// in the recipient's own zone) whose month/day matches the recipient's
// birth month/day, and resolves sendHour:00 local time on that date to a
// UTC instant.
//
// Feb 29 birthdays are promoted to Feb 28 in non-leap years — the birthday
// still lands once a year, just one day earlier than in leap years.
//
// DST gaps (spring-forward) pick the first valid wall-clock instant at or
// after sendHour:00; DST ambiguities (fall-back) pick the earlier of the
// two instants that read sendHour:00 local.
func NextOccurrence(birthMonth time.Month, birthDay int, tz string, nowUTC time.Time, sendHour int) (localDate time.Time, utcInstant time.Time, err error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	nowLocal := nowUTC.In(loc)
	todayLocal := truncateToDate(nowLocal)

	candidate := occurrenceOnOrAfter(birthMonth, birthDay, todayLocal, loc)

	instant := resolveLocalWallClock(candidate, sendHour, loc)

	return candidate, instant, nil
}

// IsSameLocalDate reports whether utcInstant falls on calendar date "date"
// (a date-only time.Time, any zone/hour ignored) when projected into tz.
// Used by the Sweeper to decide sweep eligibility.
func IsSameLocalDate(utcInstant time.Time, tz string, date time.Time) (bool, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	local := truncateToDate(utcInstant.In(loc))
	target := truncateToDate(date)

	return local.Year() == target.Year() && local.YearDay() == target.YearDay(), nil
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// occurrenceOnOrAfter finds the first date >= todayLocal whose month/day
// matches (birthMonth, birthDay), promoting Feb 29 to Feb 28 in years that
// are not leap years.
func occurrenceOnOrAfter(birthMonth time.Month, birthDay int, todayLocal time.Time, loc *time.Location) time.Time {
	for _, year := range []int{todayLocal.Year(), todayLocal.Year() + 1} {
		month, day := birthMonth, birthDay
		if month == time.February && day == 29 && !isLeapYear(year) {
			day = 28
		}

		candidate := time.Date(year, month, day, 0, 0, 0, 0, loc)
		if !candidate.Before(todayLocal) {
			return candidate
		}
	}

	// Unreachable in practice (the year+1 branch always qualifies), but
	// keeps the function total.
	return time.Date(todayLocal.Year()+1, birthMonth, birthDay, 0, 0, 0, 0, loc)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// resolveLocalWallClock resolves sendHour:00 on localDate in loc to a UTC
// instant. time.Date alone does not settle the two DST edge cases
// consistently (which side of a transition it picks depends on the zone's
// offset), so both are corrected here:
//
//   - spring-forward gap: sendHour:00 does not exist; the result is the
//     transition instant, the first valid wall-clock instant after
//     sendHour:00.
//   - fall-back ambiguity: sendHour:00 exists twice; the result is the
//     chronologically earlier of the two instants.
func resolveLocalWallClock(localDate time.Time, sendHour int, loc *time.Location) time.Time {
	y, m, d := localDate.Date()
	t := time.Date(y, m, d, sendHour, 0, 0, 0, loc)

	start, end := t.ZoneBounds()
	if t.Hour() != sendHour || t.Minute() != 0 {
		got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
		if got.Before(time.Date(y, m, d, sendHour, 0, 0, 0, time.UTC)) {
			return end
		}
		return start
	}
	if !start.IsZero() {
		_, prevOffset := start.Add(-time.Second).Zone()
		_, offset := t.Zone()
		if earlier := t.Add(-time.Duration(prevOffset-offset) * time.Second); prevOffset > offset && earlier.Before(start) {
			return earlier
		}
	}
	return t
}
