package pushschedule

import "time"

const fridayOrdinal = 4

// Until returns how long to wait from now until the next fire instant.
//
// The result is never negative. now+Until always lands on a day allowed by rule,
// at the configured hour and minute with zero seconds, and it is the soonest such
// instant strictly after now. An instant exactly equal to now counts as already passed.
// Rule values outside the known set behave like Daily.
func Until(now time.Time, at FireTime, rule Rule) time.Duration {
	d := Next(now, at, rule).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Next returns the next fire instant in now's location.
func Next(now time.Time, at FireTime, rule Rule) time.Time {
	candidate := clockOn(now, at)
	switch {
	case rule == FriSatSun:
		return nextInWindow(now, candidate)
	case rule.isWeekday():
		return nextOnWeekday(now, candidate, rule.ordinal())
	default:
		return nextDaily(now, candidate)
	}
}

// clockOn is today's date (in now's location) at the fire time, seconds zeroed.
func clockOn(now time.Time, at FireTime) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, at.Hour, at.Minute, 0, 0, now.Location())
}

// weekdayOrdinal maps time.Weekday (Sunday=0) to Monday=0..Sunday=6.
func weekdayOrdinal(wd time.Weekday) int { return (int(wd) + 6) % 7 }

func inWindow(ord int) bool { return ord >= fridayOrdinal }

func nextDaily(now, candidate time.Time) time.Time {
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextOnWeekday(now, candidate time.Time, target int) time.Time {
	today := weekdayOrdinal(now.Weekday())
	if today == target && candidate.After(now) {
		return candidate
	}
	ahead := target - today
	if ahead <= 0 {
		ahead += 7
	}
	candidate = candidate.AddDate(0, 0, ahead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func nextInWindow(now, candidate time.Time) time.Time {
	today := weekdayOrdinal(now.Weekday())
	if inWindow(today) {
		if candidate.After(now) {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
		ord := weekdayOrdinal(candidate.Weekday())
		if inWindow(ord) {
			return candidate
		}
		// Sunday rolled over into Monday: jump to Friday.
		return candidate.AddDate(0, 0, fridayOrdinal-ord)
	}
	ahead := fridayOrdinal - today
	if ahead <= 0 {
		ahead += 7
	}
	return candidate.AddDate(0, 0, ahead)
}
