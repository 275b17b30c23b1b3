// Package pushschedule computes when the next scheduled push should fire.
//
// A schedule is a daily time-of-day plus one recurrence rule from a closed set
// (every day, one weekday, or the Friday/Saturday/Sunday window). All functions
// are pure: "now" is always passed in, never read from the process clock.
package pushschedule

import (
	"fmt"
	"strconv"
	"strings"
)

// Rule selects which days a push fires on. The zero value is Daily.
type Rule int

const (
	Daily Rule = iota
	EveryMonday
	EveryTuesday
	EveryWednesday
	EveryThursday
	EveryFriday
	EverySaturday
	EverySunday
	FriSatSun
)

var ruleNames = [...]string{
	Daily:          "daily",
	EveryMonday:    "monday",
	EveryTuesday:   "tuesday",
	EveryWednesday: "wednesday",
	EveryThursday:  "thursday",
	EveryFriday:    "friday",
	EverySaturday:  "saturday",
	EverySunday:    "sunday",
	FriSatSun:      "fri_sat_sun",
}

// ruleAliases maps accepted spellings to rules. Keys are normalized (see normalizeRule).
var ruleAliases = map[string]Rule{
	"daily":     Daily,
	"every_day": Daily,
	"everyday":  Daily,
	"每天":        Daily,

	"monday":    EveryMonday,
	"mon":       EveryMonday,
	"每周一":       EveryMonday,
	"tuesday":   EveryTuesday,
	"tue":       EveryTuesday,
	"每周二":       EveryTuesday,
	"wednesday": EveryWednesday,
	"wed":       EveryWednesday,
	"每周三":       EveryWednesday,
	"thursday":  EveryThursday,
	"thu":       EveryThursday,
	"每周四":       EveryThursday,
	"friday":    EveryFriday,
	"fri":       EveryFriday,
	"每周五":       EveryFriday,
	"saturday":  EverySaturday,
	"sat":       EverySaturday,
	"每周六":       EverySaturday,
	"sunday":    EverySunday,
	"sun":       EverySunday,
	"每周日":       EverySunday,
	"每周天":       EverySunday,

	"fri_sat_sun":            FriSatSun,
	"friday_saturday_sunday": FriSatSun,
	"weekend":                FriSatSun,
	"每周五六日":                  FriSatSun,
}

// ParseRule resolves a rule name. Both the English names ("daily", "friday",
// "every_friday", "fri_sat_sun") and the Chinese ones ("每天", "每周五", "每周五六日")
// are accepted. Unknown names return (Daily, false) so callers can log the
// fallback explicitly.
func ParseRule(s string) (Rule, bool) {
	r, ok := ruleAliases[normalizeRule(s)]
	if !ok {
		return Daily, false
	}
	return r, true
}

func normalizeRule(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_", "/", "_").Replace(s)
	if s != "every_day" {
		s = strings.TrimPrefix(s, "every_")
	}
	return s
}

func (r Rule) String() string {
	if r < 0 || int(r) >= len(ruleNames) {
		return "rule(" + strconv.Itoa(int(r)) + ")"
	}
	return ruleNames[r]
}

func (r Rule) isWeekday() bool { return r >= EveryMonday && r <= EverySunday }

// ordinal is the target weekday with 0=Monday..6=Sunday. Only valid for single weekday rules.
func (r Rule) ordinal() int { return int(r - EveryMonday) }

// MarshalText implements encoding.TextMarshaler.
func (r Rule) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Unlike ParseRule it rejects unknown names.
func (r *Rule) UnmarshalText(b []byte) error {
	v, ok := ParseRule(string(b))
	if !ok {
		return fmt.Errorf("unknown push rule %q", string(b))
	}
	*r = v
	return nil
}

// FireTime is the daily time-of-day a push fires at.
type FireTime struct {
	Hour   int
	Minute int
}

// ParseFireTime parses "HH:MM" (single-digit fields are accepted, e.g. "8:05").
func ParseFireTime(s string) (FireTime, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return FireTime{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return FireTime{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(strings.TrimSpace(ms))
	if err != nil {
		return FireTime{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	at := FireTime{Hour: h, Minute: m}
	if err := at.Validate(); err != nil {
		return FireTime{}, err
	}
	return at, nil
}

func (t FireTime) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("hour out of range: %d", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("minute out of range: %d", t.Minute)
	}
	return nil
}

func (t FireTime) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }
