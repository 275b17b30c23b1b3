package pushschedule

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Plan is a complete push schedule. It implements cron.Schedule.
type Plan struct {
	At   FireTime
	Rule Rule
}

var _ cron.Schedule = Plan{}

// Next returns the first fire instant strictly after t.
func (p Plan) Next(t time.Time) time.Time { return Next(t, p.At, p.Rule) }

// Until is Until(now, p.At, p.Rule).
func (p Plan) Until(now time.Time) time.Duration { return Until(now, p.At, p.Rule) }

// CronSpec renders the equivalent standard 5-field cron expression.
func (p Plan) CronSpec() string {
	dow := "*"
	switch {
	case p.Rule == FriSatSun:
		dow = "5,6,0"
	case p.Rule.isWeekday():
		// cron counts Sunday as 0.
		dow = strconv.Itoa((p.Rule.ordinal() + 1) % 7)
	}
	return fmt.Sprintf("%d %d * * %s", p.At.Minute, p.At.Hour, dow)
}

func (p Plan) String() string { return p.Rule.String() + "@" + p.At.String() }

// Upcoming lists the next n fire instants of s after from.
func Upcoming(s cron.Schedule, from time.Time, n int) []time.Time {
	if s == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		next := s.Next(t)
		if next.IsZero() || !next.After(t) {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
