package epicstore

import (
	"bytes"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/require"
)

func TestDigestCalendar(t *testing.T) {
	t.Parallel()

	cur, up, errs := Extract(rawItems(t,
		itemJSON("A", "¥90.00", "0", []offerSpec{freeNow}, nil),
		itemJSON("C", "¥45.00", "¥45.00", nil, []offerSpec{freeNext}),
	))
	require.Empty(t, errs)
	d := &Digest{Current: cur, Upcoming: up}

	now := time.Date(2024, 9, 20, 0, 0, 0, 0, time.UTC)
	out, err := d.Calendar(now)
	require.NoError(t, err)

	cal, err := ical.ParseCalendar(bytes.NewReader(out))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 2)

	summaries := []string{
		events[0].GetProperty(ical.ComponentPropertySummary).Value,
		events[1].GetProperty(ical.ComponentPropertySummary).Value,
	}
	require.Equal(t, []string{"A", "【即将免费】C"}, summaries)
	require.Equal(t, EventUID(cur[0]), events[0].GetProperty(ical.ComponentPropertyUniqueId).Value)
}

func TestEventUIDIsStable(t *testing.T) {
	t.Parallel()

	g := Game{Title: "A", Start: time.Date(2024, 9, 19, 15, 0, 0, 0, time.UTC)}
	require.Equal(t, EventUID(g), EventUID(g))

	later := g
	later.Start = later.Start.Add(7 * 24 * time.Hour)
	require.NotEqual(t, EventUID(g), EventUID(later))
}
