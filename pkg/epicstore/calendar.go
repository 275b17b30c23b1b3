package epicstore

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
)

// uidSpace namespaces calendar UIDs so the same promotion keeps its UID across fetches.
var uidSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(StoreURL))

// Calendar renders every promotion window as an all-timezone VEVENT.
func (d *Digest) Calendar(now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//epicbot//free games//ZH")
	cal.SetXWRCalName("EPIC 喜加一")

	add := func(g Game, prefix string) {
		ev := cal.AddEvent(EventUID(g))
		ev.SetDtStampTime(now.UTC())
		ev.SetStartAt(g.Start.UTC())
		ev.SetEndAt(g.End.UTC())
		ev.SetSummary(prefix + g.Title)
		ev.SetURL(g.URL())
		desc := "原价: " + g.OriginalPrice + " | 现价: " + g.DiscountPrice
		if s := strings.TrimSpace(g.Description); s != "" {
			desc += "\n" + s
		}
		ev.SetDescription(desc)
	}
	for _, g := range d.Current {
		add(g, "")
	}
	for _, g := range d.Upcoming {
		add(g, "【即将免费】")
	}
	return []byte(cal.Serialize()), nil
}

// EventUID is stable for a given title and start instant.
func EventUID(g Game) string {
	key := g.Title + "|" + g.Start.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uidSpace, []byte(key)).String() + "@epicbot"
}
