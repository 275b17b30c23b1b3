package epicstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type offerSpec struct {
	start, end string
	pct        string // raw JSON value
}

func itemJSON(title, orig, disc string, active, upcoming []offerSpec) string {
	group := func(offers []offerSpec) string {
		if offers == nil {
			return "[]"
		}
		parts := make([]string, 0, len(offers))
		for _, o := range offers {
			parts = append(parts, fmt.Sprintf(
				`{"startDate":%q,"endDate":%q,"discountSetting":{"discountType":"PERCENTAGE","discountPercentage":%s}}`,
				o.start, o.end, o.pct))
		}
		return `[{"promotionalOffers":[` + strings.Join(parts, ",") + `]}]`
	}
	return fmt.Sprintf(
		`{"title":%q,"price":{"totalPrice":{"fmtPrice":{"originalPrice":%q,"discountPrice":%q}}},"promotions":{"promotionalOffers":%s,"upcomingPromotionalOffers":%s}}`,
		title, orig, disc, group(active), group(upcoming))
}

func rawItems(t *testing.T, items ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(items))
	for _, s := range items {
		require.True(t, json.Valid([]byte(s)), s)
		out = append(out, json.RawMessage(s))
	}
	return out
}

var (
	freeNow  = offerSpec{"2024-09-19T15:00:00.000Z", "2024-09-26T15:00:00.000Z", "0"}
	halfOff  = offerSpec{"2024-09-19T15:00:00.000Z", "2024-09-26T15:00:00.000Z", "50"}
	freeNext = offerSpec{"2024-09-26T15:00:00.000Z", "2024-10-03T15:00:00.000Z", "0"}
)

const digestHead = "【EPIC 喜加一】\nEPIC: https://store.epicgames.com/zh-CN/  \n"

func TestExtractKeepsOnlyFree(t *testing.T) {
	t.Parallel()

	cur, up, errs := Extract(rawItems(t,
		itemJSON("A", "¥90.00", "0", []offerSpec{freeNow}, nil),
		itemJSON("B", "¥60.00", "¥30.00", []offerSpec{halfOff}, nil),
	))
	require.Empty(t, errs)
	require.Empty(t, up)
	require.Len(t, cur, 1)
	require.Equal(t, "A", cur[0].Title)
	require.Equal(t, time.Date(2024, 9, 19, 15, 0, 0, 0, time.UTC), cur[0].Start)

	d := &Digest{Current: cur, Upcoming: up}
	want := digestHead + "【A】\n原价: ¥90.00 | 现价: 0\n活动时间: 2024-09-19 23:00 - 2024-09-26 23:00"
	require.Equal(t, want, d.Text())
}

func TestExtractUpcomingSection(t *testing.T) {
	t.Parallel()

	cur, up, errs := Extract(rawItems(t,
		itemJSON("A", "¥90.00", "0", []offerSpec{freeNow}, nil),
		itemJSON("C", "¥45.00", "¥45.00", nil, []offerSpec{freeNext}),
		itemJSON("D", "¥20.00", "¥20.00", nil, []offerSpec{{"2024-09-26T15:00:00.000Z", "2024-10-03T15:00:00.000Z", "80"}}),
	))
	require.Empty(t, errs)
	require.Len(t, cur, 1)
	require.Len(t, up, 1)
	require.True(t, up[0].Upcoming)

	want := digestHead +
		"【A】\n原价: ¥90.00 | 现价: 0\n活动时间: 2024-09-19 23:00 - 2024-09-26 23:00" +
		"\n\n【即将免费】\n" +
		"【C】\n原价: ¥45.00 | 现价: ¥45.00\n活动时间: 2024-09-26 23:00 - 2024-10-03 23:00"
	require.Equal(t, want, (&Digest{Current: cur, Upcoming: up}).Text())
}

func TestExtractItemFaultsAreIsolated(t *testing.T) {
	t.Parallel()

	noPct := `{"title":"Paid","price":{"totalPrice":{"fmtPrice":{"originalPrice":"¥60","discountPrice":"¥30"}}},` +
		`"promotions":{"promotionalOffers":[{"promotionalOffers":[{"startDate":"2024-09-19T15:00:00.000Z","endDate":"2024-09-26T15:00:00.000Z","discountSetting":{}}]}]}}`

	cur, _, errs := Extract(rawItems(t,
		`{"title":"NoPromo","promotions":null}`,
		itemJSON("Empty", "¥1", "¥1", nil, nil),
		itemJSON("BadPct", "¥1", "0", []offerSpec{{freeNow.start, freeNow.end, `"abc"`}}, nil),
		itemJSON("BadDate", "¥1", "0", []offerSpec{{"yesterday", freeNow.end, "0"}}, nil),
		itemJSON("A", "¥90.00", "0", []offerSpec{freeNow}, nil),
		itemJSON("StringPct", "¥5", "0", []offerSpec{{freeNow.start, freeNow.end, `"0"`}}, nil),
		`{"title":"EmptyPromos","promotions":{}}`,
		noPct,
		itemJSON("", "¥60", "0", []offerSpec{freeNow}, nil),
	))
	require.Len(t, cur, 3)
	require.Equal(t, "A", cur[0].Title)
	require.Equal(t, "StringPct", cur[1].Title)
	require.Equal(t, UnknownTitle, cur[2].Title)
	require.True(t, strings.HasPrefix(cur[2].Block(), "【未知】\n"))

	require.Len(t, errs, 4, "an empty promotions object is skipped silently")
	require.ErrorIs(t, errs[0], ErrNoOffer)
	require.ErrorIs(t, errs[1], ErrBadItem)
	require.ErrorIs(t, errs[2], ErrBadDate)
	require.ErrorIs(t, errs[3], ErrBadItem)
	require.ErrorContains(t, errs[3], "discountPercentage missing")

	var ie *ItemError
	require.True(t, errors.As(errs[1], &ie))
	require.Equal(t, "BadPct", ie.Title)
	require.Equal(t, 2, ie.Index)

	require.True(t, errors.As(errs[3], &ie))
	require.Equal(t, "Paid", ie.Title)
	require.Equal(t, 7, ie.Index)
}

func TestDigestTextWithoutGames(t *testing.T) {
	t.Parallel()

	require.Equal(t, digestHead, (&Digest{}).Text())
}

func TestParseOfferDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2024-09-19T15:00:00.000Z", time.Date(2024, 9, 19, 15, 0, 0, 0, time.UTC), false},
		{"2024-09-19T15:00:00Z", time.Date(2024, 9, 19, 15, 0, 0, 0, time.UTC), false},
		{"2024-09-19T15:00:00.5Z", time.Date(2024, 9, 19, 15, 0, 0, 500_000_000, time.UTC), false},
		{"2024-09-19", time.Time{}, true},
		{"", time.Time{}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseOfferDate(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadDate)
				return
			}
			require.NoError(t, err)
			require.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestGameURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, StoreURL, Game{}.URL())
	require.Equal(t, StoreURL+"p/some-game", Game{Slug: "/some-game/"}.URL())
}
