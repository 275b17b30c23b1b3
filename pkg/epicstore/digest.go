package epicstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// StoreURL is the landing page linked from every digest.
	StoreURL = "https://store.epicgames.com/zh-CN/"

	header         = "【EPIC 喜加一】\n"
	storeLine      = "EPIC: " + StoreURL + "  \n"
	upcomingHeader = "\n\n【即将免费】\n"

	// UnknownTitle stands in for an item without a title.
	UnknownTitle = "未知"

	inputLayout   = "2006-01-02T15:04:05.000Z"
	displayLayout = "2006-01-02 15:04"
)

// DisplayZone is the fixed UTC+8 offset all promotion windows are rendered in.
var DisplayZone = time.FixedZone("UTC+8", 8*60*60)

var (
	ErrNoOffer  = errors.New("item has no promotional offer")
	ErrNoPrice  = errors.New("item has no price")
	ErrBadDate  = errors.New("bad offer date")
	ErrBadItem  = errors.New("malformed item")
	errNotFree  = errors.New("not free")
	errNoPromos = errors.New("no promotions")
)

// ItemError describes one catalog element that was skipped.
type ItemError struct {
	Index int
	Title string
	Err   error
}

func (e *ItemError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("item %d (%s): %v", e.Index, e.Title, e.Err)
	}
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Digest is the result of one fetch.
type Digest struct {
	Current  []Game
	Upcoming []Game
	// Skipped lists per-item faults. They never fail the fetch.
	Skipped   []error
	FetchedAt time.Time
}

// Text renders the chat message.
func (d *Digest) Text() string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString(storeLine)
	writeBlocks(&b, d.Current)
	if len(d.Upcoming) > 0 {
		b.WriteString(upcomingHeader)
		writeBlocks(&b, d.Upcoming)
	}
	return b.String()
}

func writeBlocks(b *strings.Builder, games []Game) {
	for i, g := range games {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(g.Block())
	}
}

// Block renders one game as three lines.
func (g Game) Block() string {
	return fmt.Sprintf("【%s】\n原价: %s | 现价: %s\n活动时间: %s - %s",
		g.Title, g.OriginalPrice, g.DiscountPrice,
		g.Start.In(DisplayZone).Format(displayLayout),
		g.End.In(DisplayZone).Format(displayLayout),
	)
}

// URL links to the product page when a slug is known.
func (g Game) URL() string {
	if s := strings.Trim(strings.TrimSpace(g.Slug), "/"); s != "" {
		return StoreURL + "p/" + s
	}
	return StoreURL
}

// Extract decodes raw catalog elements and keeps the fully free ones.
func Extract(raw []json.RawMessage) (current, upcoming []Game, errs []error) {
	for i, msg := range raw {
		var it Item
		if err := json.Unmarshal(msg, &it); err != nil {
			errs = append(errs, &ItemError{Index: i, Title: peekTitle(msg), Err: fmt.Errorf("%w: %v", ErrBadItem, err)})
			continue
		}
		g, err := gameFromItem(it)
		switch {
		case err == nil:
		case errors.Is(err, errNoPromos), errors.Is(err, errNotFree):
			continue
		default:
			errs = append(errs, &ItemError{Index: i, Title: it.Title, Err: err})
			continue
		}
		if g.Upcoming {
			upcoming = append(upcoming, g)
		} else {
			current = append(current, g)
		}
	}
	return current, upcoming, errs
}

func gameFromItem(it Item) (Game, error) {
	if it.Promotions == nil || it.Promotions.empty() {
		return Game{}, errNoPromos
	}
	offer, upcoming, ok := firstOffer(it.Promotions)
	if !ok {
		return Game{}, ErrNoOffer
	}
	if it.Price == nil {
		return Game{}, ErrNoPrice
	}
	start, err := parseOfferDate(offer.StartDate)
	if err != nil {
		return Game{}, fmt.Errorf("startDate: %w", err)
	}
	end, err := parseOfferDate(offer.EndDate)
	if err != nil {
		return Game{}, fmt.Errorf("endDate: %w", err)
	}
	if offer.DiscountSetting.DiscountPercentage == nil {
		return Game{}, fmt.Errorf("%w: discountPercentage missing", ErrBadItem)
	}
	pct := float64(*offer.DiscountSetting.DiscountPercentage)
	if pct != 0 {
		return Game{}, errNotFree
	}
	title := strings.TrimSpace(it.Title)
	if title == "" {
		title = UnknownTitle
	}
	fp := it.Price.TotalPrice.FmtPrice
	return Game{
		Title:         title,
		Description:   it.Description,
		Slug:          it.ProductSlug,
		OriginalPrice: fp.OriginalPrice,
		DiscountPrice: fp.DiscountPrice,
		Start:         start,
		End:           end,
		Discount:      pct,
		Upcoming:      upcoming,
	}, nil
}

// firstOffer prefers the first active offer and falls back to the first upcoming one.
func firstOffer(p *Promotions) (Offer, bool, bool) {
	if o, ok := headOffer(p.PromotionalOffers); ok {
		return o, false, true
	}
	if o, ok := headOffer(p.UpcomingPromotionalOffers); ok {
		return o, true, true
	}
	return Offer{}, false, false
}

func headOffer(groups []OfferGroup) (Offer, bool) {
	if len(groups) == 0 || len(groups[0].PromotionalOffers) == 0 {
		return Offer{}, false
	}
	return groups[0].PromotionalOffers[0], true
}

func parseOfferDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(inputLayout, s); err == nil {
		return t.UTC(), nil
	}
	// RFC3339 parsing also accepts other fractional widths.
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q", ErrBadDate, s)
	}
	return t.UTC(), nil
}

func peekTitle(msg json.RawMessage) string {
	var v struct {
		Title string `json:"title"`
	}
	_ = json.Unmarshal(msg, &v)
	return v.Title
}
