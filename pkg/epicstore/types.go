package epicstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// promotionsResponse is the subset of the freeGamesPromotions payload we read.
// Items are kept raw so one malformed element can't fail the whole decode.
type promotionsResponse struct {
	Data struct {
		Catalog *struct {
			SearchStore struct {
				Elements []json.RawMessage `json:"elements"`
			} `json:"searchStore"`
		} `json:"Catalog"`
		// Flattened shape some mirrors serve: data.catalog.items[].
		FlatCatalog *struct {
			Items []json.RawMessage `json:"items"`
		} `json:"catalog"`
	} `json:"data"`
}

func (r *promotionsResponse) items() []json.RawMessage {
	if c := r.Data.Catalog; c != nil && c.SearchStore.Elements != nil {
		return c.SearchStore.Elements
	}
	if c := r.Data.FlatCatalog; c != nil {
		return c.Items
	}
	return nil
}

// Item is one catalog element.
type Item struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	ProductSlug string      `json:"productSlug,omitempty"`
	Price       *Price      `json:"price"`
	Promotions  *Promotions `json:"promotions"`
}

type Price struct {
	TotalPrice struct {
		FmtPrice struct {
			OriginalPrice string `json:"originalPrice"`
			DiscountPrice string `json:"discountPrice"`
		} `json:"fmtPrice"`
	} `json:"totalPrice"`
}

type Promotions struct {
	PromotionalOffers         []OfferGroup `json:"promotionalOffers"`
	UpcomingPromotionalOffers []OfferGroup `json:"upcomingPromotionalOffers"`
}

// empty reports a promotions object with neither list, e.g. `{}`.
func (p *Promotions) empty() bool {
	return p.PromotionalOffers == nil && p.UpcomingPromotionalOffers == nil
}

type OfferGroup struct {
	PromotionalOffers []Offer `json:"promotionalOffers"`
}

type Offer struct {
	StartDate       string `json:"startDate"`
	EndDate         string `json:"endDate"`
	DiscountSetting struct {
		DiscountType string `json:"discountType,omitempty"`
		// DiscountPercentage is nil when the key is absent.
		DiscountPercentage *Percent `json:"discountPercentage"`
	} `json:"discountSetting"`
}

// Percent accepts both JSON numbers and numeric strings.
type Percent float64

func (p *Percent) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return fmt.Errorf("discountPercentage is null")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("discountPercentage %q: %w", string(b), err)
	}
	*p = Percent(v)
	return nil
}

// Game is a free (or soon-free) title extracted from one catalog item.
type Game struct {
	Title         string
	Description   string
	Slug          string
	OriginalPrice string
	DiscountPrice string
	Start         time.Time
	End           time.Time
	Discount      float64
	// Upcoming is set when the title has no active offer yet.
	Upcoming bool
}
