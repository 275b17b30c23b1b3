package epicstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func searchStoreBody(items ...string) string {
	return `{"data":{"Catalog":{"searchStore":{"elements":[` + strings.Join(items, ",") + `]}}}}`
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base := []Option{
		WithEndpoint(srv.URL + "/freeGamesPromotions"),
		WithHTTPClient(srv.Client()),
		WithRateLimit(rate.Inf, 1),
	}
	return NewClient(append(base, opts...)...)
}

func TestClientTextScenario(t *testing.T) {
	t.Parallel()

	body := searchStoreBody(
		itemJSON("A", "¥90.00", "0", []offerSpec{freeNow}, nil),
		itemJSON("B", "¥60.00", "¥30.00", []offerSpec{halfOff}, nil),
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})

	want := digestHead + "【A】\n原价: ¥90.00 | 现价: 0\n活动时间: 2024-09-19 23:00 - 2024-09-26 23:00"
	require.Equal(t, want, c.Text(context.Background()))
}

func TestClientStatusFault(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := c.Fetch(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Code)
	require.Contains(t, se.Body, "upstream down")

	require.Equal(t, FailureText, c.Text(context.Background()))
}

func TestClientDecodeFault(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":`))
	})
	require.Equal(t, FailureText, c.Text(context.Background()))
}

func TestClientTransportFault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(WithEndpoint(url), WithRateLimit(rate.Inf, 1), WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnexpectedStatus)
	require.Equal(t, FailureText, c.Text(context.Background()))
}

func TestClientQueryAndFallbackShape(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		q := r.URL.Query()
		if q.Get("locale") != "zh-CN" || q.Get("country") != "CN" || q.Get("allowCountries") != "CN" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"catalog":{"items":[` + itemJSON("Flat", "¥10", "0", []offerSpec{freeNow}, nil) + `]}}}`))
	}, WithLocale("zh-CN", "cn"))

	d, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, d.Current, 1)
	require.Equal(t, "Flat", d.Current[0].Title)
	require.EqualValues(t, 1, hits.Load())
}

func TestClientSkipsBadItems(t *testing.T) {
	t.Parallel()

	body := searchStoreBody(
		itemJSON("Broken", "¥1", "0", []offerSpec{{"soon", "later", "0"}}, nil),
		itemJSON("A", "¥90.00", "0", []offerSpec{freeNow}, nil),
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	})

	d, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, d.Current, 1)
	require.Len(t, d.Skipped, 1)
	require.Contains(t, c.Text(context.Background()), "【A】")
}

func TestClientHonoursContext(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
