package epicstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"epicbot/pkg/logx"
)

const (
	DefaultEndpoint = "https://store-site-backend-static-ipv4.ak.epicgames.com/freeGamesPromotions"
	DefaultTimeout  = 15 * time.Second

	// FailureText is sent in place of a digest when the store can't be reached.
	FailureText = "请求失败，请稍后重试。"

	maxBodyBytes = 8 << 20
)

// ErrUnexpectedStatus is wrapped by every *StatusError.
var ErrUnexpectedStatus = errors.New("unexpected status")

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("epic store: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Client talks to the promotions endpoint. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	endpoint   string
	locale     string
	country    string
	log        logx.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(endpoint); s != "" {
			c.endpoint = s
		}
	}
}

// WithLocale sets the locale, country and allowCountries query parameters.
func WithLocale(locale, country string) Option {
	return func(c *Client) {
		c.locale = strings.TrimSpace(locale)
		c.country = strings.ToUpper(strings.TrimSpace(country))
	}
}

func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(r, burst)
	}
}

func WithLogger(l logx.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(1), 2),
		endpoint:   DefaultEndpoint,
		log:        logx.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) requestURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	q := u.Query()
	if c.locale != "" {
		q.Set("locale", c.locale)
	}
	if c.country != "" {
		q.Set("country", c.country)
		q.Set("allowCountries", c.country)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch performs one GET and extracts the free titles.
func (c *Client) Fetch(ctx context.Context) (*Digest, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	target, err := c.requestURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var payload promotionsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	current, upcoming, errs := Extract(payload.items())
	return &Digest{
		Current:   current,
		Upcoming:  upcoming,
		Skipped:   errs,
		FetchedAt: c.now(),
	}, nil
}

// Text never fails: faults are logged and FailureText is returned instead.
func (c *Client) Text(ctx context.Context) string {
	d, err := c.Fetch(ctx)
	if err != nil {
		c.log.Warn("epic fetch failed", logx.Err(err))
		return FailureText
	}
	for _, e := range d.Skipped {
		c.log.Warn("epic item skipped", logx.Err(e))
	}
	return d.Text()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
