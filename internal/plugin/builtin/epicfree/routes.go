package epicfree

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"epicbot/pkg/epicstore"
	logx "epicbot/pkg/logx"
)

// digestMaxAge bounds how stale a cached digest may be before a route refetches.
const digestMaxAge = 10 * time.Minute

// MountRoutes serves the digest as plain text and as an iCalendar feed.
func (p *Plugin) MountRoutes(r chi.Router) {
	r.Get("/digest.txt", p.serveDigest)
	r.Get("/calendar.ics", p.serveCalendar)
}

func (p *Plugin) serveDigest(w http.ResponseWriter, r *http.Request) {
	d, err := p.cachedDigest(r.Context())
	if err != nil {
		http.Error(w, epicstore.FailureText, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Last-Modified", d.FetchedAt.UTC().Format(http.TimeFormat))
	_, _ = w.Write([]byte(d.Text()))
}

func (p *Plugin) serveCalendar(w http.ResponseWriter, r *http.Request) {
	d, err := p.cachedDigest(r.Context())
	if err != nil {
		http.Error(w, epicstore.FailureText, http.StatusBadGateway)
		return
	}
	body, err := d.Calendar(p.now())
	if err != nil {
		p.Log.Error("calendar render failed", logx.Err(err))
		http.Error(w, "calendar render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="epic-free.ics"`)
	_, _ = w.Write(body)
}

// cachedDigest reuses the last fetched digest while it is fresh.
func (p *Plugin) cachedDigest(ctx context.Context) (*epicstore.Digest, error) {
	if d := p.digest.Load(); d != nil && p.now().Sub(d.FetchedAt) < digestMaxAge {
		return d, nil
	}
	s, src, _ := p.snapshot()
	_, d, err := p.fetchText(ctx, s, src, p.Log)
	return d, err
}
