package epicfree

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"epicbot/internal/plugin"
	"epicbot/internal/storage"
	kit "epicbot/internal/transport"
	"epicbot/pkg/pushschedule"
)

const (
	defaultNextN    = 3
	maxNextN        = 10
	defaultHistoryN = 10
	maxHistoryN     = 50

	listLayout = "2006-01-02 15:04 Mon MST"
)

func (p *Plugin) Commands() []plugin.Command {
	s, _, _ := p.snapshot()
	// A manual push walks every group with the same pacing as the schedule.
	perTarget := s.taskTimeout + s.gap
	pushTimeout := s.commandTimeout + s.operationTimeout + time.Duration(len(s.targets))*perTarget

	return []plugin.Command{
		{
			Route:       "epic",
			Aliases:     []string{"喜加一", "xijiayi", "freegames"},
			Description: "current and upcoming free games on the Epic store",
			Handle:      p.cmdNow,
		},
		{
			Route:       "epic next",
			Description: "next scheduled pushes",
			Usage:       "/epic next [n]",
			Handle:      p.cmdNext,
		},
		{
			Route:       "epic push",
			Description: "push the digest to every group now",
			Access:      plugin.AccessOwnerOnly,
			Timeout:     pushTimeout,
			Handle:      p.cmdPush,
		},
		{
			Route:       "epic history",
			Description: "recent deliveries",
			Usage:       "/epic history [n]",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.cmdHistory,
		},
	}
}

func (p *Plugin) cmdNow(ctx context.Context, req *plugin.Request) error {
	s, src, _ := p.snapshot()
	text, _, _ := p.fetchText(ctx, s, src, req.Logger)
	return req.Reply(ctx, text, &kit.SendOptions{DisablePreview: true})
}

func (p *Plugin) cmdNext(ctx context.Context, req *plugin.Request) error {
	n, err := countArg(req.Args, defaultNextN, maxNextN)
	if err != nil {
		return req.Reply(ctx, err.Error()+"\nusage: /epic next [n]", nil)
	}
	s, _, _ := p.snapshot()
	return req.Reply(ctx, renderNext(s, p.now(), n), nil)
}

func renderNext(s settings, now time.Time, n int) string {
	loc := s.location()
	var b strings.Builder
	fmt.Fprintf(&b, "schedule: %s (%s)\n", s.plan.String(), loc)
	fmt.Fprintf(&b, "cron: %s\n", s.plan.CronSpec())
	if !s.ruleKnown {
		fmt.Fprintf(&b, "push_way %q is unknown; using daily\n", s.ruleRaw)
	}
	now = now.In(loc)
	for i, t := range pushschedule.Upcoming(s.plan, now, n) {
		fmt.Fprintf(&b, "%d. %s (in %s)\n", i+1, t.Format(listLayout), humanDuration(t.Sub(now)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Plugin) cmdPush(ctx context.Context, req *plugin.Request) error {
	s, src, _ := p.snapshot()
	if len(s.targets) == 0 {
		return req.Reply(ctx, "no groups configured", nil)
	}
	runID := uuid.NewString()
	log := req.Logger
	text, _, err := p.fetchText(ctx, s, src, log)
	if err != nil {
		return req.Reply(ctx, text, nil)
	}
	report := p.deliverAll(ctx, s, text, pushOrigin{
		runID:         runID,
		trigger:       "command",
		actorID:       req.FromID,
		actorUsername: req.FromUsername,
	})
	return req.Reply(ctx, report.Summary(), nil)
}

func (p *Plugin) cmdHistory(ctx context.Context, req *plugin.Request) error {
	n, err := countArg(req.Args, defaultHistoryN, maxHistoryN)
	if err != nil {
		return req.Reply(ctx, err.Error()+"\nusage: /epic history [n]", nil)
	}
	rows, err := p.RecentAudit(ctx, n)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		return req.Reply(ctx, "storage is disabled; set storage.driver to keep a delivery history", nil)
	case err != nil:
		return fmt.Errorf("recent audit: %w", err)
	case len(rows) == 0:
		return req.Reply(ctx, "no deliveries recorded yet", nil)
	}
	return req.Reply(ctx, renderHistory(rows, p.snapshotLocation()), nil)
}

func (p *Plugin) snapshotLocation() *time.Location {
	s, _, _ := p.snapshot()
	return s.location()
}

func renderHistory(rows []storage.AuditEntry, loc *time.Location) string {
	var b strings.Builder
	for _, r := range rows {
		mark := "✅"
		if r.Fail > 0 {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %s %s %s", mark, r.At.In(loc).Format("2006-01-02 15:04:05"), r.Action, r.Target)
		if r.TookMS > 0 {
			fmt.Fprintf(&b, " (%dms)", r.TookMS)
		}
		if r.Error != "" {
			fmt.Fprintf(&b, ": %s", r.Error)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// countArg parses an optional positive count, clamped to hi.
func countArg(args []string, def, hi int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", args[0])
	}
	return min(n, hi), nil
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh%dm", days, h, m)
	case h > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
