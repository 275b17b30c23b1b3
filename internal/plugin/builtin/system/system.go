// Package system answers operator commands about the bot process itself:
// liveness, uptime, plugin health and runtime stats.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"epicbot/internal/plugin"
	rtsup "epicbot/internal/runtime/supervisor"
	kit "epicbot/internal/transport"
)

// healthCheckTimeout bounds `/health check` even when a plugin health check blocks.
const healthCheckTimeout = 12 * time.Second

type Plugin struct {
	plugin.PluginBase
	startedAt time.Time
	now       func() time.Time
}

func New() *Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Name() string { return "system" }

func (p *Plugin) Init(_ context.Context, deps plugin.PluginDeps) error {
	p.InitBase(deps, p.Name())
	if p.startedAt.IsZero() {
		p.startedAt = p.now()
	}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "ping",
			Description: "check the bot is alive",
			Usage:       "/ping",
			Access:      plugin.AccessEveryone,
			Handle: func(ctx context.Context, req *plugin.Request) error {
				return req.Reply(ctx, "pong", nil)
			},
		},
		{
			Route:       "uptime",
			Aliases:     []string{"up"},
			Description: "how long the bot has been running",
			Usage:       "/uptime",
			Access:      plugin.AccessEveryone,
			Handle: func(ctx context.Context, req *plugin.Request) error {
				return req.Reply(ctx, "uptime: "+durRel(p.now().Sub(p.startedAt)), nil)
			},
		},
		{
			Route:       "health",
			Aliases:     []string{"status"},
			Description: "plugin and supervisor health",
			Usage:       "/health [check]",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.cmdHealth,
		},
		{
			Route:       "sysinfo",
			Description: "Go runtime info",
			Usage:       "/sysinfo",
			Access:      plugin.AccessOwnerOnly,
			Handle:      p.cmdSysinfo,
		},
	}
}

func (p *Plugin) cmdHealth(ctx context.Context, req *plugin.Request) error {
	svc := req.Services
	if svc == nil || svc.Plugins == nil {
		return req.Reply(ctx, "plugins service is unavailable", nil)
	}

	check := len(req.Args) > 0 && strings.EqualFold(req.Args[0], "check")
	if req.BoolFlags["check"] || req.BoolFlags["refresh"] {
		check = true
	}
	if check {
		cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		_ = svc.Plugins.CheckHealth(cctx, nil)
		cancel()
	}

	snap := svc.Plugins.Snapshot()
	var sups map[string]*rtsup.Supervisor
	if svc.RuntimeSupervisors != nil {
		sups = svc.RuntimeSupervisors.Snapshot()
	}
	text := renderHealth(snap, svc.AppSupervisor, sups, p.now().Sub(p.startedAt))
	return req.Reply(ctx, text, &kit.SendOptions{DisablePreview: true})
}

func renderHealth(snap plugin.PluginsSnapshot, app *rtsup.Supervisor, sups map[string]*rtsup.Supervisor, up time.Duration) string {
	var b strings.Builder
	state := "ok"
	if !snap.Healthy() {
		state = "degraded"
	}
	fmt.Fprintf(&b, "health: %s\n", state)
	fmt.Fprintf(&b, "uptime: %s, goroutines: %d\n", durRel(up), runtime.NumGoroutine())

	b.WriteString("\nplugins:\n")
	if len(snap.Plugins) == 0 {
		b.WriteString("- none registered\n")
	}
	for _, ps := range snap.Plugins {
		fmt.Fprintf(&b, "- %s: %s", ps.Name, pluginState(ps))
		if h := ps.LastHealth; !h.At.IsZero() {
			switch {
			case h.Err != "":
				fmt.Fprintf(&b, " (last check failed x%d: %s)", h.Fails, shorten(h.Err, 120))
			case h.Status != "":
				fmt.Fprintf(&b, " (%s)", h.Status)
			}
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nsupervisors:\n")
	if app != nil {
		c := app.Counters()
		fmt.Fprintf(&b, "- app: active=%d started=%d\n", c.Active, c.Started)
	}
	names := make([]string, 0, len(sups))
	for name, s := range sups {
		if s != nil {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		c := sups[name].Counters()
		fmt.Fprintf(&b, "- %s: active=%d started=%d\n", name, c.Active, c.Started)
	}
	return strings.TrimRight(b.String(), "\n")
}

func pluginState(ps plugin.PluginStatus) string {
	switch {
	case ps.Quarantined:
		return "quarantined: " + shorten(ps.QuarantineErr, 120)
	case ps.Running:
		return "running"
	case ps.Enabled:
		return "enabled, not running"
	default:
		return "disabled"
	}
}

func (p *Plugin) cmdSysinfo(ctx context.Context, req *plugin.Request) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := "-"
	if bi, ok := debug.ReadBuildInfo(); ok {
		mod = bi.Main.Path + " " + bi.Main.Version
	}

	lines := []string{
		"sysinfo",
		"go: " + runtime.Version(),
		"module: " + mod,
		fmt.Sprintf("goroutines: %d", runtime.NumGoroutine()),
		"mem_alloc: " + fmtBytes(m.Alloc),
		"mem_sys: " + fmtBytes(m.Sys),
		fmt.Sprintf("gc: %d", m.NumGC),
	}
	return req.Reply(ctx, strings.Join(lines, "\n"), nil)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func durRel(d time.Duration) string {
	d = d.Abs()
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
