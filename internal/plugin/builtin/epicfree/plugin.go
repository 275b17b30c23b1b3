// Package epicfree pushes the Epic Games Store free-titles digest to chats on
// a weekly or daily schedule and answers on-demand /epic commands.
package epicfree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"epicbot/internal/plugin"
	rtsup "epicbot/internal/runtime/supervisor"
	"epicbot/pkg/epicstore"
	logx "epicbot/pkg/logx"
)

const PluginName = "epicfree"

// digestSource is the part of *epicstore.Client the plugin needs.
type digestSource interface {
	Fetch(ctx context.Context) (*epicstore.Digest, error)
}

type Plugin struct {
	plugin.PluginBase

	mu        sync.RWMutex
	set       settings
	src       digestSource
	srcKey    string
	gen       uint64
	cancelNap context.CancelFunc

	state  cycleState
	digest atomic.Pointer[epicstore.Digest]

	// Overridable in tests.
	now       func() time.Time
	wait      func(ctx context.Context, d time.Duration) error
	newSource func(s settings, log logx.Logger) digestSource
}

func New() *Plugin {
	return &Plugin{
		now:       time.Now,
		wait:      sleepCtx,
		newSource: newClient,
	}
}

func newClient(s settings, log logx.Logger) digestSource {
	return epicstore.NewClient(
		epicstore.WithEndpoint(s.endpoint),
		epicstore.WithLocale(s.locale, s.country),
		epicstore.WithLogger(log),
	)
}

func (p *Plugin) Name() string { return PluginName }

func (p *Plugin) Init(_ context.Context, deps plugin.PluginDeps) error {
	p.InitBase(deps, PluginName)
	s, err := parseSettings(nil)
	if err != nil {
		return err
	}
	p.apply(s)
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.Supervisor().GoRestart("cycle", p.runCycle,
		rtsup.WithRestartHook(p.RestartHook),
		rtsup.WithStopOnCleanExit(true),
	)
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	return p.StopBase(ctx)
}

func (p *Plugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	_, err := parseSettings(raw)
	return err
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	s, err := parseSettings(raw)
	if err != nil {
		return err
	}
	if !s.ruleKnown {
		p.Log.Warn("unknown push_way; falling back to daily", logx.String("push_way", s.ruleRaw))
	}
	if len(s.targets) == 0 {
		p.Log.Warn("no groups configured; scheduled pushes will reach nobody")
	}
	p.apply(s)
	p.Log.Info("config applied",
		logx.String("plan", s.plan.String()),
		logx.String("timezone", s.location().String()),
		logx.Int("groups", len(s.targets)),
	)
	return nil
}

// apply swaps in s and wakes a cycle that is sleeping toward the old fire time.
func (p *Plugin) apply(s settings) {
	key := s.endpoint + "|" + s.locale + "|" + s.country
	p.mu.Lock()
	if p.src == nil || key != p.srcKey {
		p.src = p.newSource(s, p.Log)
		p.srcKey = key
	}
	p.set = s
	p.gen++
	wake := p.cancelNap
	p.mu.Unlock()
	if wake != nil {
		wake()
	}
}

func (p *Plugin) snapshot() (settings, digestSource, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set, p.src, p.gen
}

func (p *Plugin) HealthLoopEnabled() bool { return true }

// Health reports the next fire time, and fails while the last iteration failed.
func (p *Plugin) Health(ctx context.Context) (string, error) {
	if st, err := p.PluginBase.Health(ctx); err != nil || st != "ok" {
		return st, err
	}
	st := p.state.load()
	if st.lastErr != nil {
		return "failing", fmt.Errorf("last iteration at %s: %w", st.lastRun.Format(time.RFC3339), st.lastErr)
	}
	if st.next.IsZero() {
		return "ok", nil
	}
	return "next push " + st.next.Format(time.RFC3339), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var errRescheduled = errors.New("schedule changed")
