package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"epicbot/internal/config"
	"epicbot/internal/eventbus"
	"epicbot/internal/runtime/lifecycle"
	logx "epicbot/pkg/logx"
)

const (
	callTimeout        = 10 * time.Second
	validateTimeout    = 5 * time.Second
	startGrace         = 2 * time.Second
	healthInterval     = 30 * time.Second
	healthTimeout      = 3 * time.Second
	healthFailThresh   = 3
	slowStopLogAtLeast = 500 * time.Millisecond
)

type pluginEvent struct {
	Plugin string `json:"plugin"`
	Stage  string `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// CommandRegistry receives the merged command list of all running plugins.
type CommandRegistry interface {
	SetRegistry(cmds []Command)
}

type quarantineState struct {
	rawHash uint64
	err     string
	since   time.Time
	count   int
}

// PluginManager reconciles registered plugins against config: it starts enabled
// ones, stops disabled ones, pushes config changes and quarantines plugins
// whose config fails validation. Every plugin call is panic-safe and bounded.
type PluginManager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.ConfigManager
	deps PluginDeps
	cmds CommandRegistry

	reg         map[string]Plugin
	run         map[string]bool
	inited      map[string]bool
	lastRawHash map[string]uint64
	lastGlobal  uint64

	// baseCtx outlives the call-scoped contexts passed to StartAll/OnConfigUpdate.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc

	quarantine    map[string]quarantineState
	healthStarted map[string]bool
	healthLast    map[string]PluginHealthResult
}

func NewPluginManager(log logx.Logger, cfgm *config.ConfigManager, deps PluginDeps, cmds CommandRegistry) *PluginManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &PluginManager{
		log:           log,
		cfgm:          cfgm,
		deps:          deps,
		cmds:          cmds,
		reg:           map[string]Plugin{},
		run:           map[string]bool{},
		inited:        map[string]bool{},
		lastRawHash:   map[string]uint64{},
		baseCtx:       baseCtx,
		baseCancel:    baseCancel,
		pctx:          map[string]context.Context{},
		pcancel:       map[string]context.CancelFunc{},
		quarantine:    map[string]quarantineState{},
		healthStarted: map[string]bool{},
		healthLast:    map[string]PluginHealthResult{},
	}
}

func (pm *PluginManager) emit(typ string, data pluginEvent) {
	if pm.deps.Bus == nil {
		return
	}
	pm.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (pm *PluginManager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		pm.reg[pl.Name()] = pl
	}
	pm.refreshRegistryLocked(pm.cfgm.Get())
}

// BindContext cancels every plugin once appCtx is done. The first bind wins.
func (pm *PluginManager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.bound || appCtx == nil {
		return
	}
	pm.bound = true
	context.AfterFunc(appCtx, pm.baseCancel)
}

func (pm *PluginManager) StartAll(ctx context.Context) error {
	pm.BindContext(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

func (pm *PluginManager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	pm.mu.Unlock()

	for _, name := range names {
		pm.stopOne(ctx, name, reason)
	}

	pm.mu.Lock()
	pm.refreshRegistryLocked(pm.cfgm.Get())
	pm.mu.Unlock()
}

func (pm *PluginManager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	_ = pm.reconcile(cfg)
}

// SetOwnerUserIDs updates deps for plugins initialized after a reload.
func (pm *PluginManager) SetOwnerUserIDs(ids []int64) {
	pm.mu.Lock()
	pm.deps.OwnerUserID = slices.Clone(ids)
	pm.mu.Unlock()
}

func (pm *PluginManager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
		pm.emit("plugin.stop_timeout", pluginEvent{Plugin: name, Reason: string(reason), Err: stopCtx.Err().Error()})
	}

	pm.mu.Lock()
	pm.run[name] = false
	pm.healthLast[name] = PluginHealthResult{Plugin: name, At: time.Now(), Status: "stopped"}
	delete(pm.pctx, name)
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	delete(pm.healthStarted, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.emit("plugin.stopped", pluginEvent{Plugin: name, Reason: string(reason), TookMS: took.Milliseconds()})
	l := pm.log.Debug
	if took >= slowStopLogAtLeast {
		l = pm.log.Info
	}
	l("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", took))
}

func (pm *PluginManager) setQuarantine(name string, rawHash uint64, err error, stage string) {
	errStr := err.Error()
	pm.mu.Lock()
	prev, ok := pm.quarantine[name]
	if ok && prev.rawHash == rawHash && prev.err == errStr {
		prev.count++
		pm.quarantine[name] = prev
		pm.mu.Unlock()
		return
	}
	st := quarantineState{rawHash: rawHash, err: errStr, since: time.Now(), count: prev.count + 1}
	pm.quarantine[name] = st
	pm.mu.Unlock()

	pm.log.Error("plugin quarantined", logx.String("plugin", name), logx.String("stage", stage), logx.String("err", errStr))
	pm.emit("plugin.quarantined", pluginEvent{Plugin: name, Stage: stage, Err: errStr, Count: st.count})
}

// quarantined clears a stale quarantine when the config changed and reports whether one still applies.
func (pm *PluginManager) quarantined(name string, rawHash uint64) bool {
	pm.mu.Lock()
	st, ok := pm.quarantine[name]
	stale := ok && st.rawHash != rawHash
	if stale {
		delete(pm.quarantine, name)
	}
	pm.mu.Unlock()
	if stale {
		pm.log.Info("plugin quarantine cleared (config changed)", logx.String("plugin", name))
		pm.emit("plugin.quarantine_cleared", pluginEvent{Plugin: name})
		return false
	}
	return ok
}

// globalDepsHash covers the global settings plugins read implicitly.
func globalDepsHash(cfg *config.Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, _ := json.Marshal(struct {
		Owners   []int64 `json:"owners"`
		GroupLog string  `json:"group_log"`
	}{cfg.Telegram.OwnerUserIDs, cfg.Telegram.GroupLog})
	return config.CanonicalHashJSON(b)
}

type reconcileOp struct {
	name    string
	p       Plugin
	raw     config.PluginConfigRaw
	rawHash uint64
	enabled bool
	running bool
}

func (pm *PluginManager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	newGlobal := globalDepsHash(cfg)

	pm.mu.Lock()
	globalChanged := newGlobal != pm.lastGlobal
	ops := make([]reconcileOp, 0, len(pm.reg))
	for name, p := range pm.reg {
		raw, ok := cfg.Plugins[name]
		ops = append(ops, reconcileOp{
			name: name, p: p, raw: raw,
			rawHash: config.CanonicalHashJSON(raw.Config),
			enabled: ok && raw.Enabled,
			running: pm.run[name],
		})
	}
	pm.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].name < ops[j].name })

	for _, o := range ops {
		switch {
		case o.enabled && !o.running:
			pm.enable(o)
		case !o.enabled && o.running:
			pm.emit("plugin.disable_requested", pluginEvent{Plugin: o.name})
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(stopCtx, o.name, lifecycle.StopPluginDisable)
			cancel()
		case o.enabled && o.running:
			pm.reconfigure(o, globalChanged)
		}
	}

	pm.mu.Lock()
	pm.lastGlobal = newGlobal
	pm.refreshRegistryLocked(cfg)
	pm.mu.Unlock()
	return nil
}

func (pm *PluginManager) enable(o reconcileOp) {
	if pm.quarantined(o.name, o.rawHash) {
		pm.log.Warn("plugin enable skipped (quarantined)", logx.String("plugin", o.name))
		return
	}
	if err := validateStandardTimeouts(o.name, o.raw.Config); err != nil {
		pm.setQuarantine(o.name, o.rawHash, err, "timeouts")
		return
	}
	pm.emit("plugin.enable_requested", pluginEvent{Plugin: o.name})

	pctx, cancel := context.WithCancel(pm.baseCtx)
	pm.mu.Lock()
	deps := pm.deps
	needInit := !pm.inited[o.name]
	pm.mu.Unlock()

	// Init runs once per process; later enables reuse the initialized plugin.
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+o.name, func() error { return o.p.Init(ictx, deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", o.name), logx.Err(err))
			pm.emit("plugin.init_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
			cancel()
			return
		}
		pm.mu.Lock()
		pm.inited[o.name] = true
		pm.mu.Unlock()
	}

	if v, ok := o.p.(ConfigValidator); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.validate."+o.name, func() error { return v.ValidateConfig(cctx, o.raw.Config) })
		ccancel()
		if err != nil {
			pm.setQuarantine(o.name, o.rawHash, fmt.Errorf("config validate: %w", err), "validate")
			cancel()
			return
		}
	}
	if cp, ok := o.p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) })
		ccancel()
		if err != nil {
			pm.setQuarantine(o.name, o.rawHash, fmt.Errorf("config apply: %w", err), "config")
			cancel()
			return
		}
	}

	if err := pm.startWithTimeout(o.name, o.p, pctx, cancel, callTimeout); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", o.name), logx.Err(err))
		pm.emit("plugin.start_failed", pluginEvent{Plugin: o.name, Err: err.Error()})
		cancel()
		return
	}

	pm.mu.Lock()
	pm.run[o.name] = true
	pm.pctx[o.name] = pctx
	pm.pcancel[o.name] = cancel
	pm.lastRawHash[o.name] = o.rawHash
	delete(pm.quarantine, o.name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", o.name))
	pm.emit("plugin.started", pluginEvent{Plugin: o.name})
	if hc, ok := o.p.(HealthChecker); ok {
		pm.startHealthLoop(o.name, o.p, hc)
	}
}

func (pm *PluginManager) reconfigure(o reconcileOp, globalChanged bool) {
	cp, ok := o.p.(ConfigurablePlugin)
	if !ok {
		return
	}
	pm.mu.Lock()
	oldHash := pm.lastRawHash[o.name]
	pctx := pm.pctx[o.name]
	pm.mu.Unlock()
	if o.rawHash == oldHash && !globalChanged {
		return
	}

	quarantine := func(err error, stage string) {
		pm.setQuarantine(o.name, o.rawHash, err, stage)
		stopCtx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
		pm.stopOne(stopCtx, o.name, lifecycle.StopPluginQuarantine)
		cancel()
	}
	if err := validateStandardTimeouts(o.name, o.raw.Config); err != nil {
		quarantine(err, "timeouts")
		return
	}
	if pctx == nil {
		pctx = pm.baseCtx
	}
	cctx, ccancel := context.WithTimeout(pctx, callTimeout)
	err := pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) })
	ccancel()
	if err != nil {
		quarantine(fmt.Errorf("config apply: %w", err), "config")
		return
	}
	pm.emit("plugin.config_applied", pluginEvent{Plugin: o.name})
	pm.mu.Lock()
	pm.lastRawHash[o.name] = o.rawHash
	pm.mu.Unlock()
}

// startWithTimeout cancels the plugin context if Start overruns, then waits startGrace for it to return.
func (pm *PluginManager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) }) }()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("start timeout (%s): %w", timeout, err)
		}
		return fmt.Errorf("start timeout (%s)", timeout)
	case <-time.After(startGrace):
		return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
	}
}

func (pm *PluginManager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call", logx.String("call", label), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *PluginManager) refreshRegistryLocked(cfg *config.Config) {
	if pm.cmds == nil {
		return
	}
	var cmds []Command
	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !pm.run[name] || cfg == nil {
			continue
		}
		raw, ok := cfg.Plugins[name]
		if !ok || !raw.Enabled {
			continue
		}
		timeout, hasTimeout := commandTimeout(raw.Config)
		for _, c := range pm.safeCommands(name, pm.reg[name]) {
			c.PluginName = name
			if hasTimeout && c.Timeout <= 0 {
				c.Timeout = timeout
			}
			cmds = append(cmds, c)
		}
	}
	pm.cmds.SetRegistry(cmds)
}

func (pm *PluginManager) safeCommands(name string, p Plugin) (out []Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()", logx.String("plugin", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = nil
		}
	}()
	return p.Commands()
}

// ValidateConfig runs each enabled plugin's validator against cfg before it is committed.
func (pm *PluginManager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	pm.mu.Lock()
	type target struct {
		name string
		p    Plugin
		raw  json.RawMessage
	}
	var targets []target
	for name, p := range pm.reg {
		if raw, ok := cfg.Plugins[name]; ok && raw.Enabled {
			targets = append(targets, target{name, p, raw.Config})
		}
	}
	pm.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	for _, t := range targets {
		if err := validateStandardTimeouts(t.name, t.raw); err != nil {
			return err
		}
		v, ok := t.p.(ConfigValidator)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := pm.safeCall("plugin.validate."+t.name, func() error { return v.ValidateConfig(cctx, t.raw) })
		cancel()
		if err != nil {
			return fmt.Errorf("plugin %s: %w", t.name, err)
		}
	}
	return nil
}

// MountRoutes mounts every RouteProvider under /plugins/<name>. Call once, before serving.
func (pm *PluginManager) MountRoutes(r chi.Router) {
	pm.mu.Lock()
	providers := map[string]RouteProvider{}
	for name, p := range pm.reg {
		if rp, ok := p.(RouteProvider); ok {
			providers[name] = rp
		}
	}
	pm.mu.Unlock()

	for name, rp := range providers {
		r.Route("/plugins/"+name, func(sr chi.Router) {
			sr.Use(pm.requireRunning(name))
			rp.MountRoutes(sr)
		})
	}
}

func (pm *PluginManager) requireRunning(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pm.mu.Lock()
			running := pm.run[name]
			pm.mu.Unlock()
			if !running {
				http.Error(w, name+" is not running", http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Snapshot implements router.PluginsPort.
func (pm *PluginManager) Snapshot() PluginsSnapshot {
	cfg := pm.cfgm.Get()
	pm.mu.Lock()
	defer pm.mu.Unlock()

	names := make([]string, 0, len(pm.reg))
	for name := range pm.reg {
		names = append(names, name)
	}
	sort.Strings(names)
	out := PluginsSnapshot{Time: time.Now(), Plugins: make([]PluginStatus, 0, len(names))}
	for _, name := range names {
		st := PluginStatus{
			Name:             name,
			Running:          pm.run[name],
			HealthLoopActive: pm.healthStarted[name],
			LastHealth:       pm.healthLast[name],
		}
		_, st.HasHealthChecker = pm.reg[name].(HealthChecker)
		if cfg != nil {
			if raw, ok := cfg.Plugins[name]; ok {
				st.Enabled, st.HasConfig = raw.Enabled, true
			}
		}
		if q, ok := pm.quarantine[name]; ok {
			st.Quarantined, st.QuarantineErr, st.QuarantineSince = true, q.err, q.since
		}
		out.Plugins = append(out.Plugins, st)
	}
	return out
}

// CheckHealth checks the named plugins (all running HealthCheckers when names is empty).
func (pm *PluginManager) CheckHealth(ctx context.Context, names []string) []PluginHealthResult {
	type target struct {
		name    string
		hc      HealthChecker
		running bool
		base    context.Context
	}
	pm.mu.Lock()
	if len(names) == 0 {
		for name, p := range pm.reg {
			if _, ok := p.(HealthChecker); ok && pm.run[name] {
				names = append(names, name)
			}
		}
	}
	var targets []target
	for _, name := range names {
		p := pm.reg[name]
		if p == nil {
			continue
		}
		hc, _ := p.(HealthChecker)
		targets = append(targets, target{name: name, hc: hc, running: pm.run[name], base: pm.pctx[name]})
	}
	pm.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	results := make([]PluginHealthResult, 0, len(targets))
	for _, t := range targets {
		r := PluginHealthResult{Plugin: t.name, At: time.Now(), Status: "stopped"}
		if t.running && t.hc != nil {
			base := t.base
			if base == nil {
				base = pm.baseCtx
			}
			hctx, cancel := context.WithTimeout(base, healthTimeout)
			stop := context.AfterFunc(ctx, cancel)
			r = pm.checkOne(hctx, t.name, t.hc)
			stop()
			cancel()
		} else {
			pm.mu.Lock()
			pm.healthLast[t.name] = r
			pm.mu.Unlock()
		}
		results = append(results, r)
	}
	return results
}

// checkOne runs one health check and records it, carrying the failure streak forward.
func (pm *PluginManager) checkOne(ctx context.Context, name string, hc HealthChecker) PluginHealthResult {
	var (
		status string
		err    error
	)
	perr := pm.safeCall("plugin.health."+name, func() error {
		status, err = hc.Health(ctx)
		return nil
	})
	if perr != nil {
		err = perr
	}
	r := PluginHealthResult{Plugin: name, At: time.Now(), Status: status}

	pm.mu.Lock()
	if err != nil {
		r.Err = err.Error()
		r.Fails = pm.healthLast[name].Fails + 1
	}
	pm.healthLast[name] = r
	pm.mu.Unlock()
	return r
}

func (pm *PluginManager) startHealthLoop(name string, p Plugin, hc HealthChecker) {
	if oi, ok := p.(HealthLoopOptIn); !ok || !oi.HealthLoopEnabled() {
		return
	}
	sp, ok := p.(SupervisorProvider)
	var sup *Supervisor
	if ok {
		sup = sp.Supervisor()
	}
	if sup == nil {
		pm.log.Warn("health loop needs a plugin supervisor", logx.String("plugin", name))
		return
	}
	pm.mu.Lock()
	if pm.healthStarted[name] {
		pm.mu.Unlock()
		return
	}
	pm.healthStarted[name] = true
	pm.mu.Unlock()

	sup.Go0("health.loop", func(ctx context.Context) {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			hctx, cancel := context.WithTimeout(ctx, healthTimeout)
			r := pm.checkOne(hctx, name, hc)
			cancel()
			switch {
			case r.Err == "":
			case r.Fails == healthFailThresh:
				pm.log.Warn("plugin health failing repeatedly", logx.String("plugin", name), logx.Int("fails", r.Fails), logx.String("err", r.Err))
				pm.emit("plugin.unhealthy", pluginEvent{Plugin: name, Err: r.Err, Count: r.Fails})
			default:
				pm.emit("plugin.health", pluginEvent{Plugin: name, Stage: r.Status, Err: r.Err, Count: r.Fails})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}
