package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"epicbot/internal/eventbus"
	rtsup "epicbot/internal/runtime/supervisor"
	"epicbot/internal/storage"
	logx "epicbot/pkg/logx"
)

// PluginBase carries the plumbing most plugins need. Embed it and call
// InitBase from Init, StartBase from Start and StopBase from Stop.
type PluginBase struct {
	Log  logx.Logger
	Deps PluginDeps

	name string

	// mu guards runner and ctx; health loops read them while the manager restarts the plugin.
	mu     sync.RWMutex
	runner *Supervisor
	ctx    context.Context
}

func (b *PluginBase) InitBase(deps PluginDeps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

// StartBase creates the per-plugin supervisor. Restarts of its goroutines are counted in metrics.
func (b *PluginBase) StartBase(ctx context.Context) {
	r := rtsup.NewSupervisor(ctx, rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
	b.mu.Lock()
	b.ctx = ctx
	b.runner = r
	b.mu.Unlock()
}

// StopBase cancels the runner and waits for its goroutines, bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	b.mu.Lock()
	r := b.runner
	b.runner = nil
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	r.Cancel()
	return r.Wait(ctx)
}

// Supervisor is the per-plugin runner; nil outside StartBase..StopBase.
func (b *PluginBase) Supervisor() *Supervisor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runner
}

// Context is the plugin run context; nil before StartBase.
func (b *PluginBase) Context() context.Context {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx
}

// Health reports whether the run context is alive. Plugins override it for richer status.
func (b *PluginBase) Health(context.Context) (string, error) {
	ctx := b.Context()
	if ctx == nil {
		return "not_started", nil
	}
	if err := ctx.Err(); err != nil {
		return "stopped", err
	}
	return "ok", nil
}

// RestartHook counts supervised restarts; pass it to GoRestart via rtsup.WithRestartHook.
func (b *PluginBase) RestartHook(name string, err error) {
	b.Deps.Metrics.ObserveRestart(b.name + "." + name)
	b.Log.Warn("goroutine restarting", logx.String("name", name), logx.Err(err))
}

// AppendAudit stamps the plugin name and writes to storage. It returns
// storage.ErrDisabled when no store is configured.
func (b *PluginBase) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if b.Deps.Store == nil {
		return storage.ErrDisabled
	}
	e.Plugin = b.name
	return b.Deps.Store.AppendAudit(ctx, e)
}

func (b *PluginBase) RecentAudit(ctx context.Context, n int) ([]storage.AuditEntry, error) {
	if b.Deps.Store == nil {
		return nil, storage.ErrDisabled
	}
	return b.Deps.Store.RecentAudit(ctx, b.name, n)
}

// PublishEvent publishes typ under the plugin namespace ("cycle.failed" -> "epicfree.cycle.failed").
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: b.name + "." + typ, Data: data})
}

// DecodePluginConfig strictly decodes a plugin config blob. Empty input yields the zero T.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	if dec.More() {
		return out, errors.New("trailing data after config object")
	}
	return out, nil
}
