// Package plugin hosts feature plugins: lifecycle, config reconcile, command
// registration and optional HTTP routes.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/go-chi/chi/v5"

	"epicbot/internal/config"
	"epicbot/internal/eventbus"
	"epicbot/internal/observability/metrics"
	"epicbot/internal/plugin/ops"
	"epicbot/internal/runtime/lifecycle"
	rtsup "epicbot/internal/runtime/supervisor"
	"epicbot/internal/storage"
	kit "epicbot/internal/transport"
	"epicbot/internal/transport/telegram/router"
	logx "epicbot/pkg/logx"
)

type (
	Command     = router.Command
	Request     = router.Request
	HandlerFunc = router.HandlerFunc
	Access      = router.Access
	Services    = router.Services
	Supervisor  = rtsup.Supervisor
	StopReason  = lifecycle.StopReason

	PluginsSnapshot    = ops.PluginsSnapshot
	PluginStatus       = ops.PluginStatus
	PluginHealthResult = ops.PluginHealthResult
)

const (
	AccessEveryone  = router.AccessEveryone
	AccessOwnerOnly = router.AccessOwnerOnly
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps PluginDeps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []Command
}

// ConfigurablePlugin receives its config blob before Start and on every change.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator rejects a config before it is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

type HealthChecker interface {
	Health(ctx context.Context) (status string, err error)
}

// HealthLoopOptIn turns on the periodic health check for a HealthChecker.
type HealthLoopOptIn interface {
	HealthLoopEnabled() bool
}

// SupervisorProvider lets the manager attach plugin-scoped goroutines.
type SupervisorProvider interface {
	Supervisor() *Supervisor
}

// RouteProvider mounts HTTP handlers under /plugins/<name>/ on the observability server.
// Routes answer 503 while the plugin is not running.
type RouteProvider interface {
	MountRoutes(r chi.Router)
}

type PluginDeps struct {
	Logger      logx.Logger
	Adapter     kit.Adapter
	Config      *config.ConfigManager
	Services    *Services
	Bus         eventbus.Bus
	Store       storage.Store
	Metrics     *metrics.Metrics
	OwnerUserID []int64
}
