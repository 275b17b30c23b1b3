package app

import (
	"epicbot/internal/config"
	"epicbot/internal/plugin"
	"epicbot/internal/runtime/supervisor"
	"epicbot/internal/transport/telegram/router"
)

// Aliases keep app.go free of package prefixes for the types it wires together.

type Config = config.Config

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

type Supervisor = supervisor.Supervisor

var (
	NewSupervisor     = supervisor.NewSupervisor
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)

type SupervisorRegistry = router.SupervisorRegistry

var NewSupervisorRegistry = router.NewSupervisorRegistry

type Services = router.Services

type CommandManager = router.CommandManager

var NewCommandManager = router.NewCommandManager

type PluginManager = plugin.PluginManager

type PluginDeps = plugin.PluginDeps

var NewPluginManager = plugin.NewPluginManager
