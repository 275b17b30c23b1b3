package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"epicbot/internal/config"
	"epicbot/internal/eventbus"
	"epicbot/internal/observability/metrics"
	"epicbot/internal/observability/server"
	"epicbot/internal/storage"
	kit "epicbot/internal/transport"
	telegram "epicbot/internal/transport/telegram/adapter"
	logx "epicbot/pkg/logx"
	"epicbot/pkg/systemd"
)

type Options struct {
	// Offline skips the Telegram getMe handshake at construction.
	Offline bool
}

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.MemBus
	store   storage.Store
	metrics *metrics.Metrics

	adapter *telegram.Adapter
	http    *server.Service
	sd      *systemd.Notifier

	cmdm *CommandManager
	pm   *PluginManager
	serv *Services

	updates chan kit.Update
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Offline:     opts.Offline,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately: enable the Telegram sink only after its target is set.
	base := logConfig(cfg)
	base.Telegram.Enabled = false
	logSvc, log := logx.New(base, ad)
	applyLogTarget(logSvc, cfg)
	logSvc.Apply(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	httpCfg, err := server.FromConfig(cfg.HTTP)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()
	serv := &Services{RuntimeSupervisors: NewSupervisorRegistry()}

	cmdm := NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)
	pm := NewPluginManager(log.With(logx.String("comp", "plugins")), cfgm, PluginDeps{
		Logger:      log,
		Adapter:     ad,
		Config:      cfgm,
		Services:    serv,
		Bus:         bus,
		Store:       store,
		Metrics:     m,
		OwnerUserID: cfg.Telegram.OwnerUserIDs,
	}, cmdm)
	serv.Plugins = pm

	httpSvc := server.New(httpCfg, server.Deps{
		Health:      pm,
		Metrics:     m,
		Routes:      pm,
		Supervisors: serv.RuntimeSupervisors.Snapshot,
	}, log)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		adapter: ad,
		http:    httpSvc,
		sd:      systemd.NewNotifier(log),
		cmdm:    cmdm,
		pm:      pm,
		serv:    serv,
		updates: make(chan kit.Update, 256),
	}, nil
}

func (a *App) Plugins() *PluginManager { return a.pm }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate is the transactional reload gate: a config is committed only if it passes.
func (a *App) validate(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := server.FromConfig(cfg.HTTP); err != nil {
		return err
	}
	if _, err := storageConfig(cfg); err != nil {
		return err
	}
	return a.pm.ValidateConfig(ctx, cfg)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup
	a.pm.BindContext(a.sup.Context())

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.serv.RuntimeSupervisors.Set("telegram.adapter", a.adapter.Supervisor())

	if err := a.pm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	a.http.Start(a.sup.Context())
	a.serv.RuntimeSupervisors.Set("http", a.http.Supervisor())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		alive := func() bool { return a.sup.Err() == nil }
		if err := a.sd.WatchdogLoop(c, alive); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("running, %d plugins", len(a.pm.Snapshot().Plugins)))
	a.log.Info("app started")
	return nil
}

// applyConfig fans a committed config out to every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *Config) {
	sections, attrs, pluginChanged := SummarizeConfigChange(prev, next)
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strings("plugins", pluginChanged))
	}
	for _, s := range sections {
		if s == "storage" || s == "telegram.token" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	applyLogTarget(a.logs, next)
	a.logs.Apply(logConfig(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	a.pm.SetOwnerUserIDs(next.Telegram.OwnerUserIDs)

	if hc, err := server.FromConfig(next.HTTP); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
		a.serv.RuntimeSupervisors.Set("http", a.http.Supervisor())
	}

	a.pm.OnConfigUpdate(ctx, next)

	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.sd.Status("config reloaded at " + time.Now().Format(time.RFC3339))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	// Each step gets its own bound so one component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline exhausted", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c, reason); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func logConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// applyLogTarget points the Telegram log sink at telegram.group_log. A thread in
// the ref wins over logging.telegram.thread_id. An empty ref clears the target.
func applyLogTarget(svc *logx.Service, cfg *Config) {
	ref := strings.TrimSpace(cfg.Telegram.GroupLog)
	if ref == "" {
		svc.SetTelegramTarget(0, 0)
		return
	}
	chatID, threadID, err := config.ParseChatRef("telegram.group_log", ref)
	if err != nil {
		return
	}
	if threadID == 0 {
		threadID = cfg.Logging.Telegram.ThreadID
	}
	svc.SetTelegramTarget(chatID, threadID)
}

func storageConfig(cfg *Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}
