package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"epicbot/internal/config"
	"epicbot/internal/eventbus"
	"epicbot/internal/runtime/lifecycle"
	logx "epicbot/pkg/logx"
)

type fakeConfig struct {
	Greeting string         `json:"greeting"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

type fakePlugin struct {
	PluginBase

	inits, starts, stops, applies atomic.Int32
	greeting                      atomic.Value
}

func (p *fakePlugin) Name() string { return "fake" }

func (p *fakePlugin) Init(_ context.Context, deps PluginDeps) error {
	p.inits.Add(1)
	p.InitBase(deps, p.Name())
	return nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.starts.Add(1)
	p.StartBase(ctx)
	return nil
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.stops.Add(1)
	return p.StopBase(ctx)
}

func (p *fakePlugin) Commands() []Command {
	return []Command{{Route: "hello", Handle: func(context.Context, *Request) error { return nil }}}
}

func (p *fakePlugin) ValidateConfig(_ context.Context, raw json.RawMessage) error {
	c, err := DecodePluginConfig[fakeConfig](raw)
	if err != nil {
		return err
	}
	if c.Greeting == "" {
		return errors.New("greeting is required")
	}
	return nil
}

func (p *fakePlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := DecodePluginConfig[fakeConfig](raw)
	if err != nil {
		return err
	}
	p.applies.Add(1)
	p.greeting.Store(c.Greeting)
	return nil
}

func (p *fakePlugin) MountRoutes(r chi.Router) {
	r.Get("/greeting", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(p.greeting.Load().(string)))
	})
}

type captureRegistry struct {
	mu   sync.Mutex
	cmds []Command
}

func (c *captureRegistry) SetRegistry(cmds []Command) {
	c.mu.Lock()
	c.cmds = cmds
	c.mu.Unlock()
}

func (c *captureRegistry) get() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmds
}

func cfgWith(enabled bool, raw string) *config.Config {
	return &config.Config{Plugins: map[string]config.PluginConfigRaw{
		"fake": {Enabled: enabled, Config: json.RawMessage(raw)},
	}}
}

func newTestManager(t *testing.T, cfg *config.Config) (*PluginManager, *fakePlugin, *captureRegistry, <-chan eventbus.Event) {
	t.Helper()
	cfgm := config.NewConfigManager("unused.yaml")
	cfgm.Commit(cfg)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	reg := &captureRegistry{}
	pm := NewPluginManager(logx.Nop(), cfgm, PluginDeps{Logger: logx.Nop(), Bus: bus}, reg)
	p := &fakePlugin{}
	pm.Register(p)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		pm.StopAll(context.Background(), lifecycle.StopAppStop)
		cancel()
	})
	require.NoError(t, pm.StartAll(ctx))
	return pm, p, reg, events
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	pm, p, reg, _ := newTestManager(t, cfgWith(true, `{"greeting":"hi","timeouts":{"command":"7s"}}`))

	require.EqualValues(t, 1, p.starts.Load())
	require.EqualValues(t, 1, p.applies.Load())
	cmds := reg.get()
	require.Len(t, cmds, 1)
	require.Equal(t, "fake", cmds[0].PluginName)
	require.Equal(t, 7*time.Second, cmds[0].Timeout)

	// Same blob: no reapply.
	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{ "timeouts":{"command":"7s"}, "greeting":"hi" }`))
	require.EqualValues(t, 1, p.applies.Load())

	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{"greeting":"hello"}`))
	require.EqualValues(t, 2, p.applies.Load())
	require.Equal(t, "hello", p.greeting.Load())

	pm.OnConfigUpdate(context.Background(), cfgWith(false, `{"greeting":"hello"}`))
	require.EqualValues(t, 1, p.stops.Load())
	require.Empty(t, reg.get())

	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{"greeting":"again"}`))
	require.EqualValues(t, 1, p.inits.Load(), "Init must run once")
	require.EqualValues(t, 2, p.starts.Load())
}

func TestManagerQuarantinesInvalidConfig(t *testing.T) {
	t.Parallel()

	pm, p, _, events := newTestManager(t, cfgWith(true, `{"timeouts":{"job":"5s"},"greeting":"x"}`))
	require.EqualValues(t, 0, p.starts.Load())

	snap := pm.Snapshot()
	require.Len(t, snap.Plugins, 1)
	require.True(t, snap.Plugins[0].Quarantined)
	require.Contains(t, snap.Plugins[0].QuarantineErr, "timeouts.job")
	require.False(t, snap.Healthy())

	var sawQuarantine bool
	for len(events) > 0 {
		if (<-events).Type == "plugin.quarantined" {
			sawQuarantine = true
		}
	}
	require.True(t, sawQuarantine)

	// A changed config clears the quarantine and retries.
	pm.OnConfigUpdate(context.Background(), cfgWith(true, `{"greeting":"fixed"}`))
	require.EqualValues(t, 1, p.starts.Load())
	require.False(t, pm.Snapshot().Plugins[0].Quarantined)
}

func TestManagerValidateConfig(t *testing.T) {
	t.Parallel()

	pm, _, _, _ := newTestManager(t, cfgWith(true, `{"greeting":"hi"}`))
	require.NoError(t, pm.ValidateConfig(context.Background(), cfgWith(true, `{"greeting":"hi"}`)))
	require.ErrorContains(t, pm.ValidateConfig(context.Background(), cfgWith(true, `{}`)), "greeting is required")
	require.ErrorContains(t, pm.ValidateConfig(context.Background(), cfgWith(true, `{"greeting":"x","typo":1}`)), "unknown field")
	require.NoError(t, pm.ValidateConfig(context.Background(), cfgWith(false, `{}`)), "disabled plugins are not validated")
}

func TestManagerRoutesFollowRunState(t *testing.T) {
	t.Parallel()

	pm, _, _, _ := newTestManager(t, cfgWith(true, `{"greeting":"hi"}`))
	r := chi.NewRouter()
	pm.MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	get := func() (int, string) {
		resp, err := http.Get(srv.URL + "/plugins/fake/greeting")
		require.NoError(t, err)
		defer resp.Body.Close()
		b := make([]byte, 64)
		n, _ := resp.Body.Read(b)
		return resp.StatusCode, string(b[:n])
	}
	code, body := get()
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "hi", body)

	pm.OnConfigUpdate(context.Background(), cfgWith(false, `{"greeting":"hi"}`))
	code, _ = get()
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	pm, _, _, _ := newTestManager(t, cfgWith(true, `{"greeting":"hi"}`))
	res := pm.CheckHealth(context.Background(), nil)
	require.Len(t, res, 1)
	require.Equal(t, "ok", res[0].Status)
	require.Empty(t, res[0].Err)
	require.Equal(t, "ok", pm.Snapshot().Plugins[0].LastHealth.Status)
}

func TestTimeoutsConfig(t *testing.T) {
	t.Parallel()

	var tc TimeoutsConfig
	require.NoError(t, json.Unmarshal([]byte(`{"command":"3s","operation":"250ms"}`), &tc))
	require.Equal(t, 3*time.Second, tc.CommandOr(time.Minute))
	require.Equal(t, time.Minute, tc.TaskOr(time.Minute))
	require.Equal(t, 250*time.Millisecond, tc.OperationOr(time.Second))
	require.ErrorContains(t, json.Unmarshal([]byte(`{"request":"1s"}`), &tc), "timeouts.operation")
	require.ErrorContains(t, TimeoutsConfig{Task: "soon"}.Validate("epicfree.timeouts"), "epicfree.timeouts.task")
	require.ErrorContains(t, TimeoutsConfig{Command: "-1s"}.Validate("x"), "must be positive")
}
