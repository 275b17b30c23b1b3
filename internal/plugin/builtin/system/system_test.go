package system

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"epicbot/internal/plugin"
	"epicbot/internal/plugin/ops"
	rtsup "epicbot/internal/runtime/supervisor"
	kit "epicbot/internal/transport"
	"epicbot/internal/transport/telegram/router"
	logx "epicbot/pkg/logx"
)

type replyRecorder struct {
	mu   sync.Mutex
	last string
}

func (r *replyRecorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = text
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (r *replyRecorder) Start(context.Context, chan<- kit.Update) error { return nil }
func (r *replyRecorder) Stop(context.Context) error                    { return nil }

type fakePlugins struct {
	snap    ops.PluginsSnapshot
	checked int
}

func (f *fakePlugins) Snapshot() ops.PluginsSnapshot { return f.snap }

func (f *fakePlugins) CheckHealth(context.Context, []string) []ops.PluginHealthResult {
	f.checked++
	return nil
}

func newPlugin(t *testing.T, start time.Time, now time.Time) *Plugin {
	t.Helper()
	p := New()
	p.now = func() time.Time { return start }
	require.NoError(t, p.Init(context.Background(), plugin.PluginDeps{Logger: logx.Nop()}))
	p.now = func() time.Time { return now }
	return p
}

func find(t *testing.T, p *Plugin, route string) plugin.Command {
	t.Helper()
	for _, c := range p.Commands() {
		if c.Route == route {
			return c
		}
	}
	t.Fatalf("command %q not registered", route)
	return plugin.Command{}
}

func TestPingAndUptime(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 9, 16, 10, 0, 0, 0, time.UTC)
	p := newPlugin(t, start, start.Add(2*time.Hour+5*time.Minute))
	rec := &replyRecorder{}
	req := &plugin.Request{Adapter: rec, Chat: kit.ChatTarget{ChatID: 7}}

	require.NoError(t, find(t, p, "ping").Handle(context.Background(), req))
	require.Equal(t, "pong", rec.last)

	require.NoError(t, find(t, p, "uptime").Handle(context.Background(), req))
	require.Equal(t, "uptime: 2h5m", rec.last)
}

func TestHealthCommand(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 9, 16, 10, 0, 0, 0, time.UTC)
	p := newPlugin(t, start, start.Add(30*time.Second))

	fp := &fakePlugins{snap: ops.PluginsSnapshot{Plugins: []ops.PluginStatus{
		{Name: "epicfree", Enabled: true, Running: true, LastHealth: ops.PluginHealthResult{At: start, Status: "next push 2024-09-20T08:00:00Z"}},
		{Name: "system", Enabled: true, Quarantined: true, QuarantineErr: "bad config"},
	}}}
	reg := router.NewSupervisorRegistry()
	sup := rtsup.NewSupervisor(context.Background())
	t.Cleanup(sup.Cancel)
	reg.Set("http", sup)

	rec := &replyRecorder{}
	req := &plugin.Request{
		Adapter:  rec,
		Args:     []string{"check"},
		Services: &plugin.Services{Plugins: fp, RuntimeSupervisors: reg},
	}
	require.NoError(t, find(t, p, "health").Handle(context.Background(), req))
	require.Equal(t, 1, fp.checked)
	require.Contains(t, rec.last, "health: degraded")
	require.Contains(t, rec.last, "uptime: 30s")
	require.Contains(t, rec.last, "- epicfree: running (next push 2024-09-20T08:00:00Z)")
	require.Contains(t, rec.last, "- system: quarantined: bad config")
	require.Contains(t, rec.last, "- http: active=0 started=0")

	req.Services = nil
	require.NoError(t, find(t, p, "health").Handle(context.Background(), req))
	require.Equal(t, "plugins service is unavailable", rec.last)
}

func TestDurRel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 4*time.Second, "3m4s"},
		{26*time.Hour + 1*time.Minute, "26h1m"},
		{-5 * time.Second, "5s"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, durRel(tt.in))
		})
	}
}

func TestShortenAndBytes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "abc", shorten("abc", 10))
	require.Equal(t, "请求...", shorten("请求失败，请稍后重试。", 5))
	require.Equal(t, "512B", fmtBytes(512))
	require.Equal(t, "1.5KB", fmtBytes(1536))
	require.Equal(t, "2.0MB", fmtBytes(2<<20))
}
