package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"epicbot/internal/observability/metrics"
	"epicbot/internal/plugin/ops"
	logx "epicbot/pkg/logx"
)

type fixedHealth ops.PluginsSnapshot

func (f fixedHealth) Snapshot() ops.PluginsSnapshot { return ops.PluginsSnapshot(f) }

type pingRoutes struct{}

func (pingRoutes) MountRoutes(r chi.Router) {
	r.Get("/plugins/demo/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) (int, string, http.Header) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String(), rec.Header()
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveCycle(nil)
	s := New(Config{}, Deps{Health: fixedHealth{}, Metrics: m, Routes: pingRoutes{}}, logx.Nop())
	h := s.Handler(Config{CORSOrigins: []string{"https://cal.example"}})

	code, body, _ := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"status":"ok"`)

	code, body, _ = get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `epicbot_cycles_total{result="delivered"} 1`)

	code, _, _ = get(t, h, "/debug/pprof/", nil)
	require.Equal(t, http.StatusNotFound, code, "pprof is off by default")

	code, body, hdr := get(t, h, "/plugins/demo/ping", map[string]string{"Origin": "https://cal.example"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pong", body)
	require.Equal(t, "https://cal.example", hdr.Get("Access-Control-Allow-Origin"))

	code, _, _ = get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestHealthzDegraded(t *testing.T) {
	t.Parallel()

	snap := fixedHealth{Plugins: []ops.PluginStatus{{Name: "epicfree", Enabled: true, Quarantined: true}}}
	s := New(Config{}, Deps{Health: snap}, logx.Nop())
	code, body, _ := get(t, s.Handler(Config{}), "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, `"status":"degraded"`)
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Deps{Health: fixedHealth{}}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret"})

	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong header", "/healthz", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"header", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"wrong query wins over header", "/healthz?token=x", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, _, _ := get(t, h, tt.target, tt.hdr)
			require.Equal(t, tt.want, code)
		})
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	s := New(cfg, Deps{Health: fixedHealth{}}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	require.Nil(t, s.Supervisor())
	require.Empty(t, s.Addr())
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "insecure bind"))
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()

	a := Config{Addr: "127.0.0.1:1", CORSOrigins: []string{"x"}}
	require.False(t, needsRestart(a, a))
	b := a
	b.CORSOrigins = []string{"y"}
	require.True(t, needsRestart(a, b))
	c := a
	c.Pprof = true
	require.True(t, needsRestart(a, c))
}
