// Package server runs the optional HTTP endpoint for health, metrics, pprof
// and plugin routes.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"epicbot/internal/config"
	"epicbot/internal/observability/metrics"
	"epicbot/internal/plugin/ops"
	rtsup "epicbot/internal/runtime/supervisor"
	logx "epicbot/pkg/logx"
)

// Config is the parsed form of config.HTTPConfig.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	CORSOrigins   []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FromConfig converts the file form. Empty timeouts get conservative defaults.
func FromConfig(h config.HTTPConfig) (Config, error) {
	c := Config{
		Enabled:       h.Enabled,
		Addr:          h.EffectiveAddr(),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		CORSOrigins:   slices.Clone(h.CORSOrigins),
	}
	var err error
	if c.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return Config{}, err
	}
	// pprof/profile streams for 30s by default.
	if c.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 45*time.Second); err != nil {
		return Config{}, err
	}
	if c.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 2*time.Minute); err != nil {
		return Config{}, err
	}
	return c, nil
}

// HealthSource reports plugin state for /healthz.
type HealthSource interface {
	Snapshot() ops.PluginsSnapshot
}

// RouteMounter contributes routes (the plugin manager mounts /plugins/<name>).
type RouteMounter interface {
	MountRoutes(r chi.Router)
}

type Deps struct {
	Health  HealthSource
	Metrics *metrics.Metrics
	Routes  RouteMounter
	// Supervisors is optional; its snapshots are included in /healthz?verbose=1.
	Supervisors func() map[string]*rtsup.Supervisor
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	deps Deps
	cfg  Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
}

// Supervisor returns the server's supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.log.Info("http config changed; restarting")
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		!slices.Equal(a.CORSOrigins, b.CORSOrigins) ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// Observability must never take the bot down.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	if !cur.Enabled {
		return nil
	}

	host, _, err := net.SplitHostPort(cur.Addr)
	if err != nil {
		return fmt.Errorf("http addr %q: %w", cur.Addr, err)
	}
	loopback := config.IsLoopbackHost(host)
	if !loopback && cur.Token == "" {
		if !cur.AllowInsecure {
			s.log.Error("http refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", cur.Addr))
			return errors.New("http refused to start: insecure bind")
		}
		s.log.Warn("http running without token on non-loopback addr (insecure)", logx.String("addr", cur.Addr))
	}

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("http listen %s: %w", cur.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Handler builds the routing tree for cur. Exposed for tests.
func (s *Service) Handler(cur Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(bearerAuth(cur.Token))

	r.Get("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if cur.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	if s.deps.Routes != nil {
		r.Group(func(r chi.Router) {
			if len(cur.CORSOrigins) > 0 {
				r.Use(cors.New(cors.Options{
					AllowedOrigins: cur.CORSOrigins,
					AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
					AllowedHeaders: []string{"Accept", "Authorization", "Cache-Control"},
				}).Handler)
			}
			s.deps.Routes.MountRoutes(r)
		})
	}
	return r
}

type healthBody struct {
	Status      string                              `json:"status"`
	Plugins     ops.PluginsSnapshot                 `json:"plugins"`
	Supervisors map[string]rtsup.SupervisorSnapshot `json:"supervisors,omitempty"`
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if s.deps.Health != nil {
		body.Plugins = s.deps.Health.Snapshot()
	}
	code := http.StatusOK
	if !body.Plugins.Healthy() {
		body.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if r.URL.Query().Get("verbose") != "" && s.deps.Supervisors != nil {
		body.Supervisors = map[string]rtsup.SupervisorSnapshot{}
		for name, sup := range s.deps.Supervisors() {
			body.Supervisors[name] = sup.Snapshot()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if r.Method == http.MethodOptions || subtle.ConstantTimeCompare([]byte(got), want) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}
