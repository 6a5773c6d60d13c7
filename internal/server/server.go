// Package server wires UsageGate's trigger server and admin server. The
// trigger server exposes the evaluation endpoints; the admin server exposes
// health checks, readiness probes, Prometheus metrics, and version info.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usagegate/usagegate/internal/accessctl"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/controller"
	"github.com/usagegate/usagegate/internal/events"
	"github.com/usagegate/usagegate/internal/observability"
	"github.com/usagegate/usagegate/internal/provider"
	iredis "github.com/usagegate/usagegate/internal/redis"
	"github.com/usagegate/usagegate/internal/scheduler"
	"github.com/usagegate/usagegate/internal/snapshot"
	"github.com/usagegate/usagegate/internal/store"
	"github.com/usagegate/usagegate/internal/threshold"
)

// Server is the main UsageGate server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	adminServer *http.Server

	ctrl      *controller.Controller
	sched     *scheduler.Scheduler // nil when the scheduler is disabled
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	emitter   *events.Emitter
	prov      *provider.Client
	redis     iredis.Client
	snapStore *store.Redis

	tracingShutdown func(context.Context) error
}

// New creates a UsageGate server instance, connecting to Redis and
// constructing the collaborator clients from configuration.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	iredis.InitLogger(logger)
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	redisClient, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	snapStore := store.New(redisClient, cfg.Store.Key, logger)
	health.SetStorePinger(snapStore)

	prov, err := provider.New(cfg.Provider, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	access, err := accessctl.New(cfg.AccessController, logger)
	if err != nil {
		_ = redisClient.Close()
		return nil, err
	}

	emitter := events.NewEmitter(cfg.Events, logger)

	ctrl := controller.New(cfg, prov, access, snapStore, logger, metrics, emitter)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		ctrl:      ctrl,
		health:    health,
		metrics:   metrics,
		emitter:   emitter,
		prov:      prov,
		redis:     redisClient,
		snapStore: snapStore,
	}

	if cfg.Scheduler.Enabled {
		interval := config.MustParseDuration(cfg.Scheduler.Interval, 5*time.Minute)
		jitter := config.MustParseDuration(cfg.Scheduler.Jitter, 0)
		s.sched = scheduler.New(scheduler.RunnerFunc(func(ctx context.Context) error {
			_, runErr := ctrl.Run(ctx)
			return runErr
		}), interval, jitter, logger)
	}

	s.mainServer = buildMainServer(cfg, s.mainMux())
	s.adminServer = buildAdminServer(cfg, s.adminMux(reg))

	return s, nil
}

func (s *Server) mainMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/run", s.handleRun)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	return mux
}

func (s *Server) adminMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/startz", s.health.StartzHandler())
	mux.Handle("/healthz", s.health.HealthzHandler())
	mux.Handle("/readyz", s.health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /statusz", s.handleStatusz)
	return mux
}

// handleRun triggers one evaluation invocation and returns its structured
// result. A fatal condition yields {success:false, error} with a status
// code matching the failure class.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Run(r.Context())
	if err != nil {
		writeJSON(w, failureCode(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStatus reports the last persisted snapshot, falling back to the
// live access controller status when none exists.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeJSON(w, failureCode(err), snapshot.Failure(err, time.Now()))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleStatusz exposes the fast-path counters for debugging without
// scraping Prometheus.
func (s *Server) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// failureCode maps an invocation failure class to an HTTP status code:
// configuration problems are the operator's (500), collaborator failures
// are upstream (502).
func failureCode(err error) int {
	switch {
	case errors.Is(err, controller.ErrMissingConfiguration),
		errors.Is(err, threshold.ErrInvalidConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, accessctl.ErrFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 10*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, handler http.Handler) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           handler,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// Run starts both servers and the scheduler and blocks until the context
// is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("usagegate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	schedCtx, stopSched := context.WithCancel(ctx)
	defer stopSched()
	schedDone := make(chan struct{})
	if s.sched != nil {
		go func() {
			defer close(schedDone)
			s.sched.Start(schedCtx)
		}()
	} else {
		close(schedDone)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		stopSched()
		<-schedDone
		return srvErr
	}

	stopSched()
	<-schedDone

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("trigger server starting",
		"address", s.cfg.Server.Address,
		"key_id", s.cfg.Key.ID,
		"provider", s.cfg.Provider.URL)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("trigger server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("trigger server: %w", err)
	}
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("trigger server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("events emitter close error", "error", err)
	}

	s.prov.Close()

	if err := s.redis.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}

	if err := s.tracingShutdown(shutdownCtx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
