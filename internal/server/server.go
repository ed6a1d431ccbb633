package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/auth"
	"github.com/sealroom/sealroom/internal/config"
	"github.com/sealroom/sealroom/internal/httpapi"
	"github.com/sealroom/sealroom/internal/invitation"
	"github.com/sealroom/sealroom/internal/registry"
	"github.com/sealroom/sealroom/internal/relay"
	"github.com/sealroom/sealroom/internal/session"
	"github.com/sealroom/sealroom/internal/storage"
)

const readinessTimeout = 2 * time.Second

// Pinger is implemented by dependencies that can report whether their backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a node is assembled from.
type Deps struct {
	Store     storage.Store
	Registry  *registry.Registry
	Deliverer relay.Deliverer
	Auth      auth.Authenticator
}

// NodeServer wires dependencies and hosts the API, realtime and admin listeners.
type NodeServer struct {
	cfg       config.Config
	log       *zap.Logger
	registry  *registry.Registry
	handler   http.Handler
	admin     http.Handler
	checks    map[string]Pinger
	apiHTTP   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// NewNodeServer constructs a server with its dependencies. Deps.Registry defaults to an empty
// registry and Deps.Deliverer to local delivery into it.
func NewNodeServer(cfg config.Config, logger *zap.Logger, deps Deps) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(logger)
	}
	if deps.Deliverer == nil {
		deps.Deliverer = relay.NewLocal(deps.Registry, logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := session.NewMetrics(reg)

	realtime := session.NewHandler(deps.Auth, deps.Store, deps.Registry, deps.Deliverer, logger, session.Options{
		SendBuffer:    cfg.Session.SendBuffer,
		WriteTimeout:  cfg.Session.WriteTimeout,
		PingInterval:  cfg.Session.PingInterval,
		MaxFrameBytes: cfg.Session.MaxFrameBytes,
		Metrics:       metrics,
	})
	svc := invitation.NewService(deps.Store, logger)

	s := &NodeServer{
		cfg:      cfg,
		log:      logger,
		registry: deps.Registry,
		handler:  httpapi.NewRouter(svc, deps.Auth, realtime, logger),
		checks:   make(map[string]Pinger),
	}
	if p, ok := deps.Store.(Pinger); ok {
		s.checks["database"] = p
	}
	if p, ok := deps.Deliverer.(Pinger); ok {
		s.checks["relay"] = p
	}
	s.admin = s.adminMux(reg)
	return s
}

// Handler serves the key-exchange API and the realtime endpoint.
func (s *NodeServer) Handler() http.Handler { return s.handler }

// AdminHandler serves metrics, health, readiness and the presence dump.
func (s *NodeServer) AdminHandler() http.Handler { return s.admin }

// Start listens on the configured address and blocks until ctx is done and the server has shut
// down.
func (s *NodeServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.HTTPAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.HTTPAddress, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the API server on lis until ctx is done.
func (s *NodeServer) Serve(ctx context.Context, lis net.Listener) error {
	s.startAdminServer()

	s.apiHTTP = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("http server listening", zap.String("address", lis.Addr().String()))
	s.ready.Store(true)
	err := s.apiHTTP.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.ready.Store(false)
		return fmt.Errorf("serve http: %w", err)
	}
	<-stopped
	return nil
}

func (s *NodeServer) adminMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not_ready"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		for name, p := range s.checks {
			if err := p.Ping(ctx); err != nil {
				s.log.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not_ready: " + name))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/connections", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.registry.Snapshot())
	})
	return mux
}

func (s *NodeServer) startAdminServer() {
	if s.cfg.Admin.Address == "" {
		return
	}

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           s.admin,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown stops accepting requests, closes every realtime connection and waits for both
// within ctx.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.apiHTTP != nil {
		// hijacked websocket connections are not tracked by http.Server; the registry closes them
		if err := s.apiHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server shutdown", zap.Error(err))
		}
	}
	if err := s.registry.Close(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; connections left open", zap.Error(err))
	} else {
		s.log.Info("realtime connections closed")
	}
	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
}
