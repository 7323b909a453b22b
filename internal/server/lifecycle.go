// Package server drives the startup sequence and the graceful teardown of the
// process. Startup is a strict chain of gates: configuration, document store,
// gateway, broker, listener. A failed gate stops the sequence; nothing later
// in the chain is started.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mverbeek/pushgate/internal/broker"
	"github.com/mverbeek/pushgate/internal/gateway"
	"github.com/mverbeek/pushgate/internal/httpmw"
	"github.com/mverbeek/pushgate/internal/jsoncodec"
	"github.com/mverbeek/pushgate/internal/logging"
	"github.com/mverbeek/pushgate/internal/metrics"
	"github.com/mverbeek/pushgate/internal/settings"
	"github.com/mverbeek/pushgate/internal/store"
	"github.com/mverbeek/pushgate/transport"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 15 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Option tweaks lifecycle construction, mostly for tests and for the route
// registrations main contributes.
type Option func(*Lifecycle)

// WithStore injects a pre-built store; the lifecycle then skips Open but still
// runs the readiness gate.
func WithStore(s *store.Store) Option {
	return func(l *Lifecycle) { l.store = s }
}

// WithRoutes registers extra routes on the pipeline before the listener opens.
func WithRoutes(register func(p *httpmw.Pipeline)) Option {
	return func(l *Lifecycle) { l.routes = append(l.routes, register) }
}

// Lifecycle owns every long-lived component and the order they start and stop
// in.
type Lifecycle struct {
	cfg *settings.Settings
	log *slog.Logger

	store   *store.Store
	gateway *gateway.Gateway
	adapter *broker.Adapter
	routes  []func(p *httpmw.Pipeline)

	phase atomic.Int32
	addr  atomic.Value // string, set once Serve has a bound listener
}

func New(cfg *settings.Settings, log *slog.Logger, opts ...Option) *Lifecycle {
	l := &Lifecycle{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Phase reports the most recently passed startup gate.
func (l *Lifecycle) Phase() Phase { return Phase(l.phase.Load()) }

// Addr returns the bound listen address, empty until the listening phase.
func (l *Lifecycle) Addr() string {
	if v := l.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (l *Lifecycle) advance(p Phase) {
	l.phase.Store(int32(p))
	l.log.Info("startup gate passed", "phase", p.String())
}

// Run walks the startup gates, serves until ctx is cancelled or the listener
// fails, then tears everything down in reverse order. It blocks for the whole
// process lifetime.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.cfg.Validate(); err != nil {
		return fmt.Errorf("lifecycle: configuration rejected: %w", err)
	}
	l.advance(PhaseConfigValidated)

	if l.store == nil {
		s, err := store.Open(l.cfg.DatabaseURL, l.log)
		if err != nil {
			return err
		}
		l.store = s
	}
	if err := l.store.WaitReady(ctx); err != nil {
		return err
	}
	l.advance(PhaseDatabaseReady)

	l.gateway = gateway.New(l.cfg, l.log)
	go l.gateway.Run()
	l.advance(PhaseGatewayBuilt)

	if err := l.attachBroker(ctx); err != nil {
		_ = l.gateway.Shutdown(shutdownTimeout)
		_ = l.store.Close()
		return err
	}
	l.advance(PhaseBrokerAttached)

	return l.serve(ctx)
}

func (l *Lifecycle) attachBroker(ctx context.Context) error {
	attachCtx, cancel := context.WithTimeout(ctx, l.cfg.BrokerAttachTimeout)
	defer cancel()

	tr, err := transport.Build(attachCtx, l.cfg, logging.Watermill(l.log))
	if err != nil {
		return fmt.Errorf("lifecycle: building %s transport: %w", l.cfg.BrokerSystem, err)
	}

	l.adapter = broker.New(tr, l.log)
	if err := l.adapter.Attach(attachCtx, l.gateway); err != nil {
		_ = tr.Close()
		return err
	}
	l.gateway.SetBroadcaster(l.adapter)
	return nil
}

func (l *Lifecycle) serve(ctx context.Context) error {
	pipeline := httpmw.New(l.cfg, l.log)
	pipeline.Handle(http.MethodGet, "/healthz", l.handleHealthz)
	pipeline.HandleHTTP(http.MethodGet, "/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := l.gateway.Accept(w, r); err != nil {
			l.log.Debug("push-channel accept failed", "addr", r.RemoteAddr, "err", err)
		}
	}))
	for _, register := range l.routes {
		register(pipeline)
	}

	srv := &http.Server{
		Handler:      pipeline.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		l.teardown(nil)
		return fmt.Errorf("lifecycle: binding port %d: %w", l.cfg.Port, err)
	}
	l.addr.Store(listener.Addr().String())

	metricsSrv := l.startMetrics()

	l.advance(PhaseListening)
	l.log.Info("serving", "addr", listener.Addr().String(), "env", l.cfg.Env)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		l.log.Info("shutdown requested")
		l.teardown(srv)
		l.stopMetrics(metricsSrv)
		return nil
	case err := <-serveErr:
		l.teardown(nil)
		l.stopMetrics(metricsSrv)
		return fmt.Errorf("lifecycle: listener failed: %w", err)
	}
}

func (l *Lifecycle) handleHealthz(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	return jsoncodec.Encode(w, struct {
		Status      string `json:"status"`
		Phase       string `json:"phase"`
		Connections int    `json:"connections"`
	}{
		Status:      "ok",
		Phase:       l.Phase().String(),
		Connections: l.gateway.Len(),
	})
}

// startMetrics opens the separate metrics listener when configured.
func (l *Lifecycle) startMetrics() *http.Server {
	if l.cfg.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", l.cfg.MetricsPort),
		Handler:     mux,
		ReadTimeout: readTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("metrics listener failed", "err", err)
		}
	}()
	return srv
}

func (l *Lifecycle) stopMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// teardown stops components in reverse start order: the listener first so no
// new work arrives, then the broker links, the gateway, and finally the store.
func (l *Lifecycle) teardown(srv *http.Server) {
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	if l.adapter != nil {
		if err := l.adapter.Close(); err != nil {
			l.log.Warn("broker close failed", "err", err)
		}
	}
	if l.gateway != nil {
		_ = l.gateway.Shutdown(shutdownTimeout)
	}
	if l.store != nil {
		if err := l.store.Close(); err != nil {
			l.log.Warn("store close failed", "err", err)
		}
	}
	l.log.Info("teardown complete")
}
