// Command ci-sessiond runs the EN 50221 Common Interface Session Layer as a
// standalone daemon: a Session Table and Protocol Engine fronted by a
// Prometheus metrics endpoint and a read-only session status endpoint.
//
// The daemon uses an in-memory loopback Transport in place of a real
// Link Layer/Transport Layer connection, so it is useful for local
// development, interop smoke-testing of cislctl, and as a template for
// wiring the Session Layer to an actual CI Transport Layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/go-dvbci/ci-sessionlayer/internal/config"
	"github.com/go-dvbci/ci-sessionlayer/internal/metrics"
	"github.com/go-dvbci/ci-sessionlayer/internal/session"
	"github.com/go-dvbci/ci-sessionlayer/internal/statusapi"
	"github.com/go-dvbci/ci-sessionlayer/internal/transport"
	appversion "github.com/go-dvbci/ci-sessionlayer/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger := newLogger(cfg.Log)
	logger.Info("ci-sessiond starting",
		slog.String("version", appversion.Version),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("status_addr", cfg.Status.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	layer, err := newSessionLayer(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to create session layer", slog.String("error", err.Error()))
		return 1
	}
	defer layer.Close()

	if err := runServers(cfg, layer, reg, logger); err != nil {
		logger.Error("ci-sessiond exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("ci-sessiond stopped")
	return 0
}

// newSessionLayer wires a SessionLayer over a loopback Transport. The
// lookup function admits every resource ID (there is no host application
// behind this standalone daemon to refuse on its behalf), and the
// lifecycle callback only logs.
func newSessionLayer(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (*session.SessionLayer, error) {
	loop := transport.NewLoopback(transport.SinkFunc(func(uint8, uint8, []byte) {}))

	lookup := func(_ uint8, resourceID uint32) (session.LookupResult, session.ResourceHandlerFunc) {
		return session.LookupOK, func(slotID uint8, sessionNumber uint16, resourceID uint32, payload []byte) {
			logger.Debug("session data received",
				slog.Int("slot_id", int(slotID)),
				slog.Int("session_number", int(sessionNumber)),
				slog.String("resource_id", fmt.Sprintf("0x%08X", resourceID)),
				slog.Int("bytes", len(payload)),
			)
		}
	}

	lifecycle := func(slotID uint8, sessionNumber uint16, resourceID uint32, reason session.LifecycleReason) int {
		logger.Info("session lifecycle event",
			slog.Int("slot_id", int(slotID)),
			slog.Int("session_number", int(sessionNumber)),
			slog.String("resource_id", fmt.Sprintf("0x%08X", resourceID)),
			slog.String("reason", reason.String()),
		)
		return 0
	}

	layer, err := session.NewSessionLayer(cfg.Session.MaxSessions, loop, lookup, lifecycle,
		session.WithLogger(logger),
		session.WithMetrics(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("new session layer: %w", err)
	}
	return layer, nil
}

// runServers sets up and runs the metrics and status HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(cfg *config.Config, layer *session.SessionLayer, reg *prometheus.Registry, logger *slog.Logger) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	statusSrv := newStatusServer(cfg.Status, layer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		logger.Info("status server listening", slog.String("addr", cfg.Status.Addr))
		return listenAndServe(gCtx, &lc, statusSrv, cfg.Status.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv, statusSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// listenAndServe creates a TCP listener using the ListenConfig (for noctx
// compliance) and serves HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newStatusServer creates an HTTP server for the read-only session status
// endpoint. Wrapped with h2c so clients may speak HTTP/2 over plaintext as
// well as HTTP/1.1; cislctl uses HTTP/1.1.
func newStatusServer(cfg config.StatusConfig, layer *session.SessionLayer) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(statusapi.Handler(layer), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// gracefulShutdown shuts down every HTTP server within shutdownTimeout.
// It does not touch the Session Table: run's deferred layer.Close aborts
// the remaining sessions afterwards without emitting any SPDUs.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// newLogger creates a structured logger per the configured level and format.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
