// Command tas-server serves the scan service over gRPC with a Prometheus
// metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/signalsfoundry/tas-simulator/internal/backend"
	"github.com/signalsfoundry/tas-simulator/internal/estimator"
	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/internal/instrument"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/internal/observability"
	"github.com/signalsfoundry/tas-simulator/internal/rpc"
	"github.com/signalsfoundry/tas-simulator/internal/session"
	"github.com/signalsfoundry/tas-simulator/scan"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds the server settings.
type Config struct {
	ListenAddress  string
	MetricsAddress string

	EnableTLS   bool
	TLSCertPath string
	TLSKeyPath  string

	LogLevel  string
	LogFormat string

	Instrument     string
	DefinitionsDir string
	OutputRoot     string
	HistoryPath    string
	DeferThreshold int

	BackendCommand string
	WorkerAddress  string
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the gRPC server listens on")
	flag.StringVar(&cfg.MetricsAddress, "metrics-addr", ":9090", "HTTP address for Prometheus /metrics (empty disables)")
	flag.BoolVar(&cfg.EnableTLS, "tls", false, "serve gRPC over TLS")
	flag.StringVar(&cfg.TLSCertPath, "tls-cert", "", "TLS certificate file")
	flag.StringVar(&cfg.TLSKeyPath, "tls-key", "", "TLS key file")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	flag.StringVar(&cfg.Instrument, "instrument", "PUMA", "instrument definition to serve")
	flag.StringVar(&cfg.DefinitionsDir, "definitions", "", "directory of extra instrument definitions")
	flag.StringVar(&cfg.OutputRoot, "output-root", "scans", "directory batch outputs are written under")
	flag.StringVar(&cfg.HistoryPath, "history", estimator.PathFromEnv(), "runtime history file")
	flag.IntVar(&cfg.DeferThreshold, "defer-threshold", scan.DefaultDeferThreshold, "grid size above which validation happens while running")
	flag.StringVar(&cfg.BackendCommand, "backend-cmd", "", "simulation command run once per point")
	flag.StringVar(&cfg.WorkerAddress, "worker-addr", "", "host:port of a tas-worker to dispatch points to")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "server failed", logging.Err(err))
		os.Exit(1)
	}
}

// run serves on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	tracing, err := observability.TracingConfigFromEnv("tas-server")
	if err != nil {
		return err
	}
	tracing.Instrument = cfg.Instrument
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return err
	}
	scanMetrics, err := observability.NewScanCollector(reg)
	if err != nil {
		return err
	}

	catalog := instrument.NewCatalog()
	if cfg.DefinitionsDir != "" {
		if _, err := catalog.LoadDir(ctx, cfg.DefinitionsDir, log); err != nil {
			return err
		}
	}
	def, err := catalog.Get(cfg.Instrument)
	if err != nil {
		return err
	}

	history := estimator.Open(ctx, cfg.HistoryPath, estimator.WithLogger(log))
	b, closeBackend, err := backend.Open(backend.Spec{Command: cfg.BackendCommand, Addr: cfg.WorkerAddress, Log: log})
	if err != nil && !errors.Is(err, backend.ErrNoBackend) {
		return err
	}
	defer closeBackend()

	var ctl *executor.Controller
	if b != nil {
		ctl = executor.New(b,
			executor.WithEstimator(history),
			executor.WithMetrics(scanMetrics),
			executor.WithLogger(log),
		)
	} else {
		log.Warn(ctx, "no simulation backend configured; scans can be planned but not run")
	}
	sess, err := session.New(def, ctl,
		session.WithEstimator(history),
		session.WithDeferThreshold(cfg.DeferThreshold),
		session.WithLogger(log),
	)
	if err != nil {
		return err
	}
	svc, err := rpc.NewServer(rpc.Config{
		Session:    sess,
		Controller: ctl,
		History:    history,
		Catalog:    catalog,
		OutputRoot: cfg.OutputRoot,
		Metrics:    rpcMetrics,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	opts := rpc.ServerOptions(log, rpcMetrics)
	if cfg.EnableTLS {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	server := grpc.NewServer(opts...)
	rpc.Register(server, svc)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(server, healthSrv)
	healthSrv.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	metricsSrv := serveMetrics(cfg.MetricsAddress, rpcMetrics, log)

	log.Info(ctx, "starting scan server",
		logging.String("addr", lis.Addr().String()),
		logging.String("instrument", def.Name),
		logging.Bool("tls", cfg.EnableTLS),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server exited: %w", err)
		}
	}

	log.Info(context.Background(), "shutting down scan server")
	healthSrv.Shutdown()
	if ctl != nil {
		if r := ctl.Current(); r != nil {
			r.Cancel()
		}
	}
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		server.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func serveMetrics(addr string, collector *observability.RPCCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
