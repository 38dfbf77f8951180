// Command tas-worker runs simulation points on behalf of a remote scan
// controller. Each request is executed by the configured command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/backend"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/internal/observability"
	"github.com/signalsfoundry/tas-simulator/internal/rpc"
	"google.golang.org/grpc"
)

// Config holds the worker settings.
type Config struct {
	ListenAddress string
	Command       string
	// Root, when set, confines point output directories below it.
	Root      string
	LogLevel  string
	LogFormat string
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ListenAddress, "addr", ":50061", "TCP address the worker listens on")
	flag.StringVar(&cfg.Command, "command", "", "simulation command run once per point")
	flag.StringVar(&cfg.Root, "root", "", "directory point outputs must live under (empty allows any)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
	flag.Parse()

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "worker failed", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	fields := strings.Fields(cfg.Command)
	if len(fields) == 0 {
		return backend.ErrNoCommand
	}
	tracing, err := observability.TracingConfigFromEnv("tas-worker")
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	var b backend.Backend = &backend.Process{Command: fields[0], Args: fields[1:], Log: log}
	if cfg.Root != "" {
		b = confined{root: cfg.Root, next: b}
	}

	server := grpc.NewServer(rpc.ServerOptions(log, nil)...)
	backend.RegisterServer(server, b, log)

	log.Info(ctx, "starting simulation worker",
		logging.String("addr", lis.Addr().String()),
		logging.String("command", fields[0]),
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
	return nil
}

// confined rejects output directories outside root.
type confined struct {
	root string
	next backend.Backend
}

func (c confined) Run(ctx context.Context, req backend.Request) (backend.Result, error) {
	if !backend.WithinRoot(c.root, req.OutputDir) {
		return backend.Result{}, fmt.Errorf("output dir %q is outside %q", req.OutputDir, c.root)
	}
	return c.next.Run(ctx, req)
}
