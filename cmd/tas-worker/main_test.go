package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/backend"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func startWorker(t *testing.T, cfg Config) (*backend.Remote, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, logging.Noop(), lis) }()

	conn, err := backend.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		cancel()
		t.Fatalf("Dial: %v", err)
	}
	stop := func() {
		conn.Close()
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("worker returned error: %v", err)
		}
	}
	return backend.NewRemote(conn), stop
}

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker tests use /bin/sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "sim.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func request(dir string) backend.Request {
	st := &model.InstrumentState{
		Instrument:  "PUMA",
		Mono:        &model.Crystal{Name: "PG[002]", DSpacing: 3.355},
		Ana:         &model.Crystal{Name: "PG[002]", DSpacing: 3.355},
		Mode:        model.KfFixed,
		FixedEnergy: 14.7,
	}
	return backend.Request{Config: backend.NewConfig(st, 0), Neutrons: 500, OutputDir: dir}
}

func TestWorkerRunsPointsForRemoteClients(t *testing.T) {
	sh := script(t, `#!/bin/sh
printf '{"success":true,"counts":%s}' "$TAS_NEUTRONS" > "$TAS_OUTPUT_DIR/result.json"
`)
	remote, stop := startWorker(t, Config{Command: "sh " + sh})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dir := filepath.Join(t.TempDir(), "point_0")
	res, err := remote.Run(ctx, request(dir))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Counts != 500 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, backend.ConfigFileName)); err != nil {
		t.Fatalf("config not written on the worker: %v", err)
	}
}

func TestWorkerConfinesOutputToRoot(t *testing.T) {
	sh := script(t, "#!/bin/sh\nexit 0\n")
	root := t.TempDir()
	remote, stop := startWorker(t, Config{Command: "sh " + sh, Root: root})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := remote.Run(ctx, request(t.TempDir())); err == nil {
		t.Fatal("expected an error for an output dir outside the root")
	}
}

func TestRunRequiresCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer lis.Close()
	if err := run(context.Background(), Config{}, logging.Noop(), lis); !errors.Is(err, backend.ErrNoCommand) {
		t.Fatalf("err = %v, want ErrNoCommand", err)
	}
}
