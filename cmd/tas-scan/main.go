// Command tas-scan plans and runs a triple-axis scan from the command line,
// either in process against a simulation backend or against a tas-server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/backend"
	"github.com/signalsfoundry/tas-simulator/internal/estimator"
	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/internal/instrument"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/internal/observability"
	"github.com/signalsfoundry/tas-simulator/internal/rpc"
	"github.com/signalsfoundry/tas-simulator/internal/session"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

type options struct {
	scan1, scan2   string
	rel1, rel2     bool
	neutrons       int64
	allowConflicts bool
	dryRun         bool

	instrument  string
	definitions string
	mono, ana   string
	mode        string
	fixedEnergy float64
	alignHash   string

	output     string
	history    string
	backendCmd string
	workerAddr string
	server     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("tas-scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.scan1, "scan1", "", `first scan command, e.g. "qx 1 2 0.1"`)
	fs.StringVar(&o.scan2, "scan2", "", "optional second scan command for a 2-D grid")
	fs.BoolVar(&o.rel1, "rel1", false, "treat scan1 as offsets from the current value")
	fs.BoolVar(&o.rel2, "rel2", false, "treat scan2 as offsets from the current value")
	fs.Int64Var(&o.neutrons, "neutrons", 1_000_000, "neutron count per point")
	fs.BoolVar(&o.allowConflicts, "allow-conflicts", false, "run even when the two scans fight over a degree of freedom")
	fs.BoolVar(&o.dryRun, "dry-run", false, "plan and estimate without running")
	fs.StringVar(&o.instrument, "instrument", "PUMA", "instrument definition name")
	fs.StringVar(&o.definitions, "definitions", "", "directory of extra instrument definitions (.json, .yaml)")
	fs.StringVar(&o.mono, "mono", "", "monochromator crystal (default: the instrument's first)")
	fs.StringVar(&o.ana, "ana", "", "analyzer crystal (default: the instrument's first)")
	fs.StringVar(&o.mode, "mode", "", `fixed-energy mode, "ki" or "kf"`)
	fs.Float64Var(&o.fixedEnergy, "fixed-energy", 0, "fixed energy in meV")
	fs.StringVar(&o.alignHash, "align-hash", "", "load a sample misalignment exercise")
	fs.StringVar(&o.output, "output", "", "batch output directory (default: scans/<timestamp>)")
	fs.StringVar(&o.history, "history", estimator.PathFromEnv(), "runtime history file")
	fs.StringVar(&o.backendCmd, "backend-cmd", "", "simulation command run once per point")
	fs.StringVar(&o.workerAddr, "worker-addr", "", "host:port of a tas-worker to dispatch points to")
	fs.StringVar(&o.server, "server", "", "host:port of a tas-server; plan and run there instead of in process")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.scan1 == "" && o.scan2 == "" {
		return o, errors.New("-scan1 is required")
	}
	if o.neutrons <= 0 {
		return o, errors.New("-neutrons must be positive")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, "tas-scan:", err)
		}
		return exitUsage
	}
	log := logging.NewFromEnv()

	tracing, err := observability.TracingConfigFromEnv("tas-scan")
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitUsage
	}
	tracing.Instrument = o.instrument
	tracing.Output = stderr
	shutdown, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitFailed
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	if o.server != "" {
		return runRemote(ctx, o, stdout, stderr)
	}
	return runLocal(ctx, o, log, stdout, stderr)
}

func runLocal(ctx context.Context, o options, log logging.Logger, stdout, stderr io.Writer) int {
	catalog := instrument.NewCatalog()
	if o.definitions != "" {
		if _, err := catalog.LoadDir(ctx, o.definitions, log); err != nil {
			fmt.Fprintln(stderr, "tas-scan:", err)
			return exitFailed
		}
	}
	def, err := catalog.Get(o.instrument)
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitUsage
	}

	history := estimator.Open(ctx, o.history, estimator.WithLogger(log))
	var (
		b       backend.Backend
		closeFn = func() error { return nil }
	)
	if !o.dryRun {
		b, closeFn, err = backend.Open(backend.Spec{Command: o.backendCmd, Addr: o.workerAddr, Log: log})
		if err != nil {
			fmt.Fprintln(stderr, "tas-scan:", err, "(use -backend-cmd, -worker-addr or -dry-run)")
			return exitUsage
		}
	}
	defer closeFn()

	var ctl *executor.Controller
	if b != nil {
		ctl = executor.New(b, executor.WithEstimator(history), executor.WithLogger(log))
	}
	sess, err := session.New(def, ctl, session.WithEstimator(history), session.WithLogger(log))
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitFailed
	}
	if err := configure(ctx, sess, o); err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitUsage
	}

	plan, err := sess.Plan(ctx, session.Request{
		Scan1:          o.scan1,
		Scan2:          o.scan2,
		Relative:       scan.Relative{First: o.rel1, Second: o.rel2},
		Neutrons:       o.neutrons,
		AllowConflicts: o.allowConflicts,
	})
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitUsage
	}
	printPlan(stdout, plan)
	if o.dryRun {
		return exitOK
	}

	dir := o.output
	if dir == "" {
		dir = filepath.Join("scans", time.Now().Format("20060102_150405"))
	}
	r, err := sess.Run(ctx, plan, dir)
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitFailed
	}
	fmt.Fprintf(stdout, "scan %s writing to %s\n", r.ID(), dir)

	go func() {
		select {
		case <-ctx.Done():
			r.Cancel()
		case <-r.Done():
		}
	}()

	var summary executor.Summary
	executor.Dispatch(r.Events(), printer(stdout, &summary))
	return exitCode(summary.State)
}

func configure(ctx context.Context, sess *session.Session, o options) error {
	var u session.Update
	if o.mono != "" {
		u.Mono = &o.mono
	}
	if o.ana != "" {
		u.Ana = &o.ana
	}
	if o.mode != "" {
		m, err := model.ParseFixedMode(o.mode)
		if err != nil {
			return err
		}
		u.Mode = &m
	}
	if o.fixedEnergy != 0 {
		u.FixedEnergy = &o.fixedEnergy
	}
	if err := sess.Configure(ctx, u); err != nil {
		return err
	}
	if o.alignHash != "" {
		return sess.LoadMisalignment(o.alignHash)
	}
	return nil
}

func printPlan(w io.Writer, plan *session.Plan) {
	if plan.Report.Deferred {
		fmt.Fprintf(w, "%d points (validated while running)\n", plan.Report.Total)
	} else {
		fmt.Fprintf(w, "%d points: %d valid, %d invalid\n", plan.Report.Total, plan.Report.Valid, plan.Report.Invalid)
	}
	if plan.Conflict != nil {
		fmt.Fprintf(w, "warning: %s\n", plan.Conflict.Message)
	}
	fmt.Fprintf(w, "estimated time: %s\n", estimator.FormatDuration(plan.Estimate, plan.EstimateKnown))
}

func printer(w io.Writer, summary *executor.Summary) executor.Callbacks {
	return executor.Callbacks{
		PointResult: func(index int, counts float64) {
			fmt.Fprintf(w, "  point %d: %.0f counts\n", index+1, counts)
		},
		PointResult2D: func(row, col int, counts float64) {
			fmt.Fprintf(w, "  point (%d, %d): %.0f counts\n", row, col, counts)
		},
		TimeUpdate: func(text string) {
			fmt.Fprintf(w, "  remaining: %s\n", text)
		},
		Message: func(text string) {
			fmt.Fprintln(w, text)
		},
		Complete: func(s executor.Summary) {
			*summary = s
			fmt.Fprintf(w, "%s in %s: %d succeeded, %d failed, %d skipped, max counts %.0f\n",
				s.State, s.Elapsed.Round(time.Second), s.Succeeded, s.Failed, s.Skipped, s.MaxCounts)
		},
	}
}

func exitCode(state executor.State) int {
	switch state {
	case executor.StateCompleted:
		return exitOK
	case executor.StateCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func runRemote(ctx context.Context, o options, stdout, stderr io.Writer) int {
	conn, err := rpc.Dial(o.server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitFailed
	}
	defer conn.Close()
	client := rpc.NewClient(conn)

	req := rpc.PlanRequest{
		Scan1:          o.scan1,
		Scan2:          o.scan2,
		Relative1:      o.rel1,
		Relative2:      o.rel2,
		Neutrons:       o.neutrons,
		AllowConflicts: o.allowConflicts,
		Name:           filepath.Base(o.output),
	}
	if o.output == "" {
		req.Name = ""
	}
	plan, err := client.PlanScan(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitUsage
	}
	fmt.Fprintf(stdout, "%d points: %d valid, %d invalid\n", plan.Cells, plan.Valid, plan.Invalid)
	if plan.Conflict != nil {
		fmt.Fprintf(stdout, "warning: %s\n", plan.Conflict.Message)
	}
	fmt.Fprintf(stdout, "estimated time: %s\n", plan.EstimateText)
	if o.dryRun {
		return exitOK
	}

	summary, err := client.RunScan(ctx, req, func(ev rpc.EventMessage) error {
		switch ev.Type {
		case "point":
			if ev.Success {
				fmt.Fprintf(stdout, "  point %d: %.0f counts\n", ev.Index+1, ev.Counts)
			}
		case "time":
			fmt.Fprintf(stdout, "  remaining: %s\n", ev.Text)
		case "message":
			fmt.Fprintln(stdout, ev.Text)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(stderr, "tas-scan:", err)
		return exitFailed
	}
	if summary == nil {
		return exitFailed
	}
	fmt.Fprintf(stdout, "%s: %d succeeded, %d failed, %d skipped\n", summary.State, summary.Succeeded, summary.Failed, summary.Skipped)
	switch summary.State {
	case executor.StateCompleted.String():
		return exitOK
	case executor.StateCancelled.String():
		return exitCancelled
	default:
		return exitFailed
	}
}
