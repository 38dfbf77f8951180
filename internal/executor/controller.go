// Package executor runs scan grids against a simulation backend: one batch
// at a time, one point at a time, with cooperative cancellation and live
// progress reported over an event channel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/tas-simulator/internal/backend"
	"github.com/signalsfoundry/tas-simulator/internal/estimator"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
	"github.com/signalsfoundry/tas-simulator/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/tas-simulator/internal/executor"

// eventBuffer bounds how far the worker may run ahead of its consumer.
const eventBuffer = 256

var (
	// ErrBusy is returned by Start while another batch is running.
	ErrBusy = errors.New("a scan is already running")
	// ErrInvalidJob is returned by Start for a job that cannot run.
	ErrInvalidJob = errors.New("invalid scan job")
)

// Estimator is the part of the runtime history the controller uses.
type Estimator interface {
	Estimate(instrument string, neutrons int64) (estimator.Estimate, bool)
	AddRecord(ctx context.Context, rec model.RuntimeRecord) error
}

// Metrics receives batch and point outcomes.
type Metrics interface {
	BatchStarted()
	BatchFinished(state string, elapsed time.Duration)
	PointFinished(outcome string, elapsed time.Duration)
}

// Job is one batch: the cells to run in order, the instrument state they
// start from and the neutron count per point.
type Job struct {
	Cells []scan.Cell
	Is2D  bool
	State *model.InstrumentState

	Neutrons int64
	// OutputDir is the batch directory. Each point gets a subdirectory
	// named after its coordinates. Empty means no directories are made.
	OutputDir string
	// Limits bound the derived bending radii. Nil means the default limits.
	Limits *kinematics.FocusLimits
	// Deferred marks cells that were never validated before the run, so
	// some may still be skipped and time estimates are upper bounds.
	Deferred bool
}

// Controller runs at most one Job at a time.
type Controller struct {
	backend backend.Backend
	clock   timectrl.Clock
	log     logging.Logger
	history Estimator
	metrics Metrics
	tracer  trace.Tracer

	slot chan struct{}

	mu      sync.Mutex
	current *Run
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for timing.
func WithClock(c timectrl.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithLogger sets the controller logger.
func WithLogger(l logging.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.log = l
		}
	}
}

// WithEstimator attaches the runtime history used for estimates and
// updated after completed runs.
func WithEstimator(e Estimator) Option {
	return func(ctl *Controller) { ctl.history = e }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// New constructs a Controller dispatching to b.
func New(b backend.Backend, opts ...Option) *Controller {
	c := &Controller{
		backend: b,
		clock:   timectrl.System{},
		log:     logging.Noop(),
		tracer:  otel.Tracer(tracerName),
		slot:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run is the handle of a started batch.
type Run struct {
	id     string
	events chan Event
	cancel chan struct{}
	once   sync.Once
	done   chan struct{}

	summary Summary
}

// ID returns the batch identifier.
func (r *Run) ID() string { return r.id }

// Events returns the event channel. It is closed after the DoneEvent and
// must be drained, for example with Dispatch, or the worker stalls.
func (r *Run) Events() <-chan Event { return r.events }

// Cancel asks the worker to stop before the next point. A backend call in
// flight runs to completion.
func (r *Run) Cancel() {
	r.once.Do(func() { close(r.cancel) })
}

// Done is closed when the worker has exited.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the worker exits and returns its summary.
func (r *Run) Wait() Summary {
	<-r.done
	return r.summary
}

// Current returns the running batch, or nil.
func (c *Controller) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start validates job and launches its worker. The job's instrument state
// is cloned; the caller keeps ownership of the original. Cancelling ctx
// stops the batch the same way Run.Cancel does.
func (c *Controller) Start(ctx context.Context, job Job) (*Run, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}
	if c.backend == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrInvalidJob)
	}
	select {
	case c.slot <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	run := &Run{
		id:     uuid.NewString(),
		events: make(chan Event, eventBuffer),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	job.State = job.State.Clone()
	job.Cells = append([]scan.Cell(nil), job.Cells...)

	c.mu.Lock()
	c.current = run
	c.mu.Unlock()

	go c.work(ctx, run, job)
	return run, nil
}

func validateJob(job Job) error {
	switch {
	case job.State == nil:
		return fmt.Errorf("%w: instrument state is required", ErrInvalidJob)
	case job.Neutrons <= 0:
		return fmt.Errorf("%w: neutron count must be positive", ErrInvalidJob)
	case len(job.Cells) == 0:
		return fmt.Errorf("%w: no points to run", ErrInvalidJob)
	}
	return nil
}

// batch is the worker-owned state of one run.
type batch struct {
	job     Job
	run     *Run
	limits  kinematics.FocusLimits
	folders map[string]int

	start      time.Time
	pointTimes []time.Duration
	sum        Summary
	seenCounts bool
}

func (c *Controller) work(ctx context.Context, run *Run, job Job) {
	ctx = logging.ContextWithScanID(ctx, run.id)
	log := logging.FromContext(ctx, c.log)

	b := &batch{
		job:     job,
		run:     run,
		limits:  kinematics.DefaultFocusLimits(),
		folders: make(map[string]int),
		start:   c.clock.Now(),
		sum:     Summary{ID: run.id, State: StateRunning, Total: len(job.Cells)},
	}
	if job.Limits != nil {
		b.limits = *job.Limits
	}

	ctx, span := c.tracer.Start(ctx, "scan.batch", trace.WithAttributes(
		attribute.String("scan.id", run.id),
		attribute.String("instrument", job.State.Instrument),
		attribute.Int("scan.points", len(job.Cells)),
		attribute.Int64("scan.neutrons", job.Neutrons),
	))
	if c.metrics != nil {
		c.metrics.BatchStarted()
	}
	log.Info(ctx, "scan started",
		logging.String("instrument", job.State.Instrument),
		logging.Int("points", len(job.Cells)),
		logging.Int64("neutrons", job.Neutrons),
	)

	defer func() {
		b.sum.Elapsed = c.clock.Since(b.start)
		if c.metrics != nil {
			c.metrics.BatchFinished(b.sum.State.String(), b.sum.Elapsed)
		}
		if b.sum.Err != nil {
			span.RecordError(b.sum.Err)
			span.SetStatus(codes.Error, b.sum.Err.Error())
		}
		span.SetAttributes(
			attribute.String("scan.state", b.sum.State.String()),
			attribute.Int("scan.dispatched", b.sum.Dispatched),
			attribute.Int("scan.failed", b.sum.Failed),
		)
		span.End()

		log.Info(ctx, "scan finished",
			logging.String("state", b.sum.State.String()),
			logging.Int("dispatched", b.sum.Dispatched),
			logging.Int("failed", b.sum.Failed),
			logging.Int("skipped", b.sum.Skipped),
			logging.Duration("elapsed", b.sum.Elapsed),
		)

		run.summary = b.sum
		run.events <- DoneEvent{Summary: b.sum}
		close(run.events)

		c.mu.Lock()
		if c.current == run {
			c.current = nil
		}
		c.mu.Unlock()
		<-c.slot
		close(run.done)
	}()

	if job.OutputDir != "" {
		if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
			b.sum.State = StateFailed
			b.sum.Err = fmt.Errorf("create output dir: %w", err)
			run.events <- MessageEvent{Text: "Scan failed: " + b.sum.Err.Error()}
			return
		}
	}

	c.emitInitialEstimate(b)

	for i := range job.Cells {
		if c.cancelled(ctx, run) {
			b.sum.State = StateCancelled
			run.events <- MessageEvent{Text: "Scan stopped by user"}
			return
		}
		c.runPoint(ctx, log, b, i)
	}

	b.sum.State = StateCompleted
	c.writeRecord(ctx, log, b)
	run.events <- MessageEvent{Text: fmt.Sprintf("Scan completed: %d of %d points succeeded, %d failed, %d skipped",
		b.sum.Succeeded, b.sum.Total, b.sum.Failed, b.sum.Skipped)}
}

func (c *Controller) cancelled(ctx context.Context, run *Run) bool {
	select {
	case <-run.cancel:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// runPoint processes cell i: resolve it, apply it to the instrument, call
// the backend and report the outcome.
func (c *Controller) runPoint(ctx context.Context, log logging.Logger, b *batch, i int) {
	cell := b.job.Cells[i]
	st := b.job.State
	total := len(b.job.Cells)

	res := scan.Resolve(cell.Point, st)
	if !res.Feasible() {
		b.sum.Skipped++
		if c.metrics != nil {
			c.metrics.PointFinished("skipped", 0)
		}
		log.Debug(ctx, "skipping infeasible point", logging.Int("index", cell.Index), logging.String("flags", res.Flags.String()))
		b.run.events <- ProgressEvent{Current: i + 1, Total: total}
		b.run.events <- PointResult{Index: cell.Index, Row: cell.Row, Col: cell.Col, Is2D: b.job.Is2D, Skipped: true, Flags: res.Flags}
		b.run.events <- MessageEvent{Text: fmt.Sprintf("Point %d/%d skipped: %s", i+1, total, res.Flags)}
		return
	}

	c.apply(ctx, log, b, cell.Point, res)
	folder := b.uniqueFolder(scan.FolderName(cell.Point, res, st.Bending))
	outDir := ""
	if b.job.OutputDir != "" {
		outDir = filepath.Join(b.job.OutputDir, folder)
	}

	req := backend.Request{
		Config:       backend.NewConfig(st, res.DeltaE),
		Neutrons:     b.job.Neutrons,
		OutputDir:    outDir,
		FirstCompile: b.sum.Dispatched == 0,
	}

	pctx, span := c.tracer.Start(ctx, "scan.point", trace.WithAttributes(
		attribute.Int("scan.index", cell.Index),
		attribute.String("scan.folder", folder),
		attribute.Bool("scan.first_compile", req.FirstCompile),
	))
	log.Debug(pctx, "dispatching point",
		logging.Int("index", cell.Index),
		logging.String("folder", folder),
		logging.Bool("first_compile", req.FirstCompile),
	)

	t0 := c.clock.Now()
	result, err := c.backend.Run(context.WithoutCancel(pctx), req)
	elapsed := c.clock.Since(t0)

	b.sum.Dispatched++
	b.pointTimes = append(b.pointTimes, elapsed)

	pr := PointResult{
		Index:   cell.Index,
		Row:     cell.Row,
		Col:     cell.Col,
		Is2D:    b.job.Is2D,
		Folder:  folder,
		Elapsed: elapsed,
	}
	outcome := "success"
	switch {
	case err != nil:
		pr.Error = err.Error()
	case !result.Success:
		pr.Error = result.Error
		if pr.Error == "" {
			pr.Error = "backend reported failure"
		}
	default:
		pr.Success = true
		pr.Counts = result.Counts
	}
	if pr.Success {
		b.sum.Succeeded++
		b.sum.TotalCounts += pr.Counts
		if !b.seenCounts || pr.Counts > b.sum.MaxCounts {
			b.sum.MaxCounts = pr.Counts
		}
		b.seenCounts = true
	} else {
		outcome = "failure"
		b.sum.Failed++
		span.SetStatus(codes.Error, pr.Error)
		log.Warn(pctx, "backend run failed",
			logging.Int("index", cell.Index),
			logging.String("folder", folder),
			logging.String("error", pr.Error),
		)
	}
	span.End()
	if c.metrics != nil {
		c.metrics.PointFinished(outcome, elapsed)
	}

	b.run.events <- ProgressEvent{Current: i + 1, Total: total}
	b.run.events <- CountsEvent{Max: b.sum.MaxCounts, Total: b.sum.TotalCounts}
	b.run.events <- pr
	b.run.events <- c.remaining(b, total-(i+1))
	if pr.Success {
		b.run.events <- MessageEvent{Text: fmt.Sprintf("Point %d/%d done: %s counts=%g", i+1, total, folder, pr.Counts)}
	} else {
		b.run.events <- MessageEvent{Text: fmt.Sprintf("Point %d/%d failed: %s", i+1, total, pr.Error)}
	}
}

// apply moves the worker's instrument state to the resolved point: angles
// first, then the settings the point overrides, then derived bending radii
// for every radius the point leaves alone.
func (c *Controller) apply(ctx context.Context, log logging.Logger, b *batch, p model.ScatteringPoint, res scan.Resolution) {
	st := b.job.State
	st.Angles = res.Angles
	for _, v := range p.Settings() {
		val, _ := p.Value(v)
		st.SetParam(v, val)
	}

	bend := kinematics.CrystalBendingRadii(st.Focus, res.Angles.Mtt/2, res.Angles.Att/2, st.Arms, b.limits)
	derived := map[model.Variable]struct {
		value float64
		use   bool
	}{
		model.VarRhm: {bend.Rhm, st.Focus.Horizontal != 0},
		model.VarRvm: {bend.Rvm, st.Focus.Vertical != 0},
		model.VarRha: {bend.Rha, st.Focus.Analyzer != 0},
		model.VarRva: {bend.Rva, st.Bending.Rva == 0},
	}
	for v, d := range derived {
		if _, overridden := p.Value(v); overridden || !d.use {
			continue
		}
		st.SetParam(v, d.value)
	}
	for _, v := range bend.Clamped {
		if _, overridden := p.Value(v); overridden {
			continue
		}
		log.Debug(ctx, "bending radius clamped to minimum", logging.String("radius", string(v)))
	}
}

func (b *batch) uniqueFolder(name string) string {
	n, seen := b.folders[name]
	b.folders[name] = n + 1
	if !seen {
		return name
	}
	for {
		candidate := name + "_" + strconv.Itoa(n)
		if _, taken := b.folders[candidate]; !taken {
			b.folders[candidate] = 1
			return candidate
		}
		n++
		b.folders[name] = n + 1
	}
}

func (c *Controller) emitInitialEstimate(b *batch) {
	if c.history == nil {
		b.run.events <- TimeEvent{Text: estimator.FormatDuration(0, false)}
		return
	}
	est, ok := c.history.Estimate(b.job.State.Instrument, b.job.Neutrons)
	total := est.Total(len(b.job.Cells))
	b.run.events <- timeEvent(total, ok, b.job.Deferred)
}

// remaining estimates the time left for left more points. After the first
// point the historical per-point estimate is preferred, falling back to the
// first point's own time; from the second point on only points 2..i count,
// since the first includes the backend compile.
func (c *Controller) remaining(b *batch, left int) TimeEvent {
	var per time.Duration
	if len(b.pointTimes) == 1 {
		per = b.pointTimes[0]
		if c.history != nil {
			if est, ok := c.history.Estimate(b.job.State.Instrument, b.job.Neutrons); ok {
				per = est.PerPoint
			}
		}
	} else {
		per = mean(b.pointTimes[1:])
	}
	d := time.Duration(left) * per
	return timeEvent(d, true, b.job.Deferred && left > 0)
}

func timeEvent(d time.Duration, known, upperBound bool) TimeEvent {
	text := estimator.FormatDuration(d, known)
	if known && upperBound {
		text = "up to " + text
	}
	return TimeEvent{Remaining: d, Known: known, UpperBound: known && upperBound, Text: text}
}

func (c *Controller) writeRecord(ctx context.Context, log logging.Logger, b *batch) {
	if b.sum.Dispatched == 0 {
		return
	}
	first := b.pointTimes[0]
	avg := first
	if len(b.pointTimes) > 1 {
		avg = mean(b.pointTimes[1:])
	}
	rec := model.RuntimeRecord{
		InstrumentName:    b.job.State.Instrument,
		NumPoints:         b.sum.Dispatched,
		NumNeutrons:       b.job.Neutrons,
		FirstPointTime:    first,
		AvgSubsequentTime: avg,
		TotalTime:         c.clock.Since(b.start),
		Timestamp:         c.clock.Now(),
	}
	b.sum.Record = &rec
	if c.history == nil {
		return
	}
	if err := c.history.AddRecord(ctx, rec); err != nil {
		log.Warn(ctx, "runtime record not persisted", logging.Err(err))
	}
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
