package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/backend"
	"github.com/signalsfoundry/tas-simulator/internal/estimator"
	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
	"github.com/signalsfoundry/tas-simulator/timectrl"
)

func pumaState() *model.InstrumentState {
	return &model.InstrumentState{
		Instrument:  "PUMA",
		Arms:        model.ArmLengths{L1: 2.150, L2: 2.290, L3: 0.880, L4: 0.750},
		Mono:        &model.Crystal{Name: "PG[002]", DSpacing: 3.355},
		Ana:         &model.Crystal{Name: "PG[002]", DSpacing: 3.355},
		Mode:        model.KiFixed,
		FixedEnergy: 14.7,
	}
}

func qxCells(t *testing.T, qxs ...float64) []scan.Cell {
	t.Helper()
	cells := make([]scan.Cell, len(qxs))
	for i, qx := range qxs {
		p, err := model.NewMomentumPoint(qx, 0, 0, 0)
		if err != nil {
			t.Fatalf("NewMomentumPoint: %v", err)
		}
		cells[i] = scan.Cell{Index: i, Col: i, Point: p}
	}
	return cells
}

// timedBackend advances clock by first on the first call and by rest on
// every later one, returning the call number as counts.
type timedBackend struct {
	clock       *timectrl.Manual
	first, rest time.Duration

	mu    sync.Mutex
	calls []backend.Request
	fail  map[int]bool
	hook  func(call int)
}

func (b *timedBackend) Run(_ context.Context, req backend.Request) (backend.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	call := len(b.calls)
	b.mu.Unlock()

	if call == 1 {
		b.clock.Advance(b.first)
	} else {
		b.clock.Advance(b.rest)
	}
	if b.hook != nil {
		b.hook(call)
	}
	if b.fail[call] {
		return backend.Result{Success: false, Error: "detector offline"}, nil
	}
	return backend.Result{Success: true, Counts: float64(call * 10)}, nil
}

func (b *timedBackend) requests() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Request(nil), b.calls...)
}

func collect(run *Run) []Event {
	var out []Event
	for ev := range run.Events() {
		out = append(out, ev)
	}
	return out
}

func timeEvents(events []Event) []TimeEvent {
	var out []TimeEvent
	for _, ev := range events {
		if te, ok := ev.(TimeEvent); ok {
			out = append(out, te)
		}
	}
	return out
}

func newClock() *timectrl.Manual {
	return timectrl.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestRunCompletesAndWritesRecord(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	hist := estimator.Open(ctx, "")
	be := &timedBackend{clock: clock, first: 10 * time.Second, rest: 2 * time.Second}
	ctl := New(be, WithClock(clock), WithEstimator(hist))

	run, err := ctl.Start(ctx, Job{Cells: qxCells(t, 1, 1.5, 2, 2.5), State: pumaState(), Neutrons: 1000})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collect(run)
	sum := run.Wait()

	if sum.State != StateCompleted {
		t.Fatalf("state = %v, want completed", sum.State)
	}
	if sum.Dispatched != 4 || sum.Succeeded != 4 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.MaxCounts != 40 || sum.TotalCounts != 100 {
		t.Fatalf("counts = (%v, %v), want (40, 100)", sum.MaxCounts, sum.TotalCounts)
	}
	if sum.Record == nil {
		t.Fatalf("expected runtime record")
	}
	if sum.Record.FirstPointTime != 10*time.Second || sum.Record.AvgSubsequentTime != 2*time.Second {
		t.Fatalf("unexpected record %+v", sum.Record)
	}
	if sum.Record.NumPoints != 4 || sum.Record.TotalTime != 16*time.Second {
		t.Fatalf("unexpected record %+v", sum.Record)
	}
	if hist.RecordCount("PUMA") != 1 {
		t.Fatalf("history not updated")
	}

	reqs := be.requests()
	for i, r := range reqs {
		if r.FirstCompile != (i == 0) {
			t.Fatalf("request %d FirstCompile = %v", i, r.FirstCompile)
		}
	}

	done, ok := events[len(events)-1].(DoneEvent)
	if !ok || done.Summary.State != StateCompleted {
		t.Fatalf("last event = %#v, want DoneEvent", events[len(events)-1])
	}
}

func TestEventOrderPerPoint(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, first: time.Second, rest: time.Second}
	run, err := New(be, WithClock(clock)).Start(context.Background(), Job{Cells: qxCells(t, 2), State: pumaState(), Neutrons: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collect(run)

	// initial estimate, progress, counts, result, time, message, final message, done
	want := []string{"time", "progress", "counts", "result", "time", "message", "message", "done"}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %#v", len(events), len(want), events)
	}
	for i, ev := range events {
		var kind string
		switch ev.(type) {
		case TimeEvent:
			kind = "time"
		case ProgressEvent:
			kind = "progress"
		case CountsEvent:
			kind = "counts"
		case PointResult:
			kind = "result"
		case MessageEvent:
			kind = "message"
		case DoneEvent:
			kind = "done"
		}
		if kind != want[i] {
			t.Fatalf("event %d = %s, want %s", i, kind, want[i])
		}
	}
}

func TestFailedPointDoesNotAbortBatch(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, first: time.Second, rest: time.Second, fail: map[int]bool{3: true}}
	ctl := New(be, WithClock(clock))

	run, err := ctl.Start(context.Background(), Job{Cells: qxCells(t, 1, 1.25, 1.5, 1.75, 2), State: pumaState(), Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var results []int
	var messages []string
	Dispatch(run.Events(), Callbacks{
		PointResult: func(index int, _ float64) { results = append(results, index) },
		Message:     func(text string) { messages = append(messages, text) },
	})
	sum := run.Wait()

	if sum.State != StateCompleted {
		t.Fatalf("state = %v, want completed", sum.State)
	}
	if sum.Succeeded != 4 || sum.Failed != 1 || sum.Dispatched != 5 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(results) != 4 {
		t.Fatalf("point results = %v, want 4 entries", results)
	}
	for _, idx := range results {
		if idx == 2 {
			t.Fatalf("failed point reported as a result")
		}
	}
	found := false
	for _, m := range messages {
		if strings.Contains(m, "detector offline") {
			found = true
		}
	}
	if !found {
		t.Fatalf("failure message missing from %v", messages)
	}
	if sum.Record == nil {
		t.Fatalf("completed batch with a failed point should still be recorded")
	}
}

func TestCancelAfterKPointsWritesNoRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newClock()
	hist := estimator.Open(ctx, "")
	be := &timedBackend{clock: clock, first: time.Second, rest: time.Second}
	be.hook = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	ctl := New(be, WithClock(clock), WithEstimator(hist))

	run, err := ctl.Start(ctx, Job{Cells: qxCells(t, 1, 1.25, 1.5, 1.75, 2), State: pumaState(), Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collect(run)
	sum := run.Wait()

	if sum.State != StateCancelled {
		t.Fatalf("state = %v, want cancelled", sum.State)
	}
	if sum.Dispatched != 2 || sum.Succeeded != 2 {
		t.Fatalf("dispatched = %d, succeeded = %d, want 2", sum.Dispatched, sum.Succeeded)
	}
	if sum.Record != nil || hist.RecordCount("PUMA") != 0 {
		t.Fatalf("cancelled batch must not write a runtime record")
	}
	stopped := false
	for _, ev := range events {
		if m, ok := ev.(MessageEvent); ok && m.Text == "Scan stopped by user" {
			stopped = true
		}
	}
	if !stopped {
		t.Fatalf("missing stop message")
	}
}

func TestCancelWaitsForInFlightPointAndBusyGuard(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	be := backend.Func(func(context.Context, backend.Request) (backend.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		entered <- struct{}{}
		<-release
		return backend.Result{Success: true, Counts: 1}, nil
	})
	ctl := New(be)
	job := Job{Cells: qxCells(t, 1, 1.5, 2), State: pumaState(), Neutrons: 10}

	run, err := ctl.Start(context.Background(), job)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	go Dispatch(run.Events(), Callbacks{})
	<-entered

	if _, err := ctl.Start(context.Background(), job); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}
	if ctl.Current() != run {
		t.Fatalf("Current should return the active run")
	}

	run.Cancel()
	close(release)
	sum := run.Wait()

	if sum.State != StateCancelled || sum.Dispatched != 1 || sum.Succeeded != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	mu.Lock()
	if calls != 1 {
		t.Fatalf("backend calls = %d, want 1", calls)
	}
	mu.Unlock()

	next, err := ctl.Start(context.Background(), job)
	if err != nil {
		t.Fatalf("Start after finish: %v", err)
	}
	go Dispatch(next.Events(), Callbacks{})
	if got := next.Wait(); got.State != StateCompleted {
		t.Fatalf("second run state = %v", got.State)
	}
}

func TestInfeasibleCellsAreSkipped(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, first: time.Second, rest: time.Second}
	ctl := New(be, WithClock(clock))

	run, err := ctl.Start(context.Background(), Job{Cells: qxCells(t, 0, 2, 40), State: pumaState(), Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collect(run)
	sum := run.Wait()

	if sum.Skipped != 2 || sum.Dispatched != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(be.requests()) != 1 {
		t.Fatalf("infeasible cells reached the backend")
	}
	var skipped []PointResult
	for _, ev := range events {
		if pr, ok := ev.(PointResult); ok && pr.Skipped {
			skipped = append(skipped, pr)
		}
	}
	if len(skipped) != 2 {
		t.Fatalf("skipped results = %d, want 2", len(skipped))
	}
	if !skipped[0].Flags.Has(kinematics.FlagZeroQ) {
		t.Fatalf("first skip flags = %v, want zero_q", skipped[0].Flags)
	}
	if !skipped[1].Flags.Has(kinematics.FlagSTT) {
		t.Fatalf("second skip flags = %v, want stt", skipped[1].Flags)
	}
}

func TestRemainingTimeExcludesFirstPoint(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, first: 10 * time.Second, rest: 2 * time.Second}
	ctl := New(be, WithClock(clock))

	run, err := ctl.Start(context.Background(), Job{Cells: qxCells(t, 1, 1.5, 2, 2.5), State: pumaState(), Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	times := timeEvents(collect(run))

	if len(times) != 5 {
		t.Fatalf("time events = %d, want 5", len(times))
	}
	if times[0].Known || times[0].Text != "N/A" {
		t.Fatalf("initial estimate = %+v, want unavailable", times[0])
	}
	want := []time.Duration{30 * time.Second, 4 * time.Second, 2 * time.Second, 0}
	for i, w := range want {
		if got := times[i+1].Remaining; got != w {
			t.Fatalf("remaining after point %d = %v, want %v", i+1, got, w)
		}
	}
	if times[1].Text != "30s" {
		t.Fatalf("text = %q, want 30s", times[1].Text)
	}
}

func TestRemainingTimeIsUpperBoundForDeferredCells(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, first: 10 * time.Second, rest: 2 * time.Second}
	ctl := New(be, WithClock(clock))

	// qx 40 is unreachable and is only found out at dispatch time.
	job := Job{Cells: qxCells(t, 1, 40, 2), State: pumaState(), Neutrons: 10, Deferred: true}
	run, err := ctl.Start(context.Background(), job)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	times := timeEvents(collect(run))
	if len(times) < 2 {
		t.Fatalf("time events = %d, want at least 2", len(times))
	}
	first := times[1]
	if !first.UpperBound || first.Remaining != 20*time.Second || first.Text != "up to 20s" {
		t.Fatalf("estimate after point 1 = %+v, want an upper bound of 20s", first)
	}
	last := times[len(times)-1]
	if last.UpperBound || last.Remaining != 0 || last.Text != "0s" {
		t.Fatalf("final estimate = %+v, want exact 0s", last)
	}
	if got := len(be.requests()); got != 2 {
		t.Fatalf("backend calls = %d, want 2", got)
	}
}

func TestRemainingTimeUsesHistoryAfterFirstPoint(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	hist := estimator.Open(ctx, "")
	_ = hist.AddRecord(ctx, model.RuntimeRecord{
		InstrumentName:    "PUMA",
		NumPoints:         5,
		NumNeutrons:       10,
		FirstPointTime:    8 * time.Second,
		AvgSubsequentTime: 3 * time.Second,
	})
	be := &timedBackend{clock: clock, first: 10 * time.Second, rest: 2 * time.Second}
	ctl := New(be, WithClock(clock), WithEstimator(hist))

	run, err := ctl.Start(ctx, Job{Cells: qxCells(t, 1, 1.5, 2), State: pumaState(), Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	times := timeEvents(collect(run))

	if !times[0].Known || times[0].Remaining != 5*time.Second+3*3*time.Second {
		t.Fatalf("initial estimate = %+v, want 14s", times[0])
	}
	if times[1].Remaining != 2*3*time.Second {
		t.Fatalf("remaining after first point = %v, want 6s", times[1].Remaining)
	}
	if times[2].Remaining != 2*time.Second {
		t.Fatalf("remaining after second point = %v, want 2s", times[2].Remaining)
	}
}

func TestSinglePointRecordUsesFirstTimeAsAverage(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, first: 7 * time.Second}
	run, err := New(be, WithClock(clock)).Start(context.Background(), Job{Cells: qxCells(t, 2), State: pumaState(), Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(run)
	rec := run.Wait().Record
	if rec == nil || rec.AvgSubsequentTime != 7*time.Second {
		t.Fatalf("record = %+v, want average 7s", rec)
	}
}

func TestOutputFoldersAreUnique(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock}
	dir := filepath.Join(t.TempDir(), "batch")
	run, err := New(be, WithClock(clock)).Start(context.Background(), Job{
		Cells:     qxCells(t, 2, 2, 2),
		State:     pumaState(),
		Neutrons:  10,
		OutputDir: dir,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(run)
	run.Wait()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("batch dir not created: %v", err)
	}
	reqs := be.requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d", len(reqs))
	}
	base := reqs[0].OutputDir
	if filepath.Dir(base) != dir {
		t.Fatalf("point dir %q not under %q", base, dir)
	}
	if reqs[1].OutputDir != base+"_1" || reqs[2].OutputDir != base+"_2" {
		t.Fatalf("unexpected dirs %q %q %q", base, reqs[1].OutputDir, reqs[2].OutputDir)
	}
}

func TestUncreatableOutputDirFailsBatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock := newClock()
	be := &timedBackend{clock: clock}
	run, err := New(be, WithClock(clock)).Start(context.Background(), Job{
		Cells:     qxCells(t, 2),
		State:     pumaState(),
		Neutrons:  10,
		OutputDir: filepath.Join(file, "batch"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(run)
	sum := run.Wait()

	if sum.State != StateFailed || sum.Err == nil {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(be.requests()) != 0 {
		t.Fatalf("backend must not run when the batch dir is missing")
	}
}

func TestStartRejectsInvalidJobs(t *testing.T) {
	ctl := New(backend.Func(func(context.Context, backend.Request) (backend.Result, error) {
		return backend.Result{Success: true}, nil
	}))
	cells := qxCells(t, 2)
	cases := map[string]Job{
		"no state":    {Cells: cells, Neutrons: 1},
		"no neutrons": {Cells: cells, State: pumaState()},
		"no cells":    {State: pumaState(), Neutrons: 1},
	}
	for name, job := range cases {
		if _, err := ctl.Start(context.Background(), job); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("%s: err = %v, want ErrInvalidJob", name, err)
		}
	}
}

func TestBendingDerivedUnlessPointOverrides(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock}
	st := pumaState()
	st.Focus = model.FocusFactors{Horizontal: 1, Vertical: 1}
	st.Bending.Rha = 3.3

	cells := qxCells(t, 2, 2)
	override, err := cells[1].Point.With(model.VarRhm, 5)
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	cells[1].Point = override

	run, err := New(be, WithClock(clock)).Start(context.Background(), Job{Cells: cells, State: st, Neutrons: 10})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(run)
	run.Wait()

	reqs := be.requests()
	angles := reqs[0].Config.Angles
	want := kinematics.CrystalBendingRadii(st.Focus, angles.Mtt/2, angles.Att/2, st.Arms, kinematics.DefaultFocusLimits())
	if reqs[0].Config.Bending.Rhm != want.Rhm || reqs[0].Config.Bending.Rvm != want.Rvm {
		t.Fatalf("derived bending = %+v, want %+v", reqs[0].Config.Bending, want.BendingRadii)
	}
	if reqs[0].Config.Bending.Rha != 3.3 {
		t.Fatalf("rha with zero factor should keep the set radius, got %v", reqs[0].Config.Bending.Rha)
	}
	if reqs[0].Config.Bending.Rva != 0.8 {
		t.Fatalf("rva = %v, want hardware default 0.8", reqs[0].Config.Bending.Rva)
	}
	if reqs[1].Config.Bending.Rhm != 5 {
		t.Fatalf("overridden rhm = %v, want 5", reqs[1].Config.Bending.Rhm)
	}
	if st.Bending.Rhm != 0 {
		t.Fatalf("controller mutated the caller's state")
	}
}

type fakeMetrics struct {
	mu       sync.Mutex
	started  int
	finished []string
	points   map[string]int
}

func (m *fakeMetrics) BatchStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *fakeMetrics) BatchFinished(state string, _ time.Duration) {
	m.mu.Lock()
	m.finished = append(m.finished, state)
	m.mu.Unlock()
}

func (m *fakeMetrics) PointFinished(outcome string, _ time.Duration) {
	m.mu.Lock()
	if m.points == nil {
		m.points = make(map[string]int)
	}
	m.points[outcome]++
	m.mu.Unlock()
}

func TestMetricsAreReported(t *testing.T) {
	clock := newClock()
	be := &timedBackend{clock: clock, fail: map[int]bool{2: true}}
	m := &fakeMetrics{}
	run, err := New(be, WithClock(clock), WithMetrics(m)).Start(context.Background(), Job{
		Cells:    qxCells(t, 0, 1, 2, 2.5),
		State:    pumaState(),
		Neutrons: 10,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(run)
	run.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started != 1 || len(m.finished) != 1 || m.finished[0] != "completed" {
		t.Fatalf("batch metrics: started=%d finished=%v", m.started, m.finished)
	}
	if m.points["skipped"] != 1 || m.points["failure"] != 1 || m.points["success"] != 2 {
		t.Fatalf("point metrics = %v", m.points)
	}
}
