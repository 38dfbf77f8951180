package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
)

// Request asks for a scan. Empty command texts mean no scan on that axis;
// with neither, the plan is the current point alone.
type Request struct {
	Scan1    string
	Scan2    string
	Relative scan.Relative
	Neutrons int64
	// AllowConflicts lets Run start a plan that carries a conflict warning.
	AllowConflicts bool
}

// ConflictError is returned by Plan when two conflicting variables cannot
// even be combined into a grid. It matches both ErrConflict and the build
// error.
type ConflictError struct {
	Warning *scan.ConflictWarning
	Err     error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %v", e.Warning.Message, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConflict, e.Err} }

// Plan is a built and filtered grid, ready to run.
type Plan struct {
	Specs    []scan.ScanSpec
	Grid     *scan.Grid
	Report   scan.FilterReport
	Conflict *scan.ConflictWarning

	// State is the snapshot the grid was built and filtered against.
	State    *model.InstrumentState
	Neutrons int64

	Estimate      time.Duration
	EstimateKnown bool

	allowConflicts bool
}

// Runnable returns the cells Run would dispatch.
func (p *Plan) Runnable() []scan.Cell {
	return p.Grid.Runnable()
}

// Plan parses the scan commands, reports any conflict, builds the grid
// over the current point and filters it against a snapshot of the state.
func (s *Session) Plan(ctx context.Context, req Request) (*Plan, error) {
	var specs []*scan.ScanSpec
	for _, text := range []string{req.Scan1, req.Scan2} {
		if strings.TrimSpace(text) == "" {
			specs = append(specs, nil)
			continue
		}
		spec, err := scan.ParseScanSpec(text)
		if err != nil {
			return nil, err
		}
		specs = append(specs, &spec)
	}
	if specs[0] != nil && specs[1] != nil && specs[0].Count()*specs[1].Count() > MaxGridCells {
		return nil, fmt.Errorf("%w: %d x %d cells", ErrGridTooLarge, specs[0].Count(), specs[1].Count())
	}

	s.mu.RLock()
	st := s.state.Clone()
	point := s.point
	s.mu.RUnlock()

	plan := &Plan{State: st, Neutrons: req.Neutrons, allowConflicts: req.AllowConflicts}
	for _, sp := range specs {
		if sp != nil {
			plan.Specs = append(plan.Specs, *sp)
		}
	}
	if specs[0] != nil && specs[1] != nil {
		plan.Conflict = scan.DetectConflict(specs[0].Variable, specs[1].Variable)
	}

	grid, err := scan.BuildGrid(specs[0], specs[1], scan.Template{Point: point, State: st}, req.Relative)
	if err != nil {
		if plan.Conflict != nil {
			return nil, &ConflictError{Warning: plan.Conflict, Err: err}
		}
		return nil, err
	}
	plan.Grid = grid
	plan.Report = scan.Filter(grid, st, s.deferThreshold)

	if s.estimator != nil && req.Neutrons > 0 {
		points := plan.Report.Total
		if !plan.Report.Deferred {
			points = plan.Report.Valid
		}
		plan.Estimate, plan.EstimateKnown = s.estimator.EstimateTotal(st.Instrument, points, req.Neutrons)
	}

	log := logging.FromContext(ctx, s.log)
	fields := []logging.Field{
		logging.Int("cells", plan.Report.Total),
		logging.Bool("deferred", plan.Report.Deferred),
		logging.Int("valid", plan.Report.Valid),
		logging.Int("invalid", plan.Report.Invalid),
	}
	if plan.Conflict != nil {
		fields = append(fields, logging.String("conflict", plan.Conflict.Message))
		log.Warn(ctx, "scan planned with conflicting variables", fields...)
	} else {
		log.Debug(ctx, "scan planned", fields...)
	}
	return plan, nil
}

// Run starts plan on the session's controller, writing point directories
// under outputDir.
func (s *Session) Run(ctx context.Context, plan *Plan, outputDir string) (*executor.Run, error) {
	if s.ctl == nil {
		return nil, ErrNoController
	}
	if plan.Conflict != nil && !plan.allowConflicts {
		return nil, fmt.Errorf("%w: %s", ErrConflict, plan.Conflict.Message)
	}
	cells := plan.Runnable()
	if len(cells) == 0 {
		return nil, ErrNothingToRun
	}
	limits := s.def.Focus
	return s.ctl.Start(ctx, executor.Job{
		Cells:     cells,
		Is2D:      plan.Grid.Is2D(),
		State:     plan.State,
		Neutrons:  plan.Neutrons,
		OutputDir: outputDir,
		Limits:    &limits,
		Deferred:  plan.Report.Deferred,
	})
}
