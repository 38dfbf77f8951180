// Package session owns the live spectrometer: the instrument state, the
// current scattering point, and the path from scan commands to a running
// batch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/alignment"
	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/internal/instrument"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
)

// MaxGridCells bounds the cross product of two scans.
const MaxGridCells = 1_000_000

var (
	// ErrConflict is returned by Run for a plan whose scans conflict unless
	// the request allowed it.
	ErrConflict = errors.New("scan variables conflict")
	// ErrNothingToRun is returned by Run when every cell was filtered out.
	ErrNothingToRun = errors.New("no feasible points to run")
	// ErrGridTooLarge is returned by Plan for grids above MaxGridCells.
	ErrGridTooLarge = errors.New("scan grid too large")
	// ErrScanRunning is returned by Configure while a batch is running.
	ErrScanRunning = errors.New("cannot reconfigure while a scan is running")
	// ErrNoMisalignment is returned by CheckAlignment without a loaded exercise.
	ErrNoMisalignment = errors.New("no misalignment loaded")
	// ErrNoController is returned by Run on a session without a controller.
	ErrNoController = errors.New("session has no scan controller")
)

// TotalEstimator predicts the duration of a whole batch.
type TotalEstimator interface {
	EstimateTotal(instrument string, points int, neutrons int64) (time.Duration, bool)
}

// Session is safe for concurrent use. Readers receive clones; the live
// state is only replaced wholesale under the write lock.
type Session struct {
	mu    sync.RWMutex
	def   *instrument.Definition
	state *model.InstrumentState
	point model.ScatteringPoint

	ctl            *executor.Controller
	estimator      TotalEstimator
	deferThreshold int
	log            logging.Logger
}

// Option customises a Session.
type Option func(*Session)

// WithDeferThreshold sets the cell count above which validation is deferred
// to execution. Zero or less never defers.
func WithDeferThreshold(n int) Option {
	return func(s *Session) { s.deferThreshold = n }
}

// WithEstimator attaches the runtime history used for plan estimates.
func WithEstimator(e TotalEstimator) Option {
	return func(s *Session) { s.estimator = e }
}

// WithLogger sets the session logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// New starts a session on def with its default crystals. ctl may be nil
// for sessions that only plan.
func New(def *instrument.Definition, ctl *executor.Controller, opts ...Option) (*Session, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", instrument.ErrInvalidDefinition)
	}
	st, err := def.NewState("", "")
	if err != nil {
		return nil, err
	}
	point, _ := model.NewMomentumPoint(1, 0, 0, 0)
	s := &Session{
		def:            def,
		state:          st,
		point:          point,
		ctl:            ctl,
		deferThreshold: scan.DefaultDeferThreshold,
		log:            logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Definition returns the instrument definition.
func (s *Session) Definition() *instrument.Definition {
	return s.def
}

// State returns a snapshot of the live instrument state.
func (s *Session) State() *model.InstrumentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Point returns the current scattering point with every representation
// derived from its canonical frame against the live state.
func (s *Session) Point() model.ScatteringPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scan.Sync(s.point, s.state)
}

// Resolve solves p against the live state. Flagged results are for the
// caller to report; nothing is dispatched.
func (s *Session) Resolve(p model.ScatteringPoint) scan.Resolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scan.Resolve(p, s.state)
}

// Update lists configuration changes. Nil fields are left alone.
type Update struct {
	Mono        *string
	Ana         *string
	Mode        *model.FixedMode
	FixedEnergy *float64
	Focus       *model.FocusFactors
	Collimation *model.Collimation
	Lattice     *model.Lattice
	Diagnostics []string
	// Params sets orientation, alignment offsets, bending radii or slits.
	Params map[model.Variable]float64
	// Point replaces the current scattering point.
	Point *model.ScatteringPoint
}

// Configure applies u atomically: the change is validated on a copy and
// only committed when the whole update is valid.
func (s *Session) Configure(ctx context.Context, u Update) error {
	if s.running() {
		return ErrScanRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if u.Mono != nil {
		c, err := s.def.Monochromator(*u.Mono)
		if err != nil {
			return err
		}
		next.Mono = &c
	}
	if u.Ana != nil {
		c, err := s.def.Analyzer(*u.Ana)
		if err != nil {
			return err
		}
		next.Ana = &c
	}
	if u.Mode != nil {
		next.Mode = *u.Mode
	}
	if u.FixedEnergy != nil {
		next.FixedEnergy = *u.FixedEnergy
	}
	if u.Focus != nil {
		next.Focus = *u.Focus
	}
	if u.Collimation != nil {
		next.Collimation = *u.Collimation
	}
	if u.Lattice != nil {
		next.Lattice = *u.Lattice
	}
	if u.Diagnostics != nil {
		next.Diagnostics = append([]string(nil), u.Diagnostics...)
	}
	for v, val := range u.Params {
		if !next.SetParam(v, val) {
			return fmt.Errorf("%w: %s is not an instrument setting", scan.ErrUnknownVariable, v)
		}
	}
	if err := instrument.ValidateState(next, s.def); err != nil {
		return err
	}

	s.state = next
	if u.Point != nil {
		s.point = *u.Point
	}
	logging.FromContext(ctx, s.log).Info(ctx, "instrument reconfigured",
		logging.String("mode", next.Mode.String()),
		logging.Float("fixed_energy", next.FixedEnergy),
	)
	return nil
}

// LoadMisalignment installs the hidden misalignment encoded in hash.
func (s *Session) LoadMisalignment(hash string) error {
	m, err := alignment.Decode(hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetMisalignment(m)
	return nil
}

// ClearMisalignment removes any hidden misalignment.
func (s *Session) ClearMisalignment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ClearMisalignment()
}

// CheckAlignment grades the current psi and kappa against the hidden
// misalignment.
func (s *Session) CheckAlignment() (alignment.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.Misalignment()
	if !ok {
		return alignment.Result{}, ErrNoMisalignment
	}
	return alignment.Check(s.state.Alignment.Psi, s.state.Alignment.Kappa, m), nil
}

func (s *Session) running() bool {
	return s.ctl != nil && s.ctl.Current() != nil
}
