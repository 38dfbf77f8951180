// Package backend defines the contract with the external simulation
// backend and ships three implementations: a local process runner, a gRPC
// client for a remote worker, and a function adapter.
package backend

import (
	"context"
	"errors"

	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
)

// ErrNoCommand is returned by a Process without a command to run.
var ErrNoCommand = errors.New("backend: no command configured")

// Config is the full instrument configuration for one backend run. The
// sample rotation and tilt already include orientation, alignment offsets
// and any hidden misalignment.
type Config struct {
	Instrument string           `json:"instrument"`
	Arms       model.ArmLengths `json:"arms"`
	Mono       *model.Crystal   `json:"mono,omitempty"`
	Ana        *model.Crystal   `json:"ana,omitempty"`

	Mode        string  `json:"mode"`
	FixedEnergy float64 `json:"fixed_energy"`
	Ei          float64 `json:"ei"`
	Ef          float64 `json:"ef"`
	DeltaE      float64 `json:"delta_e"`

	Angles         model.Angles `json:"angles"`
	SampleRotation float64      `json:"sample_rotation"`
	SampleTilt     float64      `json:"sample_tilt"`

	Collimation model.Collimation  `json:"collimation"`
	Bending     model.BendingRadii `json:"bending"`
	Slits       model.Slits        `json:"slits"`

	NMO              string `json:"nmo,omitempty"`
	VelocitySelector bool   `json:"velocity_selector,omitempty"`
}

// NewConfig flattens st for a point with energy transfer deltaE. The
// angles, bending radii and orientation are taken from st as they stand.
func NewConfig(st *model.InstrumentState, deltaE float64) Config {
	ei, ef, _ := kinematics.Energies(deltaE, st.FixedEnergy, st.Mode)
	mis, _ := st.Misalignment()

	cfg := Config{
		Instrument:       st.Instrument,
		Arms:             st.Arms,
		Mode:             st.Mode.String(),
		FixedEnergy:      st.FixedEnergy,
		Ei:               ei,
		Ef:               ef,
		DeltaE:           deltaE,
		Angles:           st.Angles,
		SampleRotation:   st.Angles.Sth + st.Orientation.Omega + st.Alignment.Psi + mis.Omega,
		SampleTilt:       st.Angles.Saz + st.Orientation.Chi + st.Alignment.Kappa + mis.Chi,
		Collimation:      st.Collimation,
		Bending:          st.Bending,
		Slits:            st.Slits,
		NMO:              st.NMO,
		VelocitySelector: st.VelocitySelector,
	}
	if st.Mono != nil {
		mono := *st.Mono
		cfg.Mono = &mono
	}
	if st.Ana != nil {
		ana := *st.Ana
		cfg.Ana = &ana
	}
	return cfg
}

// Request is one backend invocation.
type Request struct {
	Config       Config
	Neutrons     int64
	OutputDir    string
	FirstCompile bool
}

// Result is what a backend reports for one point. Success false with a
// nil error is a point failure the backend itself detected.
type Result struct {
	Success     bool
	Counts      float64
	Diagnostics map[string]any
	Error       string
}

// Backend runs one simulation point. Calls are blocking and are never
// issued concurrently by the scan controller.
type Backend interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to Backend.
type Func func(ctx context.Context, req Request) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
