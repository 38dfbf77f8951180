package scan

import (
	"math"

	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
)

// fixedArmTolerance is how far, in degrees, the fixed-side two-theta of an
// angle-frame point may drift from the fixed energy before it is rejected.
const fixedArmTolerance = 1e-3

// Resolution is a point expressed in every frame the controller needs.
type Resolution struct {
	Q      kinematics.Vec3
	DeltaE float64
	Angles model.Angles
	Flags  kinematics.Flags
}

// Feasible reports whether the point may be dispatched.
func (r Resolution) Feasible() bool { return r.Flags.Empty() }

// Resolve converts p to Q space and solves the instrument angles against
// state. Reciprocal-lattice points go through the sample lattice; angle
// points are inverted to Q and must keep the fixed-side arm consistent with
// the fixed energy.
func Resolve(p model.ScatteringPoint, state *model.InstrumentState) Resolution {
	if state == nil {
		return Resolution{Flags: kinematics.Flags{kinematics.FlagCrystalNotFound}}
	}
	switch p.Frame {
	case model.FrameRLU:
		r, err := kinematics.NewReciprocal(state.Lattice)
		if err != nil {
			return Resolution{DeltaE: p.DeltaE, Flags: kinematics.Flags{kinematics.FlagLattice}}
		}
		return solveQ(r.HKLToQ(p.H, p.K, p.L), p.DeltaE, state)
	case model.FrameAngles:
		return resolveAngles(p, state)
	default:
		return solveQ(kinematics.Vec3{X: p.Qx, Y: p.Qy, Z: p.Qz}, p.DeltaE, state)
	}
}

func solveQ(q kinematics.Vec3, deltaE float64, state *model.InstrumentState) Resolution {
	angles, flags := kinematics.SolveAnglesFromQ(q, deltaE, state.FixedEnergy, state.Mode, state.Mono, state.Ana)
	return Resolution{Q: q, DeltaE: deltaE, Angles: angles, Flags: flags}
}

func resolveAngles(p model.ScatteringPoint, state *model.InstrumentState) Resolution {
	angles := model.Angles{Mtt: p.A1, Stt: p.A2, Sth: p.A3, Saz: state.Angles.Saz, Att: p.A4}
	q, deltaE, flags := kinematics.SolveQFromAngles(angles, state.FixedEnergy, state.Mode, state.Mono, state.Ana)
	res := Resolution{Q: q, DeltaE: deltaE, Angles: angles, Flags: flags}
	if !flags.Empty() {
		return res
	}

	k := kinematics.EnergyToWavevector(state.FixedEnergy)
	if state.Mode == model.KfFixed {
		theta, err := kinematics.WavevectorToAngle(k, state.Ana.DSpacing)
		if err != nil || math.Abs(2*theta-p.A4) > fixedArmTolerance {
			res.Flags = res.Flags.Add(kinematics.FlagATT)
		}
	} else {
		theta, err := kinematics.WavevectorToAngle(k, state.Mono.DSpacing)
		if err != nil || math.Abs(2*theta-p.A1) > fixedArmTolerance {
			res.Flags = res.Flags.Add(kinematics.FlagMTT)
		}
	}
	return res
}

// Sync returns p with its non-canonical coordinates derived from the
// canonical frame: Q and HKL through the sample lattice, angles through the
// solver and, for angle points, ΔE from the two arms. A representation
// that cannot be derived (invalid lattice, infeasible angles) keeps its
// previous values.
func Sync(p model.ScatteringPoint, state *model.InstrumentState) model.ScatteringPoint {
	out := p.InFrame(p.Frame)
	if state == nil {
		return out
	}
	rec, latErr := kinematics.NewReciprocal(state.Lattice)

	var q kinematics.Vec3
	switch p.Frame {
	case model.FrameMomentum:
		q = kinematics.Vec3{X: p.Qx, Y: p.Qy, Z: p.Qz}
		if latErr == nil {
			out.H, out.K, out.L = rec.QToHKL(q)
		}
	case model.FrameRLU:
		if latErr != nil {
			return out
		}
		q = rec.HKLToQ(p.H, p.K, p.L)
		out.Qx, out.Qy, out.Qz = q.X, q.Y, q.Z
	case model.FrameAngles:
		angles := model.Angles{Mtt: p.A1, Stt: p.A2, Sth: p.A3, Saz: state.Angles.Saz, Att: p.A4}
		q, deltaE, flags := kinematics.SolveQFromAngles(angles, state.FixedEnergy, state.Mode, state.Mono, state.Ana)
		if !flags.Empty() {
			return out
		}
		out.Qx, out.Qy, out.Qz = q.X, q.Y, q.Z
		out.DeltaE = deltaE
		if latErr == nil {
			out.H, out.K, out.L = rec.QToHKL(q)
		}
		return out
	default:
		return out
	}

	angles, flags := kinematics.SolveAnglesFromQ(q, p.DeltaE, state.FixedEnergy, state.Mode, state.Mono, state.Ana)
	if flags.Empty() {
		out.A1, out.A2, out.A3, out.A4 = angles.Mtt, angles.Stt, angles.Sth, angles.Att
	}
	return out
}
