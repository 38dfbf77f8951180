package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNonFinite is returned when a coordinate or setting is NaN or infinite.
var ErrNonFinite = errors.New("value is not finite")

// Frame identifies which representation of a ScatteringPoint is canonical.
type Frame int

const (
	FrameNone Frame = iota
	FrameMomentum
	FrameRLU
	FrameAngles
)

func (f Frame) String() string {
	switch f {
	case FrameMomentum:
		return "momentum"
	case FrameRLU:
		return "rlu"
	case FrameAngles:
		return "angles"
	default:
		return "none"
	}
}

// ScatteringPoint is one requested scattering condition. Only the fields of
// Frame are authoritative; the others are carried along so a template can
// be re-framed without losing the live values.
//
// Points are values: With returns a copy and never mutates the receiver.
type ScatteringPoint struct {
	Frame Frame

	Qx, Qy, Qz float64
	H, K, L    float64

	A1, A2, A3, A4 float64

	DeltaE float64

	settings map[Variable]float64
}

// NewMomentumPoint builds a point whose canonical frame is (qx, qy, qz, ΔE).
func NewMomentumPoint(qx, qy, qz, deltaE float64) (ScatteringPoint, error) {
	if err := checkFinite(qx, qy, qz, deltaE); err != nil {
		return ScatteringPoint{}, err
	}
	return ScatteringPoint{Frame: FrameMomentum, Qx: qx, Qy: qy, Qz: qz, DeltaE: deltaE}, nil
}

// NewRLUPoint builds a point whose canonical frame is (H, K, L, ΔE).
func NewRLUPoint(h, k, l, deltaE float64) (ScatteringPoint, error) {
	if err := checkFinite(h, k, l, deltaE); err != nil {
		return ScatteringPoint{}, err
	}
	return ScatteringPoint{Frame: FrameRLU, H: h, K: k, L: l, DeltaE: deltaE}, nil
}

// NewAnglePoint builds a point whose canonical frame is the raw angles
// A1..A4 in degrees.
func NewAnglePoint(a1, a2, a3, a4 float64) (ScatteringPoint, error) {
	if err := checkFinite(a1, a2, a3, a4); err != nil {
		return ScatteringPoint{}, err
	}
	return ScatteringPoint{Frame: FrameAngles, A1: a1, A2: a2, A3: a3, A4: a4}, nil
}

// InFrame returns a copy with a different canonical frame. It relabels
// only; callers derive the new frame's coordinates first (scan.Sync).
func (p ScatteringPoint) InFrame(f Frame) ScatteringPoint {
	p.settings = cloneSettings(p.settings)
	p.Frame = f
	return p
}

// With returns a copy of p with v set to value.
func (p ScatteringPoint) With(v Variable, value float64) (ScatteringPoint, error) {
	if err := checkFinite(value); err != nil {
		return p, fmt.Errorf("%s: %w", v, err)
	}
	out := p
	out.settings = cloneSettings(p.settings)
	switch v {
	case VarQx:
		out.Qx = value
	case VarQy:
		out.Qy = value
	case VarQz:
		out.Qz = value
	case VarH:
		out.H = value
	case VarK:
		out.K = value
	case VarL:
		out.L = value
	case VarA1:
		out.A1 = value
	case VarA2:
		out.A2 = value
	case VarA3:
		out.A3 = value
	case VarA4:
		out.A4 = value
	case VarDeltaE:
		out.DeltaE = value
	default:
		if out.settings == nil {
			out.settings = make(map[Variable]float64, 1)
		}
		out.settings[v] = value
	}
	return out, nil
}

// Value returns the coordinate or setting held for v. Coordinates are
// always present; settings only when previously set with With.
func (p ScatteringPoint) Value(v Variable) (float64, bool) {
	switch v {
	case VarQx:
		return p.Qx, true
	case VarQy:
		return p.Qy, true
	case VarQz:
		return p.Qz, true
	case VarH:
		return p.H, true
	case VarK:
		return p.K, true
	case VarL:
		return p.L, true
	case VarA1:
		return p.A1, true
	case VarA2:
		return p.A2, true
	case VarA3:
		return p.A3, true
	case VarA4:
		return p.A4, true
	case VarDeltaE:
		return p.DeltaE, true
	}
	val, ok := p.settings[v]
	return val, ok
}

// Settings lists the instrument settings carried by the point, sorted by name.
func (p ScatteringPoint) Settings() []Variable {
	out := make([]Variable, 0, len(p.settings))
	for v := range p.settings {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneSettings(in map[Variable]float64) map[Variable]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[Variable]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func checkFinite(vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}
