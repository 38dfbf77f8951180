package kinematics

import (
	"math"

	"github.com/signalsfoundry/tas-simulator/model"
)

// minAngle replaces a zero Bragg angle in the focusing formulas.
const minAngle = 0.001

// FocusLimits are the hardware bounds on crystal curvature in metres.
type FocusLimits struct {
	RhmMin float64 `json:"rhm_min" yaml:"rhm_min" validate:"gte=0"`
	RvmMin float64 `json:"rvm_min" yaml:"rvm_min" validate:"gte=0"`
	RhaMin float64 `json:"rha_min" yaml:"rha_min" validate:"gte=0"`
	Rva    float64 `json:"rva" yaml:"rva" validate:"gte=0"`
}

// DefaultFocusLimits are the PUMA values.
func DefaultFocusLimits() FocusLimits {
	return FocusLimits{RhmMin: 2.0, RvmMin: 0.5, RhaMin: 2.0, Rva: 0.8}
}

// Bending is the result of CrystalBendingRadii. Clamped lists the radii
// raised to their minimum.
type Bending struct {
	model.BendingRadii
	Clamped []model.Variable
}

// CrystalBendingRadii computes focusing radii from the monochromator and
// analyzer Bragg angles θ (degrees, half of the two-theta). A radius whose
// factor is zero is left flat at 0 and never clamped; the vertical analyzer
// radius is fixed by hardware.
func CrystalBendingRadii(f model.FocusFactors, monoAngle, anaAngle float64, arms model.ArmLengths, limits FocusLimits) Bending {
	if monoAngle == 0 {
		monoAngle = minAngle
	}
	if anaAngle == 0 {
		anaAngle = minAngle
	}
	sinM := math.Sin(deg2rad(monoAngle))
	sinA := math.Sin(deg2rad(anaAngle))
	monoArms := 1/arms.L1 + 1/arms.L2
	anaArms := 1/arms.L3 + 1/arms.L4

	var b Bending
	b.Rhm = f.Horizontal * 2 / sinM / monoArms
	b.Rvm = f.Vertical * 2 * sinM / monoArms
	b.Rha = f.Analyzer * 2 / sinA / anaArms
	b.Rva = limits.Rva

	if f.Horizontal != 0 && b.Rhm < limits.RhmMin {
		b.Rhm = limits.RhmMin
		b.Clamped = append(b.Clamped, model.VarRhm)
	}
	if f.Vertical != 0 && b.Rvm < limits.RvmMin {
		b.Rvm = limits.RvmMin
		b.Clamped = append(b.Clamped, model.VarRvm)
	}
	if f.Analyzer != 0 && b.Rha < limits.RhaMin {
		b.Rha = limits.RhaMin
		b.Clamped = append(b.Clamped, model.VarRha)
	}
	return b
}
