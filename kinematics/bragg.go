package kinematics

import (
	"errors"
	"fmt"
	"math"
)

// Physical constants in SI units.
const (
	NeutronMass      = 1.67492749804e-27 // kg
	ElementaryCharge = 1.602176634e-19   // C
	HBar             = 1.05459e-34       // J·s

	// wavelengthCoefficient converts meV to Å via λ = c/√E.
	wavelengthCoefficient = 9.044567
)

var (
	// ErrZeroWavevector is returned when a Bragg solve gets k = 0 or d = 0.
	ErrZeroWavevector = errors.New("wavevector or d-spacing is zero")
	// ErrUnreachable is returned when no Bragg angle satisfies the condition.
	ErrUnreachable = errors.New("bragg condition unreachable")
)

// BraggError carries the inputs of a failed Bragg solve.
type BraggError struct {
	K, D float64
	Sin  float64
	Err  error
}

func (e *BraggError) Error() string {
	if errors.Is(e.Err, ErrZeroWavevector) {
		return fmt.Sprintf("bragg solve k=%g d=%g: %v", e.K, e.D, e.Err)
	}
	return fmt.Sprintf("bragg solve k=%g d=%g: sin(theta)=%g: %v", e.K, e.D, e.Sin, e.Err)
}

func (e *BraggError) Unwrap() error { return e.Err }

// WavevectorToAngle solves sin(θ) = π/(k·d) and returns the Bragg angle θ
// in degrees. Callers needing a scattering angle double it.
func WavevectorToAngle(k, d float64) (float64, error) {
	if k == 0 || d == 0 {
		return 0, &BraggError{K: k, D: d, Err: ErrZeroWavevector}
	}
	s := math.Pi / (k * d)
	if s < -1 || s > 1 {
		return 0, &BraggError{K: k, D: d, Sin: s, Err: ErrUnreachable}
	}
	return rad2deg(math.Asin(s)), nil
}

// AngleToWavevector is the inverse Bragg relation for a Bragg angle θ in
// degrees. It returns 0 when sin(θ)·d is zero.
func AngleToWavevector(angle, d float64) float64 {
	den := d * math.Sin(deg2rad(angle))
	if den == 0 {
		return 0
	}
	return math.Abs(math.Pi / den)
}

// EnergyToWavevector converts a neutron energy in meV to k in Å⁻¹.
// Non-positive energies map to 0.
func EnergyToWavevector(energy float64) float64 {
	if energy <= 0 {
		return 0
	}
	return math.Sqrt(energy*1e-3*ElementaryCharge*2*NeutronMass) * 1e-10 / HBar
}

// WavevectorToEnergy converts k in Å⁻¹ to energy in meV.
func WavevectorToEnergy(k float64) float64 {
	p := k * 1e10 * HBar
	return 1e3 * p * p / (2 * NeutronMass * ElementaryCharge)
}

// EnergyToWavelength converts meV to Å. Non-positive energies map to +Inf.
func EnergyToWavelength(energy float64) float64 {
	if energy <= 0 {
		return math.Inf(1)
	}
	return wavelengthCoefficient / math.Sqrt(energy)
}
