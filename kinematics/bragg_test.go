package kinematics

import (
	"errors"
	"math"
	"testing"
)

func TestWavevectorAngleRoundTrip(t *testing.T) {
	for _, d := range []float64{1.5, 2.355, 3.355, 6.71} {
		for k := 1.0; k <= 5.0; k += 0.25 {
			if math.Pi/(k*d) > 1 {
				continue
			}
			theta, err := WavevectorToAngle(k, d)
			if err != nil {
				t.Fatalf("WavevectorToAngle(%v, %v): %v", k, d, err)
			}
			if got := AngleToWavevector(theta, d); math.Abs(got-k) > 1e-9 {
				t.Fatalf("round trip k=%v d=%v: got %v", k, d, got)
			}
		}
	}
}

func TestWavevectorToAngleFailures(t *testing.T) {
	cases := []struct {
		name string
		k, d float64
		want error
	}{
		{name: "zero k", k: 0, d: 3.355, want: ErrZeroWavevector},
		{name: "zero d", k: 2, d: 0, want: ErrZeroWavevector},
		{name: "too slow", k: 0.5, d: 3.355, want: ErrUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := WavevectorToAngle(tc.k, tc.d)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var be *BraggError
			if !errors.As(err, &be) || be.K != tc.k {
				t.Fatalf("err = %#v, want *BraggError with k=%v", err, tc.k)
			}
		})
	}
}

func TestAngleToWavevectorDegenerate(t *testing.T) {
	if got := AngleToWavevector(0, 3.355); got != 0 {
		t.Fatalf("AngleToWavevector(0) = %v, want 0", got)
	}
	if got := AngleToWavevector(20, 0); got != 0 {
		t.Fatalf("AngleToWavevector(d=0) = %v, want 0", got)
	}
}

func TestEnergyConversions(t *testing.T) {
	k := EnergyToWavevector(14.7)
	if math.Abs(k-2.66344) > 1e-4 {
		t.Fatalf("EnergyToWavevector(14.7) = %v, want ~2.66344", k)
	}
	if e := WavevectorToEnergy(k); math.Abs(e-14.7) > 1e-9 {
		t.Fatalf("WavevectorToEnergy round trip = %v, want 14.7", e)
	}
	if l := EnergyToWavelength(81.8); math.Abs(l-1.0) > 1e-3 {
		t.Fatalf("EnergyToWavelength(81.8) = %v, want ~1.0", l)
	}
	if got := EnergyToWavevector(-1); got != 0 {
		t.Fatalf("EnergyToWavevector(-1) = %v, want 0", got)
	}
	if got := EnergyToWavelength(0); !math.IsInf(got, 1) {
		t.Fatalf("EnergyToWavelength(0) = %v, want +Inf", got)
	}
}
