package kinematics

import (
	"math"
	"testing"

	"github.com/signalsfoundry/tas-simulator/model"
)

var pumaArms = model.ArmLengths{L1: 2.150, L2: 2.290, L3: 0.880, L4: 0.750}

func TestCrystalBendingRadii(t *testing.T) {
	f := model.FocusFactors{Horizontal: 1, Vertical: 1, Analyzer: 1}
	b := CrystalBendingRadii(f, 20.58, 20.58, pumaArms, DefaultFocusLimits())

	sinM := math.Sin(20.58 * math.Pi / 180)
	wantRhm := 2 / sinM / (1/2.150 + 1/2.290)
	wantRvm := 2 * sinM / (1/2.150 + 1/2.290)
	if math.Abs(b.Rhm-wantRhm) > 1e-12 {
		t.Fatalf("rhm = %v, want %v", b.Rhm, wantRhm)
	}
	if math.Abs(b.Rvm-wantRvm) > 1e-12 {
		t.Fatalf("rvm = %v, want %v", b.Rvm, wantRvm)
	}
	if b.Rva != 0.8 {
		t.Fatalf("rva = %v, want 0.8", b.Rva)
	}
	if len(b.Clamped) != 0 {
		t.Fatalf("clamped = %v, want none", b.Clamped)
	}
}

func TestCrystalBendingRadiiClamps(t *testing.T) {
	f := model.FocusFactors{Horizontal: 0.1, Vertical: 0.1, Analyzer: 0.1}
	b := CrystalBendingRadii(f, 30, 30, pumaArms, DefaultFocusLimits())
	if b.Rhm != 2.0 || b.Rvm != 0.5 || b.Rha != 2.0 {
		t.Fatalf("radii = %+v, want clamped to 2.0/0.5/2.0", b.BendingRadii)
	}
	if len(b.Clamped) != 3 {
		t.Fatalf("clamped = %v, want 3 entries", b.Clamped)
	}
}

func TestCrystalBendingRadiiFlatWhenFactorZero(t *testing.T) {
	b := CrystalBendingRadii(model.FocusFactors{}, 0, 0, pumaArms, DefaultFocusLimits())
	if b.Rhm != 0 || b.Rvm != 0 || b.Rha != 0 {
		t.Fatalf("radii = %+v, want flat", b.BendingRadii)
	}
	if len(b.Clamped) != 0 {
		t.Fatalf("clamped = %v, want none", b.Clamped)
	}
	if math.IsInf(b.Rhm, 0) || math.IsNaN(b.Rhm) {
		t.Fatalf("rhm = %v at zero angle, want finite", b.Rhm)
	}
}
