package model

import (
	"errors"
	"math"
	"testing"
)

func TestScatteringPointWithDoesNotMutate(t *testing.T) {
	base, err := NewMomentumPoint(2, 0, 0, 1)
	if err != nil {
		t.Fatalf("NewMomentumPoint: %v", err)
	}
	withOmega, err := base.With(VarOmega, 3)
	if err != nil {
		t.Fatalf("With omega: %v", err)
	}
	moved, err := withOmega.With(VarQx, 2.5)
	if err != nil {
		t.Fatalf("With qx: %v", err)
	}
	changed, err := moved.With(VarOmega, 4)
	if err != nil {
		t.Fatalf("With omega again: %v", err)
	}

	if base.Qx != 2 {
		t.Fatalf("base.Qx = %v, want 2", base.Qx)
	}
	if _, ok := base.Value(VarOmega); ok {
		t.Fatalf("base carries omega after With on a copy")
	}
	if got, _ := withOmega.Value(VarOmega); got != 3 {
		t.Fatalf("withOmega omega = %v, want 3", got)
	}
	if got, _ := changed.Value(VarOmega); got != 4 {
		t.Fatalf("changed omega = %v, want 4", got)
	}
	if got, _ := moved.Value(VarOmega); got != 3 {
		t.Fatalf("moved omega = %v, want 3 (shared settings map)", got)
	}
	if moved.Qx != 2.5 || moved.Frame != FrameMomentum {
		t.Fatalf("moved = %+v, want qx 2.5 in momentum frame", moved)
	}
}

func TestScatteringPointRejectsNonFinite(t *testing.T) {
	if _, err := NewRLUPoint(1, math.NaN(), 0, 0); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("NewRLUPoint(NaN) err = %v, want ErrNonFinite", err)
	}
	p, _ := NewAnglePoint(40, -40, -20, 40)
	if _, err := p.With(VarA3, math.Inf(1)); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("With(Inf) err = %v, want ErrNonFinite", err)
	}
}

func TestParseFixedMode(t *testing.T) {
	cases := map[string]FixedMode{
		"ki":       KiFixed,
		"Ki Fixed": KiFixed,
		"kf_fixed": KfFixed,
		"KF":       KfFixed,
	}
	for in, want := range cases {
		got, err := ParseFixedMode(in)
		if err != nil {
			t.Fatalf("ParseFixedMode(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseFixedMode(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseFixedMode("ei"); !errors.Is(err, ErrUnknownFixedMode) {
		t.Fatalf("ParseFixedMode(ei) err = %v, want ErrUnknownFixedMode", err)
	}
}

func TestInstrumentStateCloneIsDeep(t *testing.T) {
	s := &InstrumentState{
		Instrument:  "PUMA",
		Mono:        &Crystal{Name: "PG[002]", DSpacing: 3.355},
		Diagnostics: []string{"source"},
	}
	s.SetMisalignment(Misalignment{Omega: 1.5, Chi: -0.5})

	c := s.Clone()
	c.Mono.DSpacing = 1
	c.Diagnostics[0] = "changed"
	c.SetParam(VarOmega, 7)

	if s.Mono.DSpacing != 3.355 {
		t.Fatalf("original mono d = %v, want 3.355", s.Mono.DSpacing)
	}
	if s.Diagnostics[0] != "source" {
		t.Fatalf("original diagnostics mutated: %v", s.Diagnostics)
	}
	if s.Orientation.Omega != 0 {
		t.Fatalf("original omega = %v, want 0", s.Orientation.Omega)
	}
	if m, ok := c.Misalignment(); !ok || m.Omega != 1.5 {
		t.Fatalf("clone misalignment = %+v,%v, want omega 1.5", m, ok)
	}
}

func TestInstrumentStateParam(t *testing.T) {
	var s InstrumentState
	if !s.SetParam(VarPblVoffset, 0.01) {
		t.Fatalf("SetParam(pbl_voffset) = false")
	}
	if got, ok := s.Param(VarPblVoffset); !ok || got != 0.01 {
		t.Fatalf("Param(pbl_voffset) = %v,%v, want 0.01,true", got, ok)
	}
	if s.SetParam(VarQx, 1) {
		t.Fatalf("SetParam(qx) = true, want false for a coordinate")
	}
}
