package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFixedMode is returned by ParseFixedMode for unrecognised input.
var ErrUnknownFixedMode = errors.New("unknown fixed-energy mode")

// FixedMode selects which neutron wavevector is held constant.
type FixedMode int

const (
	KiFixed FixedMode = iota
	KfFixed
)

func (m FixedMode) String() string {
	if m == KfFixed {
		return "Kf Fixed"
	}
	return "Ki Fixed"
}

// MarshalText encodes the mode by its display name.
func (m FixedMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts anything ParseFixedMode does.
func (m *FixedMode) UnmarshalText(b []byte) error {
	v, err := ParseFixedMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseFixedMode accepts "ki", "kf", "Ki Fixed", "kf_fixed" and similar.
func ParseFixedMode(s string) (FixedMode, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(norm)
	switch norm {
	case "ki", "kifixed":
		return KiFixed, nil
	case "kf", "kffixed":
		return KfFixed, nil
	}
	return KiFixed, fmt.Errorf("%w: %q", ErrUnknownFixedMode, s)
}

// Crystal is a monochromator or analyzer crystal: its plane spacing in Å
// and the slab envelope handed to the backend.
type Crystal struct {
	Name         string  `json:"name" yaml:"name" validate:"required"`
	DSpacing     float64 `json:"d_spacing" yaml:"d_spacing" validate:"gt=0"`
	SlabWidth    float64 `json:"slab_width" yaml:"slab_width" validate:"gte=0"`
	SlabHeight   float64 `json:"slab_height" yaml:"slab_height" validate:"gte=0"`
	Columns      int     `json:"columns" yaml:"columns" validate:"gte=0"`
	Rows         int     `json:"rows" yaml:"rows" validate:"gte=0"`
	Gap          float64 `json:"gap" yaml:"gap" validate:"gte=0"`
	Mosaic       float64 `json:"mosaic" yaml:"mosaic" validate:"gte=0"`
	Reflectivity float64 `json:"reflectivity" yaml:"reflectivity" validate:"gte=0,lte=1"`
}

// ArmLengths are the source-mono, mono-sample, sample-analyzer and
// analyzer-detector distances in metres.
type ArmLengths struct {
	L1 float64 `json:"L1" yaml:"L1" validate:"gt=0"`
	L2 float64 `json:"L2" yaml:"L2" validate:"gt=0"`
	L3 float64 `json:"L3" yaml:"L3" validate:"gt=0"`
	L4 float64 `json:"L4" yaml:"L4" validate:"gt=0"`
}

// Collimation holds the horizontal collimator divergences in arc minutes.
// Zero means open.
type Collimation struct {
	Alpha1 float64 `json:"alpha_1" yaml:"alpha_1" validate:"gte=0"`
	Alpha2 float64 `json:"alpha_2" yaml:"alpha_2" validate:"gte=0"`
	Alpha3 float64 `json:"alpha_3" yaml:"alpha_3" validate:"gte=0"`
	Alpha4 float64 `json:"alpha_4" yaml:"alpha_4" validate:"gte=0"`
}

// FocusFactors scale the ideal focusing curvature. A zero factor leaves
// the corresponding crystal flat.
type FocusFactors struct {
	Horizontal float64 `json:"rhm_factor" yaml:"rhm_factor"`
	Vertical   float64 `json:"rvm_factor" yaml:"rvm_factor"`
	Analyzer   float64 `json:"rha_factor" yaml:"rha_factor"`
}

// BendingRadii are the crystal curvature radii in metres.
type BendingRadii struct {
	Rhm float64 `json:"rhm"`
	Rvm float64 `json:"rvm"`
	Rha float64 `json:"rha"`
	Rva float64 `json:"rva"`
}

// Angles are the five instrument angles in degrees.
type Angles struct {
	Mtt float64 `json:"mtt"` // A1
	Stt float64 `json:"stt"` // A2
	Sth float64 `json:"sth"` // A3
	Saz float64 `json:"saz"`
	Att float64 `json:"att"` // A4
}

// Array returns the angles in the order mtt, stt, sth, saz, att.
func (a Angles) Array() [5]float64 {
	return [5]float64{a.Mtt, a.Stt, a.Sth, a.Saz, a.Att}
}

// AnglesFromArray is the inverse of Angles.Array.
func AnglesFromArray(v [5]float64) Angles {
	return Angles{Mtt: v[0], Stt: v[1], Sth: v[2], Saz: v[3], Att: v[4]}
}

// Orientation is the live sample goniometer setting in degrees.
type Orientation struct {
	Omega float64 `json:"omega"`
	Chi   float64 `json:"chi"`
}

// AlignmentOffsets are static corrections applied on top of Orientation.
type AlignmentOffsets struct {
	Psi   float64 `json:"psi"`
	Kappa float64 `json:"kappa"`
}

// Misalignment is a hidden sample rotation used for alignment training.
type Misalignment struct {
	Omega float64
	Chi   float64
}

// Slits are the aperture settings in metres.
type Slits struct {
	HblHgap    float64 `json:"hbl_hgap" yaml:"hbl_hgap" validate:"gte=0"`
	HblVgap    float64 `json:"hbl_vgap" yaml:"hbl_vgap" validate:"gte=0"`
	VblHgap    float64 `json:"vbl_hgap" yaml:"vbl_hgap" validate:"gte=0"`
	PblHgap    float64 `json:"pbl_hgap" yaml:"pbl_hgap" validate:"gte=0"`
	PblVgap    float64 `json:"pbl_vgap" yaml:"pbl_vgap" validate:"gte=0"`
	PblHoffset float64 `json:"pbl_hoffset" yaml:"pbl_hoffset"`
	PblVoffset float64 `json:"pbl_voffset" yaml:"pbl_voffset"`
	DblHgap    float64 `json:"dbl_hgap" yaml:"dbl_hgap" validate:"gte=0"`
}

// Lattice is the sample unit cell: lengths in Å, angles in degrees.
type Lattice struct {
	A     float64 `json:"a" yaml:"a"`
	B     float64 `json:"b" yaml:"b"`
	C     float64 `json:"c" yaml:"c"`
	Alpha float64 `json:"alpha" yaml:"alpha"`
	Beta  float64 `json:"beta" yaml:"beta"`
	Gamma float64 `json:"gamma" yaml:"gamma"`
}

// InstrumentState is the full configuration of the spectrometer that a
// backend run needs. It is owned by a session; the scan controller works
// on its own Clone while a batch runs.
type InstrumentState struct {
	Instrument string     `json:"instrument" validate:"required"`
	Arms       ArmLengths `json:"arms"`

	Mono *Crystal `json:"mono,omitempty"`
	Ana  *Crystal `json:"ana,omitempty"`

	Mode        FixedMode `json:"mode"`
	FixedEnergy float64   `json:"fixed_energy" validate:"gt=0"`

	Collimation Collimation  `json:"collimation"`
	Focus       FocusFactors `json:"focus"`
	Bending     BendingRadii `json:"bending"`
	Angles      Angles       `json:"angles"`

	Orientation Orientation      `json:"orientation"`
	Alignment   AlignmentOffsets `json:"alignment"`
	Slits       Slits            `json:"slits"`
	Lattice     Lattice          `json:"lattice"`

	NMO              string   `json:"nmo,omitempty"`
	VelocitySelector bool     `json:"velocity_selector,omitempty"`
	Diagnostics      []string `json:"diagnostics,omitempty"`

	misalignment    Misalignment
	hasMisalignment bool
}

// Clone returns a deep copy, including the hidden misalignment.
func (s *InstrumentState) Clone() *InstrumentState {
	if s == nil {
		return nil
	}
	out := *s
	if s.Mono != nil {
		mono := *s.Mono
		out.Mono = &mono
	}
	if s.Ana != nil {
		ana := *s.Ana
		out.Ana = &ana
	}
	if s.Diagnostics != nil {
		out.Diagnostics = append([]string(nil), s.Diagnostics...)
	}
	return &out
}

// SetMisalignment installs a hidden sample misalignment.
func (s *InstrumentState) SetMisalignment(m Misalignment) {
	s.misalignment = m
	s.hasMisalignment = true
}

// ClearMisalignment removes any hidden misalignment.
func (s *InstrumentState) ClearMisalignment() {
	s.misalignment = Misalignment{}
	s.hasMisalignment = false
}

// Misalignment returns the hidden misalignment, if one is installed.
func (s *InstrumentState) Misalignment() (Misalignment, bool) {
	return s.misalignment, s.hasMisalignment
}

// Param returns the current value of an instrument setting. Coordinates
// of the scattering point are not settings and report false.
func (s *InstrumentState) Param(v Variable) (float64, bool) {
	if p := s.param(v); p != nil {
		return *p, true
	}
	return 0, false
}

// SetParam stores value into the setting named by v. It reports false
// when v is not an instrument setting.
func (s *InstrumentState) SetParam(v Variable, value float64) bool {
	p := s.param(v)
	if p == nil {
		return false
	}
	*p = value
	return true
}

func (s *InstrumentState) param(v Variable) *float64 {
	switch v {
	case VarOmega:
		return &s.Orientation.Omega
	case VarChi:
		return &s.Orientation.Chi
	case VarPsi:
		return &s.Alignment.Psi
	case VarKappa:
		return &s.Alignment.Kappa
	case VarRhm:
		return &s.Bending.Rhm
	case VarRvm:
		return &s.Bending.Rvm
	case VarRha:
		return &s.Bending.Rha
	case VarRva:
		return &s.Bending.Rva
	case VarHblHgap:
		return &s.Slits.HblHgap
	case VarHblVgap:
		return &s.Slits.HblVgap
	case VarVblHgap:
		return &s.Slits.VblHgap
	case VarPblHgap:
		return &s.Slits.PblHgap
	case VarPblVgap:
		return &s.Slits.PblVgap
	case VarPblHoffset:
		return &s.Slits.PblHoffset
	case VarPblVoffset:
		return &s.Slits.PblVoffset
	case VarDblHgap:
		return &s.Slits.DblHgap
	}
	return nil
}
