// Package instrument holds spectrometer definitions: arm lengths, crystal
// choices, focusing limits and default apertures. A definition seeds the
// live InstrumentState of a session.
package instrument

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
)

var (
	ErrCrystalNotFound    = errors.New("crystal not found")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrInstrumentExists   = errors.New("instrument already registered")
	ErrInvalidDefinition  = errors.New("invalid instrument definition")
)

// Definition describes one triple-axis spectrometer.
type Definition struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Arms           model.ArmLengths `json:"arms" yaml:"arms"`
	Monochromators []model.Crystal  `json:"monochromators" yaml:"monochromators" validate:"required,min=1,dive"`
	Analyzers      []model.Crystal  `json:"analyzers" yaml:"analyzers" validate:"required,min=1,dive"`

	Focus       kinematics.FocusLimits `json:"focus_limits" yaml:"focus_limits"`
	Collimation model.Collimation      `json:"collimation" yaml:"collimation"`
	Slits       model.Slits            `json:"slits" yaml:"slits"`

	DefaultMode        string  `json:"default_mode" yaml:"default_mode" validate:"omitempty,oneof='Ki Fixed' 'Kf Fixed'"`
	DefaultFixedEnergy float64 `json:"default_fixed_energy" yaml:"default_fixed_energy" validate:"gt=0"`

	// DiagnosticMonitors names the optional monitors the backend can record.
	DiagnosticMonitors []string `json:"diagnostic_monitors,omitempty" yaml:"diagnostic_monitors,omitempty"`
}

// Monochromator returns the named monochromator crystal.
func (d *Definition) Monochromator(name string) (model.Crystal, error) {
	return findCrystal(d.Monochromators, name, "monochromator")
}

// Analyzer returns the named analyzer crystal.
func (d *Definition) Analyzer(name string) (model.Crystal, error) {
	return findCrystal(d.Analyzers, name, "analyzer")
}

func findCrystal(list []model.Crystal, name, role string) (model.Crystal, error) {
	for _, c := range list {
		if c.Name == name {
			return c, nil
		}
	}
	return model.Crystal{}, fmt.Errorf("%w: %s %q", ErrCrystalNotFound, role, name)
}

// HasMonitor reports whether name is one of the definition's monitors.
func (d *Definition) HasMonitor(name string) bool {
	for _, m := range d.DiagnosticMonitors {
		if m == name {
			return true
		}
	}
	return false
}

// NewState builds an InstrumentState from the definition's defaults with
// the named crystals. Empty names select the first crystal of each list.
func (d *Definition) NewState(mono, ana string) (*model.InstrumentState, error) {
	if mono == "" && len(d.Monochromators) > 0 {
		mono = d.Monochromators[0].Name
	}
	if ana == "" && len(d.Analyzers) > 0 {
		ana = d.Analyzers[0].Name
	}
	m, err := d.Monochromator(mono)
	if err != nil {
		return nil, err
	}
	a, err := d.Analyzer(ana)
	if err != nil {
		return nil, err
	}
	mode := model.KiFixed
	if d.DefaultMode != "" {
		if mode, err = model.ParseFixedMode(d.DefaultMode); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	}
	return &model.InstrumentState{
		Instrument:  d.Name,
		Arms:        d.Arms,
		Mono:        &m,
		Ana:         &a,
		Mode:        mode,
		FixedEnergy: d.DefaultFixedEnergy,
		Collimation: d.Collimation,
		Slits:       d.Slits,
		Bending:     model.BendingRadii{Rva: d.Focus.Rva},
	}, nil
}

// CrystalNames lists monochromator and analyzer names, sorted.
func (d *Definition) CrystalNames() (mono, ana []string) {
	for _, c := range d.Monochromators {
		mono = append(mono, c.Name)
	}
	for _, c := range d.Analyzers {
		ana = append(ana, c.Name)
	}
	sort.Strings(mono)
	sort.Strings(ana)
	return mono, ana
}

// PUMA returns the built-in definition of the PUMA spectrometer.
func PUMA() *Definition {
	return &Definition{
		Name:        "PUMA",
		Description: "Thermal triple-axis spectrometer",
		Arms:        model.ArmLengths{L1: 2.150, L2: 2.290, L3: 0.880, L4: 0.750},
		Monochromators: []model.Crystal{
			{Name: "PG[002]", DSpacing: 3.355, SlabWidth: 0.0202, SlabHeight: 0.018, Columns: 13, Rows: 9, Gap: 0.0005, Mosaic: 35, Reflectivity: 1},
			{Name: "PG[002] test", DSpacing: 2.355, SlabWidth: 0.0202, SlabHeight: 0.018, Columns: 13, Rows: 9, Gap: 0.0005, Mosaic: 35, Reflectivity: 1},
		},
		Analyzers: []model.Crystal{
			{Name: "PG[002]", DSpacing: 3.355, SlabWidth: 0.01, SlabHeight: 0.0295, Columns: 21, Rows: 5, Gap: 0.0005, Mosaic: 35, Reflectivity: 1},
		},
		Focus: kinematics.DefaultFocusLimits(),
		Slits: model.Slits{
			HblHgap: 0.078,
			HblVgap: 0.150,
			VblHgap: 0.088,
			PblHgap: 0.100,
			PblVgap: 0.100,
			DblHgap: 0.050,
		},
		DefaultMode:        model.KfFixed.String(),
		DefaultFixedEnergy: 14.7,
		DiagnosticMonitors: []string{
			"Source PSD",
			"Source DSD",
			"Postcollimation PSD",
			"Postcollimation DSD",
			"Premono Emonitor",
			"Postmono Emonitor",
			"Pre-sample collimation PSD",
			"Sample PSD @ L2-0.5",
			"Sample PSD @ L2-0.3",
			"Sample PSD @ Sample",
			"Sample DSD @ Sample",
			"Sample EMonitor @ Sample",
			"Pre-analyzer collimation PSD",
			"Pre-analyzer EMonitor",
			"Pre-analyzer PSD",
			"Post-analyzer EMonitor",
			"Post-analyzer PSD",
			"Detector PSD",
		},
	}
}
