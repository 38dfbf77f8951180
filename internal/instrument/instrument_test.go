package instrument

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/tas-simulator/model"
)

const yamlDef = `name: TEST
description: bench instrument
arms: {L1: 2.0, L2: 2.0, L3: 1.0, L4: 1.0}
monochromators:
  - {name: "Cu[111]", d_spacing: 2.087}
analyzers:
  - {name: "PG[002]", d_spacing: 3.355, reflectivity: 0.9}
focus_limits: {rhm_min: 1.5, rvm_min: 0.4, rha_min: 1.5, rva: 0.6}
default_mode: Ki Fixed
default_fixed_energy: 30
`

func TestPUMADefinitionIsValid(t *testing.T) {
	if err := PUMA().Validate(); err != nil {
		t.Fatalf("PUMA().Validate() = %v", err)
	}
}

func TestNewStateFromPUMA(t *testing.T) {
	st, err := PUMA().NewState("", "")
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if st.Mono.DSpacing != 3.355 || st.Ana.DSpacing != 3.355 {
		t.Fatalf("unexpected crystals %+v %+v", st.Mono, st.Ana)
	}
	if st.Mode != model.KfFixed || st.FixedEnergy != 14.7 {
		t.Fatalf("unexpected energy setup %v %v", st.Mode, st.FixedEnergy)
	}
	if st.Bending.Rva != 0.8 {
		t.Fatalf("rva = %v, want 0.8", st.Bending.Rva)
	}
	if err := ValidateState(st, PUMA()); err != nil {
		t.Fatalf("ValidateState: %v", err)
	}

	test, err := PUMA().NewState("PG[002] test", "PG[002]")
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if test.Mono.DSpacing != 2.355 {
		t.Fatalf("d = %v, want 2.355", test.Mono.DSpacing)
	}

	if _, err := PUMA().NewState("Si[111]", ""); !errors.Is(err, ErrCrystalNotFound) {
		t.Fatalf("err = %v, want ErrCrystalNotFound", err)
	}
}

func TestValidateStateRejectsBadValues(t *testing.T) {
	st, _ := PUMA().NewState("", "")
	st.FixedEnergy = 0
	err := ValidateState(st, nil)
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("err = %v, want ErrInvalidDefinition", err)
	}
	if !strings.Contains(err.Error(), "fixed_energy") {
		t.Fatalf("error should name the field: %v", err)
	}

	st, _ = PUMA().NewState("", "")
	st.Diagnostics = []string{"Detector PSD", "Laser pointer"}
	err = ValidateState(st, PUMA())
	if err == nil || !strings.Contains(err.Error(), "Laser pointer") {
		t.Fatalf("err = %v, want unknown monitor", err)
	}
}

func TestParseYAML(t *testing.T) {
	def, err := Parse([]byte(yamlDef), FormatYAML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if def.Name != "TEST" || def.Arms.L1 != 2.0 || def.Focus.Rva != 0.6 {
		t.Fatalf("unexpected definition %+v", def)
	}
	mono, err := def.Monochromator("Cu[111]")
	if err != nil || mono.DSpacing != 2.087 {
		t.Fatalf("Monochromator = %+v, %v", mono, err)
	}
	st, err := def.NewState("", "")
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if st.Mode != model.KiFixed || st.FixedEnergy != 30 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestParseRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		data   string
		format Format
		want   string
	}{
		{"unknown field", `{"name":"X","colour":"red"}`, FormatJSON, "colour"},
		{"missing d-spacing", `{"name":"X","arms":{"L1":1,"L2":1,"L3":1,"L4":1},"monochromators":[{"name":"A"}],"analyzers":[{"name":"B","d_spacing":3}],"default_fixed_energy":5}`, FormatJSON, "d_spacing"},
		{"no analyzers", `{"name":"X","arms":{"L1":1,"L2":1,"L3":1,"L4":1},"monochromators":[{"name":"A","d_spacing":3}],"default_fixed_energy":5}`, FormatJSON, "analyzers"},
		{"bad mode", "name: X\narms: {L1: 1, L2: 1, L3: 1, L4: 1}\nmonochromators: [{name: A, d_spacing: 3}]\nanalyzers: [{name: B, d_spacing: 3}]\ndefault_mode: sideways\ndefault_fixed_energy: 5\n", FormatYAML, "default_mode"},
		{"duplicate crystal", `{"name":"X","arms":{"L1":1,"L2":1,"L3":1,"L4":1},"monochromators":[{"name":"A","d_spacing":3},{"name":"A","d_spacing":2}],"analyzers":[{"name":"B","d_spacing":3}],"default_fixed_energy":5}`, FormatJSON, "duplicate"},
	}
	for _, tc := range cases {
		_, err := Parse([]byte(tc.data), tc.format)
		if !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("%s: err = %v, want ErrInvalidDefinition", tc.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	if names := c.List(); len(names) != 1 || names[0] != "PUMA" {
		t.Fatalf("List = %v, want [PUMA]", names)
	}
	if _, err := c.Get("PUMA"); err != nil {
		t.Fatalf("Get(PUMA): %v", err)
	}
	if _, err := c.Get("IN8"); !errors.Is(err, ErrInstrumentNotFound) {
		t.Fatalf("err = %v, want ErrInstrumentNotFound", err)
	}
	if err := c.Add(PUMA()); !errors.Is(err, ErrInstrumentExists) {
		t.Fatalf("err = %v, want ErrInstrumentExists", err)
	}
}

func TestCatalogLoadDirSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"test.yaml":   yamlDef,
		"broken.json": `{"name":`,
		"notes.txt":   "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	c := NewCatalog()
	loaded, err := c.LoadDir(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != "TEST" {
		t.Fatalf("loaded = %v, want [TEST]", loaded)
	}
	if names := c.List(); len(names) != 2 {
		t.Fatalf("List = %v", names)
	}

	if _, err := c.LoadDir(context.Background(), filepath.Join(dir, "missing"), nil); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
