package scan

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
)

var (
	ErrMissingFirstSpec = errors.New("second scan given without a first")
	ErrNoCurrentValue   = errors.New("no current value for relative scan")
	ErrFrameMismatch    = errors.New("scanned variables belong to different coordinate frames")
)

// Validity is the pre-run classification of a grid cell.
type Validity int

const (
	ValidityUnknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Template supplies the values a grid starts from: the live scattering
// point and the instrument state holding the current settings.
type Template struct {
	Point model.ScatteringPoint
	State *model.InstrumentState
}

// Current returns the live value of v. Coordinates outside the point's
// canonical frame are derived from it against State.
func (t Template) Current(v model.Variable) (float64, bool) {
	if val, ok := Sync(t.Point, t.State).Value(v); ok {
		return val, true
	}
	if t.State != nil {
		return t.State.Param(v)
	}
	return 0, false
}

// Relative marks which specs are offsets from the current value.
type Relative struct {
	First  bool
	Second bool
}

// Axis is one scanned dimension with its absolute values.
type Axis struct {
	Spec     ScanSpec
	Relative bool
	Values   []float64
}

// Cell is one grid point together with the flags that justify its
// validity. Flags are empty unless Validity is Invalid.
type Cell struct {
	Index    int
	Row, Col int
	Point    model.ScatteringPoint
	Validity Validity
	Flags    kinematics.Flags
}

// Grid is the read-only product of BuildGrid. Cells are in execution order:
// the first axis outermost. Row indexes the second axis and Col the first.
type Grid struct {
	Frame model.Frame
	Axes  []Axis
	Rows  int
	Cols  int
	Cells []Cell
}

// Is2D reports whether the grid spans two axes.
func (g *Grid) Is2D() bool { return len(g.Axes) == 2 }

// Len returns the number of cells.
func (g *Grid) Len() int { return len(g.Cells) }

// At returns the cell at (row, col) or nil.
func (g *Grid) At(row, col int) *Cell {
	for i := range g.Cells {
		if g.Cells[i].Row == row && g.Cells[i].Col == col {
			return &g.Cells[i]
		}
	}
	return nil
}

// Variables lists the scanned variables in axis order.
func (g *Grid) Variables() []model.Variable {
	out := make([]model.Variable, len(g.Axes))
	for i, a := range g.Axes {
		out[i] = a.Spec.Variable
	}
	return out
}

// BuildGrid expands zero, one or two specs over tmpl. With no spec the grid
// is the template point alone. Relative specs are offset by the template's
// current value of their variable before substitution. When the grid's
// frame differs from the template's, the template is re-expressed in the
// new frame so unscanned coordinates keep their physical meaning.
func BuildGrid(spec1, spec2 *ScanSpec, tmpl Template, rel Relative) (*Grid, error) {
	if spec1 == nil && spec2 != nil {
		return nil, ErrMissingFirstSpec
	}
	tmpl.Point = Sync(tmpl.Point, tmpl.State)

	var axes []Axis
	for i, s := range []*ScanSpec{spec1, spec2} {
		if s == nil {
			continue
		}
		relative := rel.First
		if i == 1 {
			relative = rel.Second
		}
		values := GenerateValues(*s)
		if relative {
			cur, ok := tmpl.Current(s.Variable)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNoCurrentValue, s.Variable)
			}
			for j := range values {
				values[j] = round3(values[j] + cur)
			}
		}
		axes = append(axes, Axis{Spec: *s, Relative: relative, Values: values})
	}

	frame, err := gridFrame(axes, tmpl.Point.Frame)
	if err != nil {
		return nil, err
	}
	base := tmpl.Point.InFrame(frame)

	g := &Grid{Frame: frame, Axes: axes, Rows: 1, Cols: 1}
	switch len(axes) {
	case 0:
		g.Cells = []Cell{{Point: base}}
	case 1:
		g.Cols = len(axes[0].Values)
		g.Cells = make([]Cell, 0, g.Cols)
		for col, v := range axes[0].Values {
			p, err := base.With(axes[0].Spec.Variable, v)
			if err != nil {
				return nil, err
			}
			g.Cells = append(g.Cells, Cell{Index: col, Col: col, Point: p})
		}
	case 2:
		g.Cols = len(axes[0].Values)
		g.Rows = len(axes[1].Values)
		g.Cells = make([]Cell, 0, g.Rows*g.Cols)
		for col, v1 := range axes[0].Values {
			p1, err := base.With(axes[0].Spec.Variable, v1)
			if err != nil {
				return nil, err
			}
			for row, v2 := range axes[1].Values {
				p, err := p1.With(axes[1].Spec.Variable, v2)
				if err != nil {
					return nil, err
				}
				g.Cells = append(g.Cells, Cell{Index: len(g.Cells), Row: row, Col: col, Point: p})
			}
		}
	}
	return g, nil
}

// gridFrame picks the canonical frame implied by the scanned variables.
// Energy transfer has no meaning in the angle frame, so a deltaE scan over
// an angle template moves it to momentum.
func gridFrame(axes []Axis, fallback model.Frame) (model.Frame, error) {
	frame := model.FrameNone
	energy := false
	for _, a := range axes {
		v := a.Spec.Variable
		if v == model.VarDeltaE {
			energy = true
			continue
		}
		f := v.Frame()
		if f == model.FrameNone {
			continue
		}
		if frame != model.FrameNone && frame != f {
			return model.FrameNone, fmt.Errorf("%w: %s and %s", ErrFrameMismatch, frame, f)
		}
		frame = f
	}
	if energy && frame == model.FrameAngles {
		return model.FrameNone, fmt.Errorf("%w: deltaE with angles", ErrFrameMismatch)
	}
	if frame == model.FrameNone {
		frame = fallback
		if frame == model.FrameNone || (energy && frame == model.FrameAngles) {
			frame = model.FrameMomentum
		}
	}
	return frame, nil
}
