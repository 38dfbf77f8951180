package scan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/signalsfoundry/tas-simulator/model"
)

// ErrUnknownVariable is wrapped by UnknownVariableError.
var ErrUnknownVariable = errors.New("unknown scan variable")

// Kind classifies a scan variable.
type Kind int

const (
	KindMomentum Kind = iota
	KindRLU
	KindEnergy
	KindAngle
	KindOrientation
	KindAlignment
	KindBending
	KindSlit
)

func (k Kind) String() string {
	switch k {
	case KindMomentum:
		return "momentum"
	case KindRLU:
		return "rlu"
	case KindEnergy:
		return "energy"
	case KindAngle:
		return "angle"
	case KindOrientation:
		return "orientation"
	case KindAlignment:
		return "alignment"
	case KindBending:
		return "bending"
	default:
		return "slit"
	}
}

type variableInfo struct {
	kind  Kind
	group string // linked parameter group, empty when the variable stands alone
	unit  string
	short string // folder-name prefix
}

// vocabulary is ordered; suggestion ties resolve to the earlier entry.
var vocabulary = []model.Variable{
	model.VarQx, model.VarQy, model.VarQz,
	model.VarH, model.VarK, model.VarL,
	model.VarDeltaE,
	model.VarA1, model.VarA2, model.VarA3, model.VarA4,
	model.VarOmega, model.VarChi, model.VarPsi, model.VarKappa,
	model.VarRhm, model.VarRvm, model.VarRha, model.VarRva,
	model.VarHblHgap, model.VarHblVgap, model.VarVblHgap,
	model.VarPblHgap, model.VarPblVgap, model.VarPblHoffset, model.VarPblVoffset,
	model.VarDblHgap,
}

var variables = map[model.Variable]variableInfo{
	model.VarQx:     {kind: KindMomentum, group: "q_x", unit: "1/Å", short: "qx"},
	model.VarQy:     {kind: KindMomentum, group: "q_y", unit: "1/Å", short: "qy"},
	model.VarQz:     {kind: KindMomentum, group: "q_z", unit: "1/Å", short: "qz"},
	model.VarH:      {kind: KindRLU, group: "q_x", unit: "r.l.u.", short: "H"},
	model.VarK:      {kind: KindRLU, group: "q_y", unit: "r.l.u.", short: "K"},
	model.VarL:      {kind: KindRLU, group: "q_z", unit: "r.l.u.", short: "L"},
	model.VarDeltaE: {kind: KindEnergy, group: "energy", unit: "meV", short: "dE"},

	model.VarA1: {kind: KindAngle, group: "energy", unit: "°", short: "A1"},
	model.VarA2: {kind: KindAngle, unit: "°", short: "A2"},
	model.VarA3: {kind: KindAngle, group: "in_plane_rotation", unit: "°", short: "A3"},
	model.VarA4: {kind: KindAngle, group: "energy", unit: "°", short: "A4"},

	model.VarOmega: {kind: KindOrientation, group: "in_plane_rotation", unit: "°", short: "om"},
	model.VarChi:   {kind: KindOrientation, group: "tilt", unit: "°", short: "chi"},
	model.VarPsi:   {kind: KindAlignment, group: "in_plane_rotation", unit: "°", short: "psi"},
	model.VarKappa: {kind: KindAlignment, group: "tilt", unit: "°", short: "kap"},

	model.VarRhm: {kind: KindBending, unit: "m", short: "rhm"},
	model.VarRvm: {kind: KindBending, unit: "m", short: "rvm"},
	model.VarRha: {kind: KindBending, unit: "m", short: "rha"},
	model.VarRva: {kind: KindBending, unit: "m", short: "rva"},

	model.VarHblHgap:    {kind: KindSlit, unit: "m", short: "hblh"},
	model.VarHblVgap:    {kind: KindSlit, unit: "m", short: "hblv"},
	model.VarVblHgap:    {kind: KindSlit, unit: "m", short: "vblh"},
	model.VarPblHgap:    {kind: KindSlit, unit: "m", short: "pblh"},
	model.VarPblVgap:    {kind: KindSlit, unit: "m", short: "pblv"},
	model.VarPblHoffset: {kind: KindSlit, unit: "m", short: "pblho"},
	model.VarPblVoffset: {kind: KindSlit, unit: "m", short: "pblvo"},
	model.VarDblHgap:    {kind: KindSlit, unit: "m", short: "dblh"},
}

// UnknownVariableError reports a name outside the vocabulary together with
// the closest known variable, if any.
type UnknownVariableError struct {
	Name       string
	Suggestion model.Variable
}

func (e *UnknownVariableError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%v: %q (did you mean %q?)", ErrUnknownVariable, e.Name, e.Suggestion)
	}
	return fmt.Sprintf("%v: %q", ErrUnknownVariable, e.Name)
}

func (e *UnknownVariableError) Unwrap() error { return ErrUnknownVariable }

// Vocabulary returns the scannable variables in canonical order.
func Vocabulary() []model.Variable {
	return append([]model.Variable(nil), vocabulary...)
}

// Lookup resolves a user-supplied variable name. Exact matches win over
// case-insensitive ones so that "H" and "h" both work.
func Lookup(name string) (model.Variable, error) {
	if _, ok := variables[model.Variable(name)]; ok {
		return model.Variable(name), nil
	}
	for _, v := range vocabulary {
		if strings.EqualFold(string(v), name) {
			return v, nil
		}
	}
	return "", &UnknownVariableError{Name: name, Suggestion: suggest(name)}
}

// KindOf returns the classification of a known variable.
func KindOf(v model.Variable) Kind { return variables[v].kind }

// Unit returns the display unit of a known variable.
func Unit(v model.Variable) string { return variables[v].unit }

// suggest picks the vocabulary entry sharing the longest common substring
// with name, requiring at least two shared characters.
func suggest(name string) model.Variable {
	lower := strings.ToLower(name)
	var (
		best    model.Variable
		bestLen = 1
	)
	for _, v := range vocabulary {
		if n := longestCommonSubstring(lower, strings.ToLower(string(v))); n > bestLen {
			best, bestLen = v, n
		}
	}
	return best
}

func longestCommonSubstring(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return best
}
