package scan

import (
	"fmt"

	"github.com/signalsfoundry/tas-simulator/model"
)

// ConflictKind says why two scanned variables cannot be scanned together.
type ConflictKind string

const (
	ConflictSameVariable ConflictKind = "same_variable"
	ConflictLinkedGroup  ConflictKind = "linked_group"
	ConflictOrientation  ConflictKind = "orientation_overrides_q"
	ConflictFrame        ConflictKind = "frame_mismatch"
)

// ConflictWarning describes a conflicting pair of scan variables.
type ConflictWarning struct {
	First, Second model.Variable
	Kind          ConflictKind
	Group         string
	Message       string
}

func (c *ConflictWarning) String() string { return c.Message }

// DetectConflict reports whether var1 and var2 fight over the same degree of
// freedom. It returns nil when they can be scanned together.
func DetectConflict(var1, var2 model.Variable) *ConflictWarning {
	if var1 == "" || var2 == "" {
		return nil
	}
	w := &ConflictWarning{First: var1, Second: var2}
	i1, i2 := variables[var1], variables[var2]

	switch {
	case var1 == var2:
		w.Kind = ConflictSameVariable
		w.Message = fmt.Sprintf("%s is scanned twice", var1)
	case i1.group != "" && i1.group == i2.group:
		w.Kind = ConflictLinkedGroup
		w.Group = i1.group
		w.Message = fmt.Sprintf("%s and %s both drive %s", var1, var2, describeGroup(i1.group))
	case isOrientation(i1.kind) && isQComponent(i2.kind), isOrientation(i2.kind) && isQComponent(i1.kind):
		w.Kind = ConflictOrientation
		w.Message = fmt.Sprintf("%s and %s: orientation angles override the Q-to-angle mapping", var1, var2)
	case framesClash(var1, var2):
		w.Kind = ConflictFrame
		w.Message = fmt.Sprintf("%s and %s belong to different coordinate frames", var1, var2)
	default:
		return nil
	}
	return w
}

func isOrientation(k Kind) bool { return k == KindOrientation || k == KindAlignment }
func isQComponent(k Kind) bool  { return k == KindMomentum || k == KindRLU }

func framesClash(a, b model.Variable) bool {
	fa, fb := a.Frame(), b.Frame()
	if a == model.VarDeltaE {
		return fb == model.FrameAngles
	}
	if b == model.VarDeltaE {
		return fa == model.FrameAngles
	}
	return fa != model.FrameNone && fb != model.FrameNone && fa != fb
}

func describeGroup(g string) string {
	switch g {
	case "q_x", "q_y", "q_z":
		return "the same Q component"
	case "in_plane_rotation":
		return "the sample in-plane rotation"
	case "tilt":
		return "the sample tilt"
	case "energy":
		return "the energy transfer"
	default:
		return g
	}
}
