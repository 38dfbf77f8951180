package kinematics

import "strings"

// Flag names one reason a scattering condition cannot be realised.
type Flag string

const (
	FlagMTT             Flag = "mtt"
	FlagATT             Flag = "att"
	FlagSTT             Flag = "stt"
	FlagSTH             Flag = "sth"
	FlagZeroQ           Flag = "zero_q"
	FlagCrystalNotFound Flag = "crystal_not_found"
	FlagNegativeEi      Flag = "negative_ei"
	FlagNegativeEf      Flag = "negative_ef"
	FlagLattice         Flag = "lattice"
)

// Flags is an insertion-ordered set of Flag values. The zero value is an
// empty set; a point is feasible iff its Flags are empty.
type Flags []Flag

// Add appends f unless it is already present.
func (fs Flags) Add(f Flag) Flags {
	if fs.Has(f) {
		return fs
	}
	return append(fs, f)
}

// Has reports whether f is in the set.
func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Empty reports whether the set holds no flags.
func (fs Flags) Empty() bool { return len(fs) == 0 }

// Strings returns the flag names in insertion order.
func (fs Flags) Strings() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

func (fs Flags) String() string {
	return strings.Join(fs.Strings(), ",")
}
