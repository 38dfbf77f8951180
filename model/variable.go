package model

// Variable names a scannable quantity: a coordinate of a ScatteringPoint
// or an instrument setting carried alongside it.
type Variable string

const (
	VarQx     Variable = "qx"
	VarQy     Variable = "qy"
	VarQz     Variable = "qz"
	VarH      Variable = "H"
	VarK      Variable = "K"
	VarL      Variable = "L"
	VarDeltaE Variable = "deltaE"

	VarA1 Variable = "A1" // monochromator 2θ
	VarA2 Variable = "A2" // sample 2θ
	VarA3 Variable = "A3" // sample θ
	VarA4 Variable = "A4" // analyzer 2θ

	VarOmega Variable = "omega"
	VarChi   Variable = "chi"
	VarPsi   Variable = "psi"
	VarKappa Variable = "kappa"

	VarRhm Variable = "rhm"
	VarRvm Variable = "rvm"
	VarRha Variable = "rha"
	VarRva Variable = "rva"

	VarHblHgap    Variable = "hbl_hgap"
	VarHblVgap    Variable = "hbl_vgap"
	VarVblHgap    Variable = "vbl_hgap"
	VarPblHgap    Variable = "pbl_hgap"
	VarPblVgap    Variable = "pbl_vgap"
	VarPblHoffset Variable = "pbl_hoffset"
	VarPblVoffset Variable = "pbl_voffset"
	VarDblHgap    Variable = "dbl_hgap"
)

// Frame returns the coordinate frame a variable belongs to, or FrameNone
// for instrument settings that do not define the scattering condition.
func (v Variable) Frame() Frame {
	switch v {
	case VarQx, VarQy, VarQz:
		return FrameMomentum
	case VarH, VarK, VarL:
		return FrameRLU
	case VarA1, VarA2, VarA3, VarA4:
		return FrameAngles
	default:
		return FrameNone
	}
}

// IsCoordinate reports whether v is stored on the point itself rather
// than as an instrument setting.
func (v Variable) IsCoordinate() bool {
	return v.Frame() != FrameNone || v == VarDeltaE
}
