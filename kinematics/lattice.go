package kinematics

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/tas-simulator/model"
)

// ErrInvalidLattice is returned for unit cells with no positive volume.
var ErrInvalidLattice = errors.New("invalid lattice")

// Reciprocal maps Miller indices to momentum transfer for one unit cell.
// a* lies along x and b* in the xy plane; b is upper triangular.
type Reciprocal struct {
	b [3][3]float64
}

// NewReciprocal builds the reciprocal basis of l. Reciprocal lengths carry
// the 2π factor so HKLToQ returns Å⁻¹.
func NewReciprocal(l model.Lattice) (*Reciprocal, error) {
	if l.A <= 0 || l.B <= 0 || l.C <= 0 {
		return nil, fmt.Errorf("%w: lengths must be positive (a=%g b=%g c=%g)", ErrInvalidLattice, l.A, l.B, l.C)
	}
	for _, ang := range []float64{l.Alpha, l.Beta, l.Gamma} {
		if ang <= 0 || ang >= 180 {
			return nil, fmt.Errorf("%w: angle %g outside (0, 180)", ErrInvalidLattice, ang)
		}
	}

	ca, cb, cg := math.Cos(deg2rad(l.Alpha)), math.Cos(deg2rad(l.Beta)), math.Cos(deg2rad(l.Gamma))
	sa, sb, sg := math.Sin(deg2rad(l.Alpha)), math.Sin(deg2rad(l.Beta)), math.Sin(deg2rad(l.Gamma))

	volTerm := 1 - ca*ca - cb*cb - cg*cg + 2*ca*cb*cg
	if volTerm <= 0 {
		return nil, fmt.Errorf("%w: angles (%g, %g, %g) enclose no volume", ErrInvalidLattice, l.Alpha, l.Beta, l.Gamma)
	}
	vol := l.A * l.B * l.C * math.Sqrt(volTerm)

	aStar := 2 * math.Pi * l.B * l.C * sa / vol
	bStar := 2 * math.Pi * l.A * l.C * sb / vol
	cStar := 2 * math.Pi * l.A * l.B * sg / vol

	caStar := (cb*cg - ca) / (sb * sg)
	cbStar := (ca*cg - cb) / (sa * sg)
	cgStar := (ca*cb - cg) / (sa * sb)
	sgStar := math.Sqrt(1 - cgStar*cgStar)

	recTerm := 1 - caStar*caStar - cbStar*cbStar - cgStar*cgStar + 2*caStar*cbStar*cgStar
	if recTerm <= 0 || sgStar == 0 {
		return nil, fmt.Errorf("%w: degenerate reciprocal cell", ErrInvalidLattice)
	}

	r := &Reciprocal{}
	r.b[0] = [3]float64{aStar, bStar * cgStar, cStar * cbStar}
	r.b[1] = [3]float64{0, bStar * sgStar, cStar * (caStar - cbStar*cgStar) / sgStar}
	r.b[2] = [3]float64{0, 0, cStar * math.Sqrt(recTerm) / sgStar}
	return r, nil
}

// HKLToQ converts Miller indices to momentum transfer.
func (r *Reciprocal) HKLToQ(h, k, l float64) Vec3 {
	return Vec3{
		X: r.b[0][0]*h + r.b[0][1]*k + r.b[0][2]*l,
		Y: r.b[1][1]*k + r.b[1][2]*l,
		Z: r.b[2][2] * l,
	}
}

// QToHKL converts momentum transfer back to Miller indices.
func (r *Reciprocal) QToHKL(q Vec3) (h, k, l float64) {
	l = q.Z / r.b[2][2]
	k = (q.Y - r.b[1][2]*l) / r.b[1][1]
	h = (q.X - r.b[0][1]*k - r.b[0][2]*l) / r.b[0][0]
	return h, k, l
}

// HKLToQ is a one-shot conversion for callers without a cached Reciprocal.
func HKLToQ(lat model.Lattice, h, k, l float64) (Vec3, error) {
	r, err := NewReciprocal(lat)
	if err != nil {
		return Vec3{}, err
	}
	return r.HKLToQ(h, k, l), nil
}

// QToHKL is a one-shot conversion for callers without a cached Reciprocal.
func QToHKL(lat model.Lattice, q Vec3) (h, k, l float64, err error) {
	r, err := NewReciprocal(lat)
	if err != nil {
		return 0, 0, 0, err
	}
	h, k, l = r.QToHKL(q)
	return h, k, l, nil
}
