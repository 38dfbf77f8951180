// Package alignment implements the sample alignment exercise: a hidden
// misalignment is shared as an opaque hash, and the user's psi/kappa
// offsets are graded against it.
package alignment

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/tas-simulator/model"
)

// ErrInvalidHash is returned by Decode for input that is not a
// misalignment hash.
var ErrInvalidHash = errors.New("invalid misalignment hash")

var key = []byte("TAVI_ALIGN_2026")

// Encode packs m as two little-endian float32 values, obfuscates them with
// the shared key and returns URL-safe base64.
func Encode(m model.Misalignment) string {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(float32(m.Omega)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(float32(m.Chi)))
	return base64.URLEncoding.EncodeToString(xor(buf))
}

// Decode reverses Encode. Values come back at float32 precision.
func Decode(hash string) (model.Misalignment, error) {
	raw, err := base64.URLEncoding.DecodeString(hash)
	if err != nil {
		return model.Misalignment{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != 8 {
		return model.Misalignment{}, fmt.Errorf("%w: want 8 bytes, got %d", ErrInvalidHash, len(raw))
	}
	buf := xor(raw)
	omega := math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4]))
	chi := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))
	if isBad(omega) || isBad(chi) {
		return model.Misalignment{}, fmt.Errorf("%w: non-finite angle", ErrInvalidHash)
	}
	return model.Misalignment{Omega: float64(omega), Chi: float64(chi)}, nil
}

func xor(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

func isBad(f float32) bool {
	v := float64(f)
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Status grades one alignment axis.
type Status string

const (
	StatusAligned Status = "aligned"
	StatusClose   Status = "close"
	StatusWayOff  Status = "way_off"
)

func (s Status) rank() int {
	switch s {
	case StatusAligned:
		return 0
	case StatusClose:
		return 1
	default:
		return 2
	}
}

// Tolerances are the grading thresholds in degrees.
type Tolerances struct {
	Good  float64
	Close float64
}

// DefaultTolerances grades within 0.2° as aligned and within 1° as close.
func DefaultTolerances() Tolerances {
	return Tolerances{Good: 0.2, Close: 1.0}
}

// Axis is the grade of one offset.
type Axis struct {
	Error  float64
	Status Status
	Hint   string
}

// Result grades both offsets. Overall is the worse of the two.
type Result struct {
	InPlane    Axis
	OutOfPlane Axis
	Overall    Status
}

// Check grades the user's offsets against the hidden misalignment with the
// default tolerances. A perfect correction is the negated misalignment.
func Check(userPsi, userKappa float64, mis model.Misalignment) Result {
	return CheckWith(userPsi, userKappa, mis, DefaultTolerances())
}

// CheckWith is Check with explicit tolerances.
func CheckWith(userPsi, userKappa float64, mis model.Misalignment, tol Tolerances) Result {
	in := grade(math.Abs(userPsi+mis.Omega), tol)
	out := grade(math.Abs(userKappa+mis.Chi), tol)
	overall := in.Status
	if out.Status.rank() > overall.rank() {
		overall = out.Status
	}
	return Result{InPlane: in, OutOfPlane: out, Overall: overall}
}

func grade(err float64, tol Tolerances) Axis {
	a := Axis{Error: err}
	switch {
	case err <= tol.Good:
		a.Status = StatusAligned
		a.Hint = "Well aligned!"
	case err <= tol.Close:
		a.Status = StatusClose
		a.Hint = fmt.Sprintf("Close (~%.1f° off)", err)
	case err <= 5.0:
		a.Status = StatusWayOff
		a.Hint = fmt.Sprintf("Getting there (~%.1f° off)", err)
	default:
		a.Status = StatusWayOff
		a.Hint = fmt.Sprintf("Way off (>%.0f°)", err)
	}
	return a
}
