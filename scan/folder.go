package scan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/tas-simulator/model"
)

// ErrBadFolderName is returned by ParseFolderName.
var ErrBadFolderName = errors.New("malformed point folder name")

// FolderName names the output folder of one point from its resolved Q and
// energy transfer, the bending radii and any settings the point overrides.
// Minus signs become "m" and decimal points "p".
func FolderName(p model.ScatteringPoint, res Resolution, radii model.BendingRadii) string {
	parts := []string{
		"qx", EncodeNumber(res.Q.X),
		"qy", EncodeNumber(res.Q.Y),
		"qz", EncodeNumber(res.Q.Z),
		"dE", EncodeNumber(res.DeltaE),
		"rhm", EncodeNumber(radii.Rhm),
		"rvm", EncodeNumber(radii.Rvm),
		"rha", EncodeNumber(radii.Rha),
		"rva", EncodeNumber(radii.Rva),
	}
	for _, v := range p.Settings() {
		if KindOf(v) == KindBending {
			continue
		}
		val, _ := p.Value(v)
		parts = append(parts, variables[v].short, EncodeNumber(val))
	}
	return strings.Join(parts, "_")
}

// EncodeNumber prints x with at most 4 decimals, trailing zeros trimmed,
// "-" as "m" and "." as "p".
func EncodeNumber(x float64) string {
	s := strconv.FormatFloat(x, 'f', 4, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	if s == "-0" {
		s = "0"
	}
	return strings.NewReplacer("-", "m", ".", "p").Replace(s)
}

// DecodeNumber reverses EncodeNumber.
func DecodeNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.NewReplacer("m", "-", "p", ".").Replace(s), 64)
}

// ParseFolderName decodes a FolderName back into key/value pairs. A trailing
// collision counter ("_2") is ignored.
func ParseFolderName(name string) (map[string]float64, error) {
	tokens := strings.Split(name, "_")
	if len(tokens)%2 == 1 {
		if _, err := strconv.Atoi(tokens[len(tokens)-1]); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadFolderName, name)
		}
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadFolderName, name)
	}
	out := make(map[string]float64, len(tokens)/2)
	for i := 0; i < len(tokens); i += 2 {
		v, err := DecodeNumber(tokens[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadFolderName, tokens[i+1], err)
		}
		out[tokens[i]] = v
	}
	return out, nil
}
