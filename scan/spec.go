package scan

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/signalsfoundry/tas-simulator/model"
)

// MaxPoints bounds the number of values a single spec may generate.
const MaxPoints = 100000

var (
	ErrTokenCount    = errors.New("scan command needs exactly 4 tokens: <variable> <start> <end> <step>")
	ErrBadNumber     = errors.New("not a finite number")
	ErrZeroStep      = errors.New("step must not be zero")
	ErrStepSign      = errors.New("step sign disagrees with end - start")
	ErrTooManyPoints = errors.New("scan generates too many points")
)

// ParseError wraps a rejected scan command with the offending field.
type ParseError struct {
	Text  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("scan %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("scan %q: %s: %v", e.Text, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ScanSpec is one validated range command.
type ScanSpec struct {
	Variable model.Variable
	Start    float64
	End      float64
	Step     float64
}

// NewScanSpec validates a range over v.
func NewScanSpec(v model.Variable, start, end, step float64) (ScanSpec, error) {
	if _, ok := variables[v]; !ok {
		return ScanSpec{}, &UnknownVariableError{Name: string(v), Suggestion: suggest(string(v))}
	}
	for _, x := range []float64{start, end, step} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ScanSpec{}, ErrBadNumber
		}
	}
	if step == 0 {
		return ScanSpec{}, ErrZeroStep
	}
	if diff := end - start; diff != 0 && (diff > 0) != (step > 0) {
		return ScanSpec{}, fmt.Errorf("%w: %g to %g by %g", ErrStepSign, start, end, step)
	}
	s := ScanSpec{Variable: v, Start: start, End: end, Step: step}
	if s.Count() > MaxPoints {
		return ScanSpec{}, fmt.Errorf("%w: %d > %d", ErrTooManyPoints, s.Count(), MaxPoints)
	}
	return s, nil
}

// ParseScanSpec parses "<variable> <start> <end> <step>".
func ParseScanSpec(text string) (ScanSpec, error) {
	tokens := strings.Fields(text)
	if len(tokens) != 4 {
		return ScanSpec{}, &ParseError{Text: text, Err: ErrTokenCount}
	}
	v, err := Lookup(tokens[0])
	if err != nil {
		return ScanSpec{}, &ParseError{Text: text, Field: "variable", Err: err}
	}

	var nums [3]float64
	for i, field := range []string{"start", "end", "step"} {
		x, err := strconv.ParseFloat(tokens[i+1], 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return ScanSpec{}, &ParseError{Text: text, Field: field, Err: fmt.Errorf("%w: %q", ErrBadNumber, tokens[i+1])}
		}
		nums[i] = x
	}

	s, err := NewScanSpec(v, nums[0], nums[1], nums[2])
	if err != nil {
		field := "step"
		if errors.Is(err, ErrTooManyPoints) {
			field = ""
		}
		return ScanSpec{}, &ParseError{Text: text, Field: field, Err: err}
	}
	return s, nil
}

// Count is round(|end-start|/|step|) + 1.
func (s ScanSpec) Count() int {
	if s.End == s.Start || s.Step == 0 {
		return 1
	}
	return int(math.Round(math.Abs(s.End-s.Start)/math.Abs(s.Step))) + 1
}

func (s ScanSpec) String() string {
	return fmt.Sprintf("%s %s %s %s", s.Variable, formatNumber(s.Start), formatNumber(s.End), formatNumber(s.Step))
}

// GenerateValues interpolates Count() values between start and
// start + step·(count-1), rounded to 3 decimals. Values that collapse
// onto their predecessor after rounding are dropped.
func GenerateValues(s ScanSpec) []float64 {
	n := s.Count()
	if n == 1 {
		return []float64{round3(s.Start)}
	}
	last := s.Start + s.Step*float64(n-1)
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := round3(s.Start + (last-s.Start)*float64(i)/float64(n-1))
		if len(out) > 0 && out[len(out)-1] == v {
			continue
		}
		out = append(out, v)
	}
	return out
}

func round3(x float64) float64 {
	r := math.Round(x*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}

func formatNumber(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}
