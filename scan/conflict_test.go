package scan

import (
	"testing"

	"github.com/signalsfoundry/tas-simulator/model"
)

func TestDetectConflict(t *testing.T) {
	cases := []struct {
		a, b model.Variable
		want ConflictKind
	}{
		{a: model.VarQx, b: model.VarQx, want: ConflictSameVariable},
		{a: model.VarQx, b: model.VarH, want: ConflictLinkedGroup},
		{a: model.VarL, b: model.VarQz, want: ConflictLinkedGroup},
		{a: model.VarOmega, b: model.VarA3, want: ConflictLinkedGroup},
		{a: model.VarPsi, b: model.VarOmega, want: ConflictLinkedGroup},
		{a: model.VarChi, b: model.VarKappa, want: ConflictLinkedGroup},
		{a: model.VarDeltaE, b: model.VarA4, want: ConflictLinkedGroup},
		{a: model.VarOmega, b: model.VarQy, want: ConflictOrientation},
		{a: model.VarK, b: model.VarChi, want: ConflictOrientation},
		{a: model.VarQx, b: model.VarK, want: ConflictFrame},
		{a: model.VarA2, b: model.VarDeltaE, want: ConflictFrame},
	}
	for _, tc := range cases {
		w := DetectConflict(tc.a, tc.b)
		if w == nil {
			t.Fatalf("DetectConflict(%s, %s) = nil, want %s", tc.a, tc.b, tc.want)
		}
		if w.Kind != tc.want {
			t.Fatalf("DetectConflict(%s, %s) kind = %s, want %s", tc.a, tc.b, w.Kind, tc.want)
		}
		if w.Message == "" {
			t.Fatalf("DetectConflict(%s, %s) has empty message", tc.a, tc.b)
		}
	}
}

func TestDetectConflictAllowsIndependentPairs(t *testing.T) {
	pairs := [][2]model.Variable{
		{model.VarQx, model.VarDeltaE},
		{model.VarH, model.VarK},
		{model.VarA3, model.VarA4},
		{model.VarRhm, model.VarQx},
		{model.VarOmega, model.VarRvm},
		{model.VarHblHgap, model.VarDeltaE},
		{model.VarQx, ""},
	}
	for _, p := range pairs {
		if w := DetectConflict(p[0], p[1]); w != nil {
			t.Fatalf("DetectConflict(%s, %s) = %s, want none", p[0], p[1], w.Message)
		}
	}
}

func TestQxAndHAlwaysConflict(t *testing.T) {
	for _, order := range [][2]model.Variable{{model.VarQx, model.VarH}, {model.VarH, model.VarQx}} {
		if DetectConflict(order[0], order[1]) == nil {
			t.Fatalf("DetectConflict(%s, %s) = nil", order[0], order[1])
		}
	}
}
