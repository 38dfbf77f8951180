package scan

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
)

func TestEncodeNumber(t *testing.T) {
	cases := map[float64]string{
		2.1:      "2p1",
		-0.25:    "m0p25",
		0:        "0",
		3:        "3",
		1.23456:  "1p2346",
		-0.00001: "0",
	}
	for in, want := range cases {
		if got := EncodeNumber(in); got != want {
			t.Fatalf("EncodeNumber(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestFolderNameRoundTrip(t *testing.T) {
	p := mustPoint(model.NewMomentumPoint(2.1, 0, 0, 3.25))
	p, _ = p.With(model.VarPblHgap, 0.05)
	res := Resolution{Q: kinematics.Vec3{X: 2.1}, DeltaE: 3.25}
	name := FolderName(p, res, model.BendingRadii{Rhm: 6.31, Rvm: 0.78, Rha: 2.3, Rva: 0.8})

	want := "qx_2p1_qy_0_qz_0_dE_3p25_rhm_6p31_rvm_0p78_rha_2p3_rva_0p8_pblh_0p05"
	if name != want {
		t.Fatalf("FolderName = %q, want %q", name, want)
	}

	vals, err := ParseFolderName(name + "_2")
	if err != nil {
		t.Fatalf("ParseFolderName: %v", err)
	}
	if vals["qx"] != 2.1 || vals["dE"] != 3.25 || vals["pblh"] != 0.05 {
		t.Fatalf("ParseFolderName = %v", vals)
	}
	if _, err := ParseFolderName("qx_2p1_qy"); !errors.Is(err, ErrBadFolderName) {
		t.Fatalf("ParseFolderName(odd) err = %v, want ErrBadFolderName", err)
	}
}
