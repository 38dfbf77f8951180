package scan

import "github.com/signalsfoundry/tas-simulator/model"

func pumaState() *model.InstrumentState {
	return &model.InstrumentState{
		Instrument:  "PUMA",
		Arms:        model.ArmLengths{L1: 2.150, L2: 2.290, L3: 0.880, L4: 0.750},
		Mono:        &model.Crystal{Name: "PG[002]", DSpacing: 3.355},
		Ana:         &model.Crystal{Name: "PG[002]", DSpacing: 3.355},
		Mode:        model.KfFixed,
		FixedEnergy: 14.7,
		Lattice:     model.Lattice{A: 3.78, B: 3.78, C: 5.49, Alpha: 90, Beta: 90, Gamma: 90},
		Orientation: model.Orientation{Omega: 1.5},
	}
}

func mustPoint(p model.ScatteringPoint, err error) model.ScatteringPoint {
	if err != nil {
		panic(err)
	}
	return p
}
