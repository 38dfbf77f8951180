package scan

import (
	"github.com/signalsfoundry/tas-simulator/model"
)

// DefaultDeferThreshold is the cell count above which validation moves to
// execution time.
const DefaultDeferThreshold = 10000

// FilterReport summarises a feasibility pass. When Deferred is true the
// counts are unavailable and every cell stays ValidityUnknown.
type FilterReport struct {
	Deferred bool
	Total    int
	Valid    int
	Invalid  int
}

// Filter classifies every cell of g against state, writing Validity and
// Flags in place. Grids larger than threshold are left untouched and
// reported as deferred; a threshold <= 0 disables deferral.
func Filter(g *Grid, state *model.InstrumentState, threshold int) FilterReport {
	rep := FilterReport{Total: g.Len()}
	if threshold > 0 && g.Len() > threshold {
		rep.Deferred = true
		return rep
	}
	for i := range g.Cells {
		c := &g.Cells[i]
		res := Resolve(c.Point, state)
		c.Flags = res.Flags
		if res.Feasible() {
			c.Validity = Valid
			rep.Valid++
		} else {
			c.Validity = Invalid
			rep.Invalid++
		}
	}
	return rep
}

// Runnable returns the cells that may be handed to the controller: the
// valid ones, or all of them when validation has not happened yet.
func (g *Grid) Runnable() []Cell {
	out := make([]Cell, 0, len(g.Cells))
	for _, c := range g.Cells {
		if c.Validity != Invalid {
			out = append(out, c)
		}
	}
	return out
}
