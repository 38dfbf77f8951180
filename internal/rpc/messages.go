package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/estimator"
	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message bodies travel as structpb.Struct. Their fields follow the json
// tags of the types below.

// PointMessage selects a scattering point. Frame is momentum (default),
// rlu or angles; only the fields of that frame are read.
type PointMessage struct {
	Frame  string  `json:"frame,omitempty"`
	Qx     float64 `json:"qx,omitempty"`
	Qy     float64 `json:"qy,omitempty"`
	Qz     float64 `json:"qz,omitempty"`
	H      float64 `json:"h,omitempty"`
	K      float64 `json:"k,omitempty"`
	L      float64 `json:"l,omitempty"`
	A1     float64 `json:"a1,omitempty"`
	A2     float64 `json:"a2,omitempty"`
	A3     float64 `json:"a3,omitempty"`
	A4     float64 `json:"a4,omitempty"`
	DeltaE float64 `json:"delta_e,omitempty"`
}

func (m PointMessage) toModel() (model.ScatteringPoint, error) {
	switch m.Frame {
	case "", "momentum":
		return model.NewMomentumPoint(m.Qx, m.Qy, m.Qz, m.DeltaE)
	case "rlu":
		return model.NewRLUPoint(m.H, m.K, m.L, m.DeltaE)
	case "angles":
		return model.NewAnglePoint(m.A1, m.A2, m.A3, m.A4)
	default:
		return model.ScatteringPoint{}, fmt.Errorf("%w: unknown frame %q", ErrInvalidRequest, m.Frame)
	}
}

func pointMessage(p model.ScatteringPoint) PointMessage {
	return PointMessage{
		Frame:  p.Frame.String(),
		Qx:     p.Qx,
		Qy:     p.Qy,
		Qz:     p.Qz,
		H:      p.H,
		K:      p.K,
		L:      p.L,
		A1:     p.A1,
		A2:     p.A2,
		A3:     p.A3,
		A4:     p.A4,
		DeltaE: p.DeltaE,
	}
}

// Vector is a momentum transfer in 1/Å.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func vector(v kinematics.Vec3) Vector { return Vector{X: v.X, Y: v.Y, Z: v.Z} }

// SolveResponse is the answer of SolveAngles and SolveQ.
type SolveResponse struct {
	Q        Vector       `json:"q"`
	DeltaE   float64      `json:"delta_e"`
	Ei       float64      `json:"ei"`
	Ef       float64      `json:"ef"`
	Angles   model.Angles `json:"angles"`
	Flags    []string     `json:"flags"`
	Feasible bool         `json:"feasible"`
}

// PlanRequest describes one or two scan commands. Name and the run
// options are only read by RunScan.
type PlanRequest struct {
	Scan1          string `json:"scan1"`
	Scan2          string `json:"scan2,omitempty"`
	Relative1      bool   `json:"relative1,omitempty"`
	Relative2      bool   `json:"relative2,omitempty"`
	Neutrons       int64  `json:"neutrons,omitempty"`
	AllowConflicts bool   `json:"allow_conflicts,omitempty"`
	Name           string `json:"name,omitempty"`
}

// ConflictMessage reports conflicting scan variables.
type ConflictMessage struct {
	Kind    string `json:"kind"`
	First   string `json:"first"`
	Second  string `json:"second"`
	Message string `json:"message"`
}

// PlanResponse summarises a planned grid.
type PlanResponse struct {
	Cells         int              `json:"cells"`
	Valid         int              `json:"valid"`
	Invalid       int              `json:"invalid"`
	Deferred      bool             `json:"deferred"`
	Is2D          bool             `json:"is_2d"`
	Frame         string           `json:"frame"`
	Variables     []string         `json:"variables"`
	Conflict      *ConflictMessage `json:"conflict,omitempty"`
	Estimate      json.RawMessage  `json:"estimate,omitempty"`
	EstimateKnown bool             `json:"estimate_known"`
	EstimateText  string           `json:"estimate_text"`
}

// EstimateRequest asks for a runtime prediction.
type EstimateRequest struct {
	Instrument string `json:"instrument,omitempty"`
	Points     int    `json:"points"`
	Neutrons   int64  `json:"neutrons"`
}

// EstimateResponse carries durations in the canonical protobuf JSON form
// ("12.5s").
type EstimateResponse struct {
	Known    bool            `json:"known"`
	Compile  json.RawMessage `json:"compile,omitempty"`
	PerPoint json.RawMessage `json:"per_point,omitempty"`
	Total    json.RawMessage `json:"total,omitempty"`
	Text     string          `json:"text"`
	Records  int             `json:"records"`
}

// ConfigureRequest mirrors session.Update. Absent fields are left alone.
type ConfigureRequest struct {
	Mono        *string             `json:"mono,omitempty"`
	Ana         *string             `json:"ana,omitempty"`
	Mode        *model.FixedMode    `json:"mode,omitempty"`
	FixedEnergy *float64            `json:"fixed_energy,omitempty"`
	Focus       *model.FocusFactors `json:"focus,omitempty"`
	Collimation *model.Collimation  `json:"collimation,omitempty"`
	Lattice     *model.Lattice      `json:"lattice,omitempty"`
	Diagnostics []string            `json:"diagnostics,omitempty"`
	Params      map[string]float64  `json:"params,omitempty"`
	Point       *PointMessage       `json:"point,omitempty"`
}

// StateResponse is the live session state.
type StateResponse struct {
	State *model.InstrumentState `json:"state"`
	Point PointMessage           `json:"point"`
}

// AlignmentRequest optionally loads an exercise before grading.
type AlignmentRequest struct {
	Hash  string `json:"hash,omitempty"`
	Clear bool   `json:"clear,omitempty"`
}

// AlignmentAxis grades one axis.
type AlignmentAxis struct {
	Error  float64 `json:"error"`
	Status string  `json:"status"`
	Hint   string  `json:"hint"`
}

// AlignmentResponse grades psi and kappa against the hidden misalignment.
type AlignmentResponse struct {
	InPlane    AlignmentAxis `json:"in_plane"`
	OutOfPlane AlignmentAxis `json:"out_of_plane"`
	Overall    string        `json:"overall"`
}

// CancelResponse names the cancelled scan.
type CancelResponse struct {
	ScanID string `json:"scan_id"`
}

// InstrumentsResponse lists the catalog.
type InstrumentsResponse struct {
	Instruments []string `json:"instruments"`
	Active      string   `json:"active"`
}

// EventMessage is one streamed RunScan event. Type is progress, counts,
// point, time, message or done; the other fields depend on it.
type EventMessage struct {
	Type string `json:"type"`

	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`

	MaxCounts   float64 `json:"max_counts,omitempty"`
	TotalCounts float64 `json:"total_counts,omitempty"`

	Index   int      `json:"index,omitempty"`
	Row     int      `json:"row,omitempty"`
	Col     int      `json:"col,omitempty"`
	Is2D    bool     `json:"is_2d,omitempty"`
	Success bool     `json:"success,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
	Counts  float64  `json:"counts,omitempty"`
	Flags   []string `json:"flags,omitempty"`
	Error   string   `json:"error,omitempty"`
	Folder  string   `json:"folder,omitempty"`
	Elapsed float64  `json:"elapsed_seconds,omitempty"`

	Remaining  float64 `json:"remaining_seconds,omitempty"`
	Known      bool    `json:"known,omitempty"`
	UpperBound bool    `json:"upper_bound,omitempty"`
	Text       string  `json:"text,omitempty"`

	Summary *SummaryMessage `json:"summary,omitempty"`
}

// SummaryMessage closes a RunScan stream.
type SummaryMessage struct {
	ScanID      string  `json:"scan_id"`
	State       string  `json:"state"`
	Total       int     `json:"total"`
	Dispatched  int     `json:"dispatched"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	MaxCounts   float64 `json:"max_counts"`
	TotalCounts float64 `json:"total_counts"`
	Elapsed     float64 `json:"elapsed_seconds"`
	Recorded    bool    `json:"recorded"`
	Error       string  `json:"error,omitempty"`
}

func eventMessage(ev executor.Event) EventMessage {
	switch e := ev.(type) {
	case executor.ProgressEvent:
		return EventMessage{Type: "progress", Current: e.Current, Total: e.Total}
	case executor.CountsEvent:
		return EventMessage{Type: "counts", MaxCounts: e.Max, TotalCounts: e.Total}
	case executor.PointResult:
		return EventMessage{
			Type:    "point",
			Index:   e.Index,
			Row:     e.Row,
			Col:     e.Col,
			Is2D:    e.Is2D,
			Success: e.Success,
			Skipped: e.Skipped,
			Counts:  e.Counts,
			Flags:   e.Flags.Strings(),
			Error:   e.Error,
			Folder:  e.Folder,
			Elapsed: e.Elapsed.Seconds(),
		}
	case executor.TimeEvent:
		return EventMessage{Type: "time", Remaining: e.Remaining.Seconds(), Known: e.Known, UpperBound: e.UpperBound, Text: e.Text}
	case executor.MessageEvent:
		return EventMessage{Type: "message", Text: e.Text}
	case executor.DoneEvent:
		s := e.Summary
		sum := &SummaryMessage{
			ScanID:      s.ID,
			State:       s.State.String(),
			Total:       s.Total,
			Dispatched:  s.Dispatched,
			Succeeded:   s.Succeeded,
			Failed:      s.Failed,
			Skipped:     s.Skipped,
			MaxCounts:   s.MaxCounts,
			TotalCounts: s.TotalCounts,
			Elapsed:     s.Elapsed.Seconds(),
			Recorded:    s.Record != nil,
		}
		if s.Err != nil {
			sum.Error = s.Err.Error()
		}
		return EventMessage{Type: "done", Summary: sum}
	default:
		return EventMessage{Type: "unknown"}
	}
}

// durationJSON renders d in the protobuf JSON form of google.protobuf.Duration.
func durationJSON(d time.Duration) json.RawMessage {
	b, err := protojson.Marshal(durationpb.New(d))
	if err != nil {
		return nil
	}
	return b
}

// ParseDuration reads a duration field produced by the service.
func ParseDuration(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var d durationpb.Duration
	if err := protojson.Unmarshal(raw, &d); err != nil {
		return 0, err
	}
	if err := d.CheckValid(); err != nil {
		return 0, err
	}
	return d.AsDuration(), nil
}

func estimateResponse(est estimator.Estimate, ok bool, points, records int) EstimateResponse {
	out := EstimateResponse{Known: ok, Records: records}
	if !ok {
		out.Text = estimator.FormatDuration(0, false)
		return out
	}
	total := est.Total(points)
	out.Compile = durationJSON(est.Compile)
	out.PerPoint = durationJSON(est.PerPoint)
	out.Total = durationJSON(total)
	out.Text = estimator.FormatDuration(total, true)
	return out
}

// Encode converts a message into its wire form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode reads a wire message into v, rejecting unknown fields.
func Decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = new(structpb.Struct)
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}
