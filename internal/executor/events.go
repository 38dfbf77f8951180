package executor

import (
	"time"

	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
)

// State is the lifecycle state of a batch.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Event is anything the worker reports while a batch runs. The concrete
// types are ProgressEvent, CountsEvent, PointResult, TimeEvent, MessageEvent
// and DoneEvent.
type Event interface {
	isEvent()
}

// ProgressEvent reports that cell Current of Total has been processed.
type ProgressEvent struct {
	Current int
	Total   int
}

// CountsEvent carries the running maximum and sum of detector counts.
type CountsEvent struct {
	Max   float64
	Total float64
}

// PointResult is the outcome of one cell. Skipped cells were never
// dispatched and carry the flags that excluded them.
type PointResult struct {
	Index    int
	Row, Col int
	Is2D     bool

	Success bool
	Skipped bool
	Counts  float64
	Flags   kinematics.Flags
	Error   string

	Folder  string
	Elapsed time.Duration
}

// TimeEvent is a remaining-time estimate. Known is false when no estimate
// is available yet. UpperBound is set while unvalidated cells remain, since
// any of them may turn out infeasible and be skipped.
type TimeEvent struct {
	Remaining  time.Duration
	Known      bool
	UpperBound bool
	Text       string
}

// MessageEvent is a human-readable status line.
type MessageEvent struct {
	Text string
}

// DoneEvent is always the last event of a run.
type DoneEvent struct {
	Summary Summary
}

func (ProgressEvent) isEvent() {}
func (CountsEvent) isEvent()   {}
func (PointResult) isEvent()   {}
func (TimeEvent) isEvent()     {}
func (MessageEvent) isEvent()  {}
func (DoneEvent) isEvent()     {}

// Summary describes a finished run.
type Summary struct {
	ID    string
	State State

	Total      int
	Dispatched int
	Succeeded  int
	Failed     int
	Skipped    int

	MaxCounts   float64
	TotalCounts float64
	Elapsed     time.Duration

	// Record is the runtime record written for a completed run, if any.
	Record *model.RuntimeRecord
	// Err is set when State is StateFailed.
	Err error
}
