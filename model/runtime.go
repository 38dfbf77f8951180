package model

import "time"

// RuntimeRecord summarises one completed batch for runtime estimation.
type RuntimeRecord struct {
	InstrumentName    string
	NumPoints         int
	NumNeutrons       int64
	FirstPointTime    time.Duration
	AvgSubsequentTime time.Duration
	TotalTime         time.Duration
	Timestamp         time.Time
}

// Usable reports whether the record can feed an estimate.
func (r RuntimeRecord) Usable() bool {
	return r.NumNeutrons > 0 && r.NumPoints > 0
}
