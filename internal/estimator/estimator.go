// Package estimator keeps a bounded, persisted history of completed scans
// per instrument and predicts how long the next one will take.
package estimator

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/model"
)

const (
	// DefaultMaxRecords is the per-instrument retention cap.
	DefaultMaxRecords = 100
	// DefaultPath is where the history lives unless TAS_RUNTIME_HISTORY says otherwise.
	DefaultPath = "config/runtimes.json"
)

// PathFromEnv returns TAS_RUNTIME_HISTORY or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("TAS_RUNTIME_HISTORY"); p != "" {
		return p
	}
	return DefaultPath
}

// Estimate is a prediction split into the one-time compile overhead and
// the cost of each point at the requested neutron count.
type Estimate struct {
	Compile  time.Duration
	PerPoint time.Duration
}

// Total is Compile + points·PerPoint.
func (e Estimate) Total(points int) time.Duration {
	return e.Compile + time.Duration(points)*e.PerPoint
}

// History is the runtime store. All methods are safe for concurrent use.
type History struct {
	mu         sync.RWMutex
	path       string
	maxRecords int
	records    map[string][]model.RuntimeRecord
	log        logging.Logger
}

// Option customises a History.
type Option func(*History)

// WithMaxRecords overrides the per-instrument retention cap.
func WithMaxRecords(n int) Option {
	return func(h *History) {
		if n > 0 {
			h.maxRecords = n
		}
	}
}

// WithLogger attaches a logger for persistence warnings.
func WithLogger(l logging.Logger) Option {
	return func(h *History) {
		if l != nil {
			h.log = l
		}
	}
}

// Open loads the history at path. A missing or unreadable file yields an
// empty history; Open never fails. An empty path keeps the history in
// memory only.
func Open(ctx context.Context, path string, opts ...Option) *History {
	h := &History{
		path:       path,
		maxRecords: DefaultMaxRecords,
		records:    make(map[string][]model.RuntimeRecord),
		log:        logging.Noop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if path == "" {
		return h
	}

	records, err := loadFile(path)
	switch {
	case err == nil:
		for name, recs := range records {
			h.records[name] = h.trim(recs)
		}
		h.log.Debug(ctx, "runtime history loaded", logging.String("path", path), logging.Int("instruments", len(records)))
	case os.IsNotExist(err):
		h.log.Debug(ctx, "no runtime history yet", logging.String("path", path))
	default:
		h.log.Warn(ctx, "ignoring unreadable runtime history", logging.String("path", path), logging.Err(err))
	}
	return h
}

// AddRecord appends rec to its instrument's history, evicting the oldest
// records beyond the cap, and persists the store. The in-memory history is
// updated even when writing fails.
func (h *History) AddRecord(ctx context.Context, rec model.RuntimeRecord) error {
	h.mu.Lock()
	recs := append(h.records[rec.InstrumentName], rec)
	h.records[rec.InstrumentName] = h.trim(recs)
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	if h.path == "" {
		return nil
	}
	if err := saveFile(h.path, snapshot); err != nil {
		h.log.Warn(ctx, "failed to persist runtime history", logging.String("path", h.path), logging.Err(err))
		return err
	}
	return nil
}

// Estimate predicts compile overhead and per-point run time for the given
// neutron count. It reports false when the instrument has no usable history.
//
// Compile overhead is the mean of the positive (first - average of rest)
// differences, or zero when none is positive. Per-point time is linear in
// neutron count: the mean of avgSubsequent/neutrons scaled to neutrons.
func (h *History) Estimate(instrument string, neutrons int64) (Estimate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var (
		compileSum float64
		compileN   int
		perNeutron float64
		usable     int
	)
	for _, r := range h.records[instrument] {
		if !r.Usable() {
			continue
		}
		usable++
		perNeutron += r.AvgSubsequentTime.Seconds() / float64(r.NumNeutrons)
		if diff := (r.FirstPointTime - r.AvgSubsequentTime).Seconds(); diff > 0 {
			compileSum += diff
			compileN++
		}
	}
	if usable == 0 {
		return Estimate{}, false
	}

	var est Estimate
	if compileN > 0 {
		est.Compile = seconds(compileSum / float64(compileN))
	}
	est.PerPoint = seconds(perNeutron / float64(usable) * float64(neutrons))
	return est, true
}

// EstimateTotal predicts a whole batch. It reports false when Estimate does.
func (h *History) EstimateTotal(instrument string, points int, neutrons int64) (time.Duration, bool) {
	est, ok := h.Estimate(instrument, neutrons)
	if !ok {
		return 0, false
	}
	return est.Total(points), true
}

// HasData reports whether any record exists for instrument.
func (h *History) HasData(instrument string) bool {
	return h.RecordCount(instrument) > 0
}

// RecordCount returns the number of stored records for instrument.
func (h *History) RecordCount(instrument string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records[instrument])
}

// Records returns a copy of the stored records for instrument, oldest first.
func (h *History) Records(instrument string) []model.RuntimeRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]model.RuntimeRecord(nil), h.records[instrument]...)
}

// Instruments lists the instruments with history, sorted.
func (h *History) Instruments() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.records))
	for name := range h.records {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *History) trim(recs []model.RuntimeRecord) []model.RuntimeRecord {
	if len(recs) > h.maxRecords {
		recs = append([]model.RuntimeRecord(nil), recs[len(recs)-h.maxRecords:]...)
	}
	return recs
}

func (h *History) snapshotLocked() map[string][]model.RuntimeRecord {
	out := make(map[string][]model.RuntimeRecord, len(h.records))
	for name, recs := range h.records {
		out[name] = append([]model.RuntimeRecord(nil), recs...)
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
