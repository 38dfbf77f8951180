package estimator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalsfoundry/tas-simulator/model"
)

// fileFormat is the on-disk layout: records keyed by instrument name, times
// in seconds.
type fileFormat struct {
	Records map[string][]recordJSON `json:"records"`
}

type recordJSON struct {
	InstrumentName    string  `json:"instrument_name"`
	NumPoints         int     `json:"num_points"`
	NumNeutrons       int64   `json:"num_neutrons"`
	FirstScanTime     float64 `json:"first_scan_time"`
	AvgSubsequentTime float64 `json:"avg_subsequent_time"`
	TotalTime         float64 `json:"total_time"`
	Timestamp         string  `json:"timestamp"`
}

// localTimestamp is accepted for files written without a zone offset.
const localTimestamp = "2006-01-02T15:04:05.999999"

func loadFile(path string) (map[string][]model.RuntimeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	out := make(map[string][]model.RuntimeRecord, len(f.Records))
	for name, recs := range f.Records {
		converted := make([]model.RuntimeRecord, 0, len(recs))
		for _, r := range recs {
			converted = append(converted, r.toModel(name))
		}
		out[name] = converted
	}
	return out, nil
}

func saveFile(path string, records map[string][]model.RuntimeRecord) error {
	f := fileFormat{Records: make(map[string][]recordJSON, len(records))}
	for name, recs := range records {
		wire := make([]recordJSON, 0, len(recs))
		for _, r := range recs {
			wire = append(wire, fromModel(r))
		}
		f.Records[name] = wire
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".runtimes-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (r recordJSON) toModel(instrument string) model.RuntimeRecord {
	name := r.InstrumentName
	if name == "" {
		name = instrument
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		ts, _ = time.ParseInLocation(localTimestamp, r.Timestamp, time.Local)
	}
	return model.RuntimeRecord{
		InstrumentName:    name,
		NumPoints:         r.NumPoints,
		NumNeutrons:       r.NumNeutrons,
		FirstPointTime:    seconds(r.FirstScanTime),
		AvgSubsequentTime: seconds(r.AvgSubsequentTime),
		TotalTime:         seconds(r.TotalTime),
		Timestamp:         ts,
	}
}

func fromModel(r model.RuntimeRecord) recordJSON {
	return recordJSON{
		InstrumentName:    r.InstrumentName,
		NumPoints:         r.NumPoints,
		NumNeutrons:       r.NumNeutrons,
		FirstScanTime:     r.FirstPointTime.Seconds(),
		AvgSubsequentTime: r.AvgSubsequentTime.Seconds(),
		TotalTime:         r.TotalTime.Seconds(),
		Timestamp:         r.Timestamp.Format(time.RFC3339Nano),
	}
}
