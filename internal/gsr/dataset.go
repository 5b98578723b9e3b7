package gsr

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

type Sample struct {
	TimestampMS     float64  `json:"timestamp_ms"`
	GSRMicrosiemens float64  `json:"gsr_us"`
	Quality         *float64 `json:"quality,omitempty"`
}

// Stats is a running min/max/mean.
type Stats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

func (s *Stats) add(v float64) {
	s.Count++
	if s.Count == 1 {
		s.Min, s.Max, s.Mean = v, v, v
		return
	}
	s.Min = math.Min(s.Min, v)
	s.Max = math.Max(s.Max, v)
	s.Mean += (v - s.Mean) / float64(s.Count)
}

// Summary describes a dataset without its samples.
type Summary struct {
	SessionID      string    `json:"session_id"`
	DeviceID       string    `json:"device_id"`
	Mode           string    `json:"mode"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	Batches        int       `json:"batches"`
	LastSequence   int64     `json:"last_sequence"`
	SequenceGaps   int       `json:"sequence_gaps"`
	Dropped        int       `json:"dropped_points"`
	OutOfOrder     int       `json:"out_of_order"`
	LargeGaps      int       `json:"large_gaps"`
	ReportedRateHz float64   `json:"reported_sample_rate_hz,omitempty"`
	SampleRateHz   float64   `json:"sample_rate_hz"`
	Values         Stats     `json:"gsr_us_stats"`
	Quality        *Stats    `json:"quality_stats,omitempty"`
	SampleCount    int       `json:"sample_count"`
	Path           string    `json:"path,omitempty"`
}

// Dataset is the file written for one session and device.
type Dataset struct {
	Summary
	Samples []Sample `json:"samples"`
}

// measuredRate derives samples per second from device timestamps.
func measuredRate(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0].TimestampMS, samples[0].TimestampMS
	for _, s := range samples[1:] {
		first = math.Min(first, s.TimestampMS)
		last = math.Max(last, s.TimestampMS)
	}
	span := (last - first) / 1000
	if span <= 0 {
		return 0
	}
	return float64(len(samples)-1) / span
}

// LoadDataset reads a dataset file written by a Sink.
func LoadDataset(path string) (Dataset, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("read gsr dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(body, &ds); err != nil {
		return Dataset{}, fmt.Errorf("decode gsr dataset %s: %w", path, err)
	}
	ds.SampleCount = len(ds.Samples)
	return ds, nil
}

func writeDataset(path string, ds Dataset) error {
	body, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode gsr dataset: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write gsr dataset: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write gsr dataset: %w", err)
	}
	return nil
}
