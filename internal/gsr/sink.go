package gsr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/transfer"
	"github.com/rs/zerolog"
)

type key struct {
	session string
	device  string
}

type entry struct {
	ds    Dataset
	dirty bool
}

// Sink collects GSR batches per session and device. Safe for concurrent use.
type Sink struct {
	cfg    Config
	logger zerolog.Logger

	// writeMu orders file writes so a checkpoint never lands after the final
	// dataset of the same session.
	writeMu sync.Mutex

	mu        sync.Mutex
	active    map[key]*entry
	completed map[key]Summary
	started   map[string]time.Time
	ended     map[string]bool

	now func() time.Time
}

func NewSink(cfg Config) *Sink {
	return &Sink{
		cfg:       cfg.WithDefaults(),
		logger:    observability.Component("gsr"),
		active:    make(map[key]*entry),
		completed: make(map[key]Summary),
		started:   make(map[string]time.Time),
		ended:     make(map[string]bool),
		now:       time.Now,
	}
}

func (s *Sink) Config() Config { return s.cfg }

// Path is where the dataset for sessionID and deviceID is written.
func (s *Sink) Path(sessionID, deviceID string) string {
	return transfer.SessionPath(s.cfg.DataDir, sessionID, deviceID, "gsr_"+sessionID+"_"+deviceID+".json")
}

// StartSession opens sessionID. Batches for sessions never started are
// accepted too; starting only fixes the dataset start time. Restarting an
// ended session reopens it.
func (s *Sink) StartSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.started[sessionID]; ok && !s.ended[sessionID] {
		s.logger.Warn().Str("session_id", sessionID).Msg("gsr session already active")
		return
	}
	s.started[sessionID] = s.now()
	delete(s.ended, sessionID)
	s.logger.Info().Str("session_id", sessionID).Msg("gsr session started")
}

// Record folds one batch into its dataset and returns the number of points
// kept. Batches for an ended session are dropped.
func (s *Sink) Record(b command.GSRBatch) int {
	session := strings.TrimSpace(b.SessionID)
	if session == "" || strings.TrimSpace(b.DeviceID) == "" {
		s.logger.Warn().Str("device_id", b.DeviceID).Msg("gsr batch without session or device dropped")
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended[session] {
		s.logger.Warn().Str("session_id", session).Str("device_id", b.DeviceID).Int("points", len(b.Points)).Msg("gsr batch for ended session dropped")
		return 0
	}
	k := key{session: session, device: b.DeviceID}
	e := s.active[k]
	if e == nil {
		started, ok := s.started[session]
		if !ok {
			started = b.ReceivedAt
			if started.IsZero() {
				started = s.now()
			}
			s.started[session] = started
		}
		e = &entry{ds: Dataset{Summary: Summary{
			SessionID: session,
			DeviceID:  b.DeviceID,
			Mode:      s.cfg.Mode,
			Status:    StatusActive,
			StartedAt: started,
			Path:      s.Path(session, b.DeviceID),
		}}}
		s.active[k] = e
	}
	ds := &e.ds

	if ds.Batches > 0 && b.Sequence > 0 && b.Sequence != ds.LastSequence+1 {
		ds.SequenceGaps++
		s.logger.Debug().Str("device_id", b.DeviceID).Int64("expected", ds.LastSequence+1).Int64("got", b.Sequence).Msg("gsr sequence gap")
	}
	ds.Batches++
	ds.LastSequence = b.Sequence
	if b.SampleRate > 0 {
		ds.ReportedRateHz = b.SampleRate
	}

	kept := 0
	maxGapMS := float64(s.cfg.MaxGap.Milliseconds())
	for _, raw := range b.Points {
		point := catalog.Message(raw)
		ts, okTS := point.Number("timestamp_ms")
		value, okValue := point.Number("gsr_us")
		if !okTS || !okValue {
			ds.Dropped++
			continue
		}
		sample := Sample{TimestampMS: ts, GSRMicrosiemens: value}
		if q, ok := point.Number("quality"); ok {
			sample.Quality = &q
			if ds.Quality == nil {
				ds.Quality = &Stats{}
			}
			ds.Quality.add(q)
		}
		if n := len(ds.Samples); n > 0 {
			prev := ds.Samples[n-1].TimestampMS
			switch {
			case ts <= prev:
				ds.OutOfOrder++
			case ts-prev > maxGapMS:
				ds.LargeGaps++
				s.logger.Warn().Str("device_id", b.DeviceID).Float64("gap_ms", ts-prev).Msg("large gap in gsr data")
			}
		}
		ds.Samples = append(ds.Samples, sample)
		ds.Values.add(value)
		kept++
	}
	ds.SampleCount = len(ds.Samples)
	e.dirty = true
	observability.RecordGSRPoints(kept)
	return kept
}

// EndSession finalizes and writes every dataset of sessionID. Later batches
// for the session are dropped until it is started again.
func (s *Sink) EndSession(sessionID string) ([]Summary, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.ended[sessionID] = true
	now := s.now()
	var finals []Dataset
	for k, e := range s.active {
		if k.session != sessionID {
			continue
		}
		ds := e.ds
		ds.Status = StatusCompleted
		ds.EndedAt = now
		ds.SampleRateHz = measuredRate(ds.Samples)
		finals = append(finals, ds)
		s.completed[k] = ds.Summary
		delete(s.active, k)
	}
	s.mu.Unlock()

	sortDatasets(finals)
	summaries := make([]Summary, 0, len(finals))
	var errs []error
	for _, ds := range finals {
		if err := s.write(ds); err != nil {
			errs = append(errs, err)
		}
		summaries = append(summaries, ds.Summary)
		s.logger.Info().
			Str("session_id", ds.SessionID).
			Str("device_id", ds.DeviceID).
			Int("samples", ds.SampleCount).
			Float64("sample_rate_hz", ds.SampleRateHz).
			Float64("mean_gsr_us", ds.Values.Mean).
			Msg("gsr dataset finalized")
	}
	return summaries, errors.Join(errs...)
}

// Flush writes a checkpoint of every active dataset changed since the last
// write.
func (s *Sink) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	var pending []Dataset
	for _, e := range s.active {
		if !e.dirty {
			continue
		}
		ds := e.ds
		ds.Samples = append([]Sample(nil), e.ds.Samples...)
		ds.SampleRateHz = measuredRate(ds.Samples)
		pending = append(pending, ds)
		e.dirty = false
	}
	s.mu.Unlock()

	sortDatasets(pending)
	var errs []error
	for _, ds := range pending {
		if err := s.write(ds); err != nil {
			errs = append(errs, err)
			s.markDirty(key{session: ds.SessionID, device: ds.DeviceID})
		}
	}
	return errors.Join(errs...)
}

// Close writes outstanding checkpoints. Active sessions stay active on disk.
func (s *Sink) Close() error { return s.Flush() }

func (s *Sink) markDirty(k key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.active[k]; e != nil {
		e.dirty = true
	}
}

func (s *Sink) write(ds Dataset) error {
	err := writeDataset(ds.Path, ds)
	observability.RecordGSRDatasetWrite(err == nil)
	if err != nil {
		s.logger.Error().Err(err).Str("path", ds.Path).Msg("gsr dataset write failed")
		return fmt.Errorf("session %s device %s: %w", ds.SessionID, ds.DeviceID, err)
	}
	return nil
}

// Summaries lists active and completed datasets ordered by session then
// device.
func (s *Sink) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.active)+len(s.completed))
	for _, e := range s.active {
		sum := e.ds.Summary
		sum.SampleRateHz = measuredRate(e.ds.Samples)
		out = append(out, sum)
	}
	for _, sum := range s.completed {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Session returns the datasets of sessionID.
func (s *Sink) Session(sessionID string) ([]Summary, bool) {
	var out []Summary
	for _, sum := range s.Summaries() {
		if sum.SessionID == sessionID {
			out = append(out, sum)
		}
	}
	return out, len(out) > 0
}

func sortDatasets(ds []Dataset) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].DeviceID < ds[j].DeviceID })
}
