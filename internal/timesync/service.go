package timesync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/rs/zerolog"
)

const (
	// RequestMinLen is the smallest accepted request: client ms + device id.
	RequestMinLen = 16
	ResponseLen   = 16

	maxDatagram = 512
)

// Stats is the per-device view of clock sync quality.
type Stats struct {
	DeviceID       string    `json:"device_id"`
	LastSync       time.Time `json:"last_sync"`
	OffsetMS       float64   `json:"offset_ms"`
	SyncCount      uint64    `json:"sync_count"`
	MedianOffsetMS float64   `json:"median_offset_ms"`
	P95OffsetMS    float64   `json:"p95_offset_ms"`
	RecentOffsets  []float64 `json:"recent_offsets"`
}

// Quality aggregates sync state across every device seen so far.
type Quality struct {
	TotalDevices        int     `json:"total_devices"`
	SynchronizedDevices int     `json:"synchronized_devices"`
	SyncRate            float64 `json:"sync_rate"`
	MedianOffsetMS      float64 `json:"overall_median_offset_ms"`
	P95OffsetMS         float64 `json:"overall_p95_offset_ms"`
}

type deviceStats struct {
	stats  Stats
	window *window
}

// Service answers UDP clock probes and tracks per-device offset statistics.
// Offsets are client send time minus server receive time with no round trip
// compensation. Safe for concurrent use.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*deviceStats

	now func() time.Time
}

func NewService(cfg Config) *Service {
	return &Service{
		cfg:     cfg.WithDefaults(),
		logger:  observability.Component("timesync"),
		devices: make(map[string]*deviceStats),
		now:     time.Now,
	}
}

func (s *Service) Config() Config { return s.cfg }

// DeviceIDFromRequest derives the device id from bytes 8..16 of a request.
func DeviceIDFromRequest(data []byte) (string, bool) {
	if len(data) < RequestMinLen {
		return "", false
	}
	return FormatDeviceID(binary.BigEndian.Uint64(data[8:16])), true
}

// FormatDeviceID renders the 8-byte device identifier the way stats are keyed.
func FormatDeviceID(v uint64) string {
	return fmt.Sprintf("device_%016x", v)
}

// HandleRequest processes one request and returns the 16-byte reply, or nil
// when the request is too short.
func (s *Service) HandleRequest(deviceID string, data []byte) []byte {
	if len(data) < RequestMinLen {
		s.logger.Warn().Str("device_id", deviceID).Int("len", len(data)).Msg("sync request too short")
		return nil
	}
	clientMS := binary.BigEndian.Uint64(data[:8])
	now := s.now()
	serverMS := now.UnixMilli()

	resp := make([]byte, ResponseLen)
	binary.BigEndian.PutUint64(resp[:8], clientMS)
	binary.BigEndian.PutUint64(resp[8:], uint64(serverMS))

	serverPrecise := float64(now.UnixMicro()) / 1000
	s.record(deviceID, float64(int64(clientMS))-serverPrecise, now)
	return resp
}

func (s *Service) record(deviceID string, offsetMS float64, at time.Time) {
	abs := math.Abs(offsetMS)

	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if !ok {
		dev = &deviceStats{
			stats:  Stats{DeviceID: deviceID},
			window: newWindow(s.cfg.HistorySize),
		}
		s.devices[deviceID] = dev
	}
	dev.window.add(abs)
	sorted := dev.window.sorted()
	dev.stats.LastSync = at
	dev.stats.OffsetMS = offsetMS
	dev.stats.SyncCount++
	dev.stats.MedianOffsetMS = median(sorted)
	dev.stats.P95OffsetMS = p95(sorted)
	snapshot := dev.stats
	s.mu.Unlock()

	observability.RecordSyncExchange(abs)
	if snapshot.MedianOffsetMS > s.cfg.TargetAccuracyMS {
		s.logger.Warn().Str("device_id", deviceID).Float64("median_offset_ms", snapshot.MedianOffsetMS).Float64("target_ms", s.cfg.TargetAccuracyMS).Msg("median offset above target")
	}
	if snapshot.P95OffsetMS > s.cfg.MaxOffsetMS {
		s.logger.Warn().Str("device_id", deviceID).Float64("p95_offset_ms", snapshot.P95OffsetMS).Float64("max_ms", s.cfg.MaxOffsetMS).Msg("p95 offset above maximum")
	}
	s.logger.Debug().
		Str("device_id", deviceID).
		Float64("offset_ms", offsetMS).
		Float64("median_offset_ms", snapshot.MedianOffsetMS).
		Float64("p95_offset_ms", snapshot.P95OffsetMS).
		Msg("sync exchange")
}

func (s *Service) DeviceStats(deviceID string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return Stats{}, false
	}
	return dev.snapshot(), true
}

func (s *Service) AllStats() map[string]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Stats, len(s.devices))
	for id, dev := range s.devices {
		out[id] = dev.snapshot()
	}
	return out
}

// IsSynchronized requires a sync within twice the sync interval, median at or
// under target accuracy, and p95 at or under the max offset.
func (s *Service) IsSynchronized(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	return s.synchronizedLocked(dev, s.now())
}

func (s *Service) synchronizedLocked(dev *deviceStats, now time.Time) bool {
	if dev.stats.LastSync.IsZero() {
		return false
	}
	if now.Sub(dev.stats.LastSync) > 2*s.cfg.SyncInterval {
		return false
	}
	return dev.stats.MedianOffsetMS <= s.cfg.TargetAccuracyMS && dev.stats.P95OffsetMS <= s.cfg.MaxOffsetMS
}

// Quality pools every device's window for the overall median and p95.
func (s *Service) Quality() Quality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := Quality{TotalDevices: len(s.devices)}
	if q.TotalDevices == 0 {
		return q
	}
	now := s.now()
	var pooled []float64
	for _, dev := range s.devices {
		if s.synchronizedLocked(dev, now) {
			q.SynchronizedDevices++
		}
		pooled = append(pooled, dev.window.values()...)
	}
	q.SyncRate = float64(q.SynchronizedDevices) / float64(q.TotalDevices)
	sort.Float64s(pooled)
	q.MedianOffsetMS = median(pooled)
	q.P95OffsetMS = p95(pooled)
	return q
}

func (d *deviceStats) snapshot() Stats {
	out := d.stats
	out.RecentOffsets = d.window.values()
	return out
}

// Run listens on the configured UDP address until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("time sync listening")
	return s.Serve(ctx, pc)
}

// Serve answers datagrams on pc until ctx is done. Each datagram is handled
// synchronously; malformed ones are logged and dropped.
func (s *Service) Serve(ctx context.Context, pc net.PacketConn) error {
	defer pc.Close()
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("time sync read failed")
			continue
		}
		data := buf[:n]
		deviceID, ok := DeviceIDFromRequest(data)
		if !ok {
			s.logger.Warn().Str("remote", addr.String()).Int("len", n).Msg("invalid time sync request: too short")
			continue
		}
		resp := s.HandleRequest(deviceID, data)
		if resp == nil {
			continue
		}
		if _, err := pc.WriteTo(resp, addr); err != nil {
			s.logger.Warn().Str("remote", addr.String()).Str("device_id", deviceID).Err(err).Msg("time sync reply failed")
		}
	}
}
