package command

import (
	"context"
	"sync"

	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/google/uuid"
)

// BroadcastCommand delivers msg to every target independently and reports
// per-device success. A nil targets slice means every bound device. Unknown
// or unbound targets report false. One failed write never affects others.
func (s *Service) BroadcastCommand(ctx context.Context, msg catalog.Message, targets []string) map[string]bool {
	body, err := msg.Encode()
	results := make(map[string]bool)
	if targets == nil {
		targets = s.boundDevices()
	}
	if err != nil {
		s.logger.Error().Err(err).Str("message_type", msg.Type()).Msg("broadcast encode failed")
		for _, id := range targets {
			results[id] = false
		}
		return results
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range targets {
		dc := s.connFor(id)
		if dc == nil {
			results[id] = false
			observability.RecordBroadcast(msg.Type(), false)
			continue
		}
		wg.Add(1)
		go func(id string, dc *deviceConn) {
			defer wg.Done()
			ok := ctx.Err() == nil
			if ok {
				if err := dc.write(body, s.cfg.limits(), s.cfg.WriteTimeout); err != nil {
					s.logger.Warn().Err(err).Str("device_id", id).Str("message_type", msg.Type()).Msg("broadcast delivery failed")
					ok = false
				} else {
					observability.RecordFrame("out")
				}
			}
			observability.RecordBroadcast(msg.Type(), ok)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
		}(id, dc)
	}
	wg.Wait()
	return results
}

func (s *Service) boundDevices() []string {
	live := s.registry.Connected()
	out := make([]string, 0, len(live))
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, rec := range live {
		if _, ok := s.byDevice[rec.DeviceID]; ok {
			out = append(out, rec.DeviceID)
		}
	}
	return out
}

// StartRecordingSession broadcasts session_start. An empty name becomes
// Session_<first 8 chars of id>.
func (s *Service) StartRecordingSession(ctx context.Context, sessionID, sessionName string) (map[string]bool, error) {
	if sessionName == "" {
		short := sessionID
		if len(short) > 8 {
			short = short[:8]
		}
		sessionName = "Session_" + short
	}
	msg, err := s.catalog.Create("session_start", map[string]any{
		"session_id":   sessionID,
		"session_name": sessionName,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Msg("starting recording session on all devices")
	results := s.BroadcastCommand(ctx, msg, nil)
	s.events.sessions.Publish(SessionChanged{SessionID: sessionID, SessionName: sessionName, Active: true, Results: results})
	return results, nil
}

func (s *Service) StopRecordingSession(ctx context.Context, sessionID string) (map[string]bool, error) {
	msg, err := s.catalog.Create("session_stop", map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", sessionID).Msg("stopping recording session on all devices")
	results := s.BroadcastCommand(ctx, msg, nil)
	s.events.sessions.Publish(SessionChanged{SessionID: sessionID, Active: false, Results: results})
	return results, nil
}

// SendSyncFlash broadcasts a white full-intensity flash of durationMS.
func (s *Service) SendSyncFlash(ctx context.Context, durationMS int) (map[string]bool, error) {
	if durationMS <= 0 {
		durationMS = 100
	}
	msg, err := s.catalog.Create("sync_flash", map[string]any{
		"duration_ms": durationMS,
		"intensity":   1.0,
		"color":       "white",
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("duration_ms", durationMS).Msg("sending sync flash to all devices")
	return s.BroadcastCommand(ctx, msg, nil), nil
}

// SendSyncMark broadcasts a marker with a fresh mark_id and returns it.
func (s *Service) SendSyncMark(ctx context.Context, markType string, metadata map[string]any) (string, map[string]bool, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	markID := uuid.NewString()
	msg, err := s.catalog.Create("sync_mark", map[string]any{
		"mark_type": markType,
		"mark_id":   markID,
		"metadata":  metadata,
	})
	if err != nil {
		return "", nil, err
	}
	s.logger.Info().Str("mark_type", markType).Str("mark_id", markID).Msg("sending sync mark to all devices")
	return markID, s.BroadcastCommand(ctx, msg, nil), nil
}
