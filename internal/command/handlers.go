package command

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
)

// controllerID identifies the hub in messages it originates.
const controllerID = "pc_controller"

func (s *Service) registerDefaultHandlers() {
	s.Handle("device_register", s.handleDeviceRegister)
	s.Handle("device_heartbeat", s.handleDeviceHeartbeat)
	s.Handle("device_status", s.handleDeviceStatus)
	s.Handle("file_transfer_complete", s.handleFileTransferComplete)
	s.Handle("time_sync_request", s.handleTimeSyncRequest)
	s.Handle("gsr_data_batch", s.handleGSRDataBatch)
	s.Handle("gsr_leader_election", s.handleGSRLeaderElection)
}

func (s *Service) ack(ackFor string, details map[string]any) (catalog.Message, error) {
	fields := map[string]any{"ack_for": ackFor, "status": "success"}
	if details != nil {
		fields["details"] = details
	}
	return s.catalog.Create("ack", fields)
}

func (s *Service) handleDeviceRegister(_ context.Context, req *Request) (catalog.Message, error) {
	msg := req.Message
	id := strings.TrimSpace(msg.Str("device_id"))
	if id == "" {
		return nil, fmt.Errorf("%w: empty device_id", ErrInvalidDevice)
	}
	host, port := splitHostPort(req.RemoteAddr)
	reg := Registration{
		DeviceID:     id,
		DeviceType:   msg.Str("device_type"),
		Capabilities: msg.Strings("capabilities"),
		Address:      host,
		Port:         port,
		BatteryLevel: optionalNumber(msg, "battery_level"),
		At:           req.ReceivedAt,
	}
	if reg.DeviceType == "" {
		reg.DeviceType = "unknown"
	}
	// bind before the record commits so a superseded socket closing in
	// between cannot retire the fresh registration
	req.Bind(id)
	result, err := s.registry.Register(reg)
	if err != nil {
		s.unbind(req.conn, id)
		return nil, err
	}
	observability.SetConnectedDevices(s.registry.LiveCount())

	s.logger.Info().
		Str("device_id", result.Device.DeviceID).
		Str("device_type", result.Device.DeviceType).
		Strs("capabilities", result.Device.Capabilities).
		Bool("replaced", result.Replaced).
		Msg("device registered")
	s.events.connected.Publish(DeviceConnected{Device: result.Device, Replaced: result.Replaced})
	if result.Elected {
		s.logger.Info().Str("device_id", result.Device.DeviceID).Msg("GSR leader elected on registration")
		s.events.leader.Publish(LeaderChanged{Leader: result.Device.DeviceID, Reason: "first gsr device"})
	}
	if result.Demoted {
		change := LeaderChanged{Previous: id, Reason: "leader dropped gsr capability"}
		if result.Promoted != nil {
			change.Leader = result.Promoted.DeviceID
			s.logger.Info().Str("device_id", change.Leader).Str("previous", id).Msg("GSR leader promoted")
			s.notifyLeadership(result.Promoted.DeviceID, true, result.Promoted.GSRMode)
		} else {
			s.logger.Warn().Str("previous", id).Msg("GSR leader lost with no candidate")
		}
		s.events.leader.Publish(change)
	}

	return s.ack("device_register", map[string]any{
		"is_gsr_leader": result.Device.IsGSRLeader,
		"gsr_mode":      result.Device.GSRMode,
	})
}

func (s *Service) handleDeviceHeartbeat(_ context.Context, req *Request) (catalog.Message, error) {
	id := req.Message.Str("device_id")
	rec, err := s.registry.Touch(id, req.ReceivedAt, optionalNumber(req.Message, "battery_level"))
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("device_id", id).Msg("heartbeat")
	s.events.status.Publish(DeviceStatusChanged{Device: rec, Trigger: "device_heartbeat"})
	return s.ack("device_heartbeat", nil)
}

func (s *Service) handleDeviceStatus(_ context.Context, req *Request) (catalog.Message, error) {
	msg := req.Message
	id := msg.Str("device_id")
	state, ok := ParseDeviceState(msg.Str("status"))
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, msg.Str("status"))
	}
	if state == StateDisconnected {
		if _, found := s.registry.Device(id); !found {
			return nil, fmt.Errorf("%w: device_id=%s", ErrDeviceNotFound, id)
		}
		// explicit disconnect: reply first, the read loop retires the device
		req.CloseAfterReply()
		return s.ack("device_status", nil)
	}
	rec, err := s.registry.UpdateStatus(id, state, optionalNumber(msg, "battery_level"), req.ReceivedAt)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("device_id", id).Str("state", string(state)).Msg("status update")
	s.events.status.Publish(DeviceStatusChanged{Device: rec, Trigger: "device_status"})
	return s.ack("device_status", nil)
}

func (s *Service) handleFileTransferComplete(_ context.Context, req *Request) (catalog.Message, error) {
	msg := req.Message
	report := TransferReported{
		DeviceID:     msg.Str("device_id"),
		TransferID:   msg.Str("transfer_id"),
		Status:       msg.Str("status"),
		ErrorMessage: msg.Str("error_message"),
		Manifest:     msg.Object("manifest"),
		ReceivedAt:   req.ReceivedAt,
	}
	if n, ok := msg.Number("bytes_transferred"); ok {
		report.BytesTransferred = int64(n)
	}
	s.logger.Info().
		Str("device_id", report.DeviceID).
		Str("transfer_id", report.TransferID).
		Str("status", report.Status).
		Msg("file transfer reported")
	s.events.transfers.Publish(report)
	return s.ack("file_transfer_complete", nil)
}

func (s *Service) handleTimeSyncRequest(_ context.Context, req *Request) (catalog.Message, error) {
	now := s.now()
	delay := float64(now.Sub(req.ReceivedAt).Microseconds()) / 1000
	if delay < 0 {
		delay = 0
	}
	return s.catalog.Create("time_sync_response", map[string]any{
		"server_timestamp":    now.UTC().Format(time.RFC3339Nano),
		"client_timestamp":    req.Message["client_timestamp"],
		"processing_delay_ms": delay,
	})
}

func (s *Service) handleGSRDataBatch(_ context.Context, req *Request) (catalog.Message, error) {
	msg := req.Message
	batch := GSRBatch{
		DeviceID:   msg.Str("device_id"),
		SessionID:  msg.Str("session_id"),
		ReceivedAt: req.ReceivedAt,
	}
	if v, ok := msg.Number("sequence"); ok {
		batch.Sequence = int64(v)
	}
	if v, ok := msg.Number("sample_rate_hz"); ok {
		batch.SampleRate = v
	}
	for _, item := range msg.List("data_points") {
		if point, ok := item.(map[string]any); ok {
			batch.Points = append(batch.Points, point)
		}
	}
	s.logger.Debug().Str("device_id", batch.DeviceID).Int("points", len(batch.Points)).Msg("gsr batch")
	s.events.gsr.Publish(batch)
	return s.ack("gsr_data_batch", map[string]any{"points": len(batch.Points)})
}

func (s *Service) handleGSRLeaderElection(_ context.Context, req *Request) (catalog.Message, error) {
	msg := req.Message
	id := msg.Str("device_id")
	electionType := msg.Str("election_type")
	score, _ := msg.Number("priority_score")
	s.logger.Info().Str("device_id", id).Str("election_type", electionType).Float64("priority_score", score).Msg("gsr leader election")

	switch electionType {
	case "candidate":
		accepted, change, err := s.registry.ProposeLeader(id, score, s.cfg.LeaderPriorityThreshold)
		if err != nil {
			return nil, err
		}
		if !accepted {
			return s.ack("gsr_leader_election", map[string]any{"accepted": false})
		}
		if change.Previous != id {
			if change.Previous != "" {
				s.notifyLeadership(change.Previous, false, "")
			}
			s.logger.Info().Str("device_id", id).Str("previous", change.Previous).Msg("GSR leader elected by proposal")
			s.events.leader.Publish(LeaderChanged{Leader: id, Previous: change.Previous, Reason: "proposal accepted"})
		}
		return s.catalog.Create("gsr_leader_election", map[string]any{
			"device_id":      controllerID,
			"election_type":  "leader",
			"priority_score": 1.0,
		})
	case "resign":
		promoted, err := s.registry.Resign(id)
		if err != nil {
			return nil, err
		}
		if promoted != nil {
			s.notifyLeadership(promoted.DeviceID, true, promoted.GSRMode)
			s.events.leader.Publish(LeaderChanged{Leader: promoted.DeviceID, Previous: id, Reason: "leader resigned"})
		}
		return s.ack("gsr_leader_election", nil)
	default:
		if _, ok := s.registry.Device(id); !ok {
			return nil, fmt.Errorf("%w: device_id=%s", ErrDeviceNotFound, id)
		}
		return s.ack("gsr_leader_election", nil)
	}
}

func splitHostPort(addr string) (string, int) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portText)
	return host, port
}

func optionalNumber(msg catalog.Message, key string) *float64 {
	v, ok := msg.Number(key)
	if !ok {
		return nil
	}
	return &v
}
