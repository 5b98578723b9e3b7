package command

import (
	"time"

	"github.com/danmuck/sensorhub/internal/events"
)

type DeviceConnected struct {
	Device   DeviceRecord
	Replaced bool
}

type DeviceDisconnected struct {
	Device    DeviceRecord
	WasLeader bool
	Reason    string
}

type DeviceStatusChanged struct {
	Device  DeviceRecord
	Trigger string
}

// LeaderChanged is published whenever GSR leadership moves. Leader is empty
// when no candidate remained.
type LeaderChanged struct {
	Leader   string
	Previous string
	Reason   string
}

// TransferReported carries a device's file_transfer_complete report. Manifest
// is the raw manifest object when the device supplied one.
type TransferReported struct {
	DeviceID         string
	TransferID       string
	Status           string
	BytesTransferred int64
	ErrorMessage     string
	Manifest         map[string]any
	ReceivedAt       time.Time
}

type GSRBatch struct {
	DeviceID   string           `json:"device_id"`
	SessionID  string           `json:"session_id,omitempty"`
	Sequence   int64            `json:"sequence"`
	SampleRate float64          `json:"sample_rate_hz,omitempty"`
	Points     []map[string]any `json:"data_points"`
	ReceivedAt time.Time        `json:"received_at"`
}

// SessionChanged is published after a session_start or session_stop
// broadcast. Results holds per-device delivery.
type SessionChanged struct {
	SessionID   string          `json:"session_id"`
	SessionName string          `json:"session_name,omitempty"`
	Active      bool            `json:"active"`
	Results     map[string]bool `json:"results"`
}

type eventBuses struct {
	connected    events.Bus[DeviceConnected]
	disconnected events.Bus[DeviceDisconnected]
	status       events.Bus[DeviceStatusChanged]
	leader       events.Bus[LeaderChanged]
	transfers    events.Bus[TransferReported]
	gsr          events.Bus[GSRBatch]
	sessions     events.Bus[SessionChanged]
}

func (s *Service) OnDeviceConnected(fn func(DeviceConnected)) events.Subscription {
	return s.events.connected.Subscribe(fn)
}

func (s *Service) OnDeviceDisconnected(fn func(DeviceDisconnected)) events.Subscription {
	return s.events.disconnected.Subscribe(fn)
}

func (s *Service) OnDeviceStatusChanged(fn func(DeviceStatusChanged)) events.Subscription {
	return s.events.status.Subscribe(fn)
}

func (s *Service) OnLeaderChanged(fn func(LeaderChanged)) events.Subscription {
	return s.events.leader.Subscribe(fn)
}

func (s *Service) OnTransferReported(fn func(TransferReported)) events.Subscription {
	return s.events.transfers.Subscribe(fn)
}

func (s *Service) OnGSRBatch(fn func(GSRBatch)) events.Subscription {
	return s.events.gsr.Subscribe(fn)
}

func (s *Service) OnSessionChanged(fn func(SessionChanged)) events.Subscription {
	return s.events.sessions.Subscribe(fn)
}
