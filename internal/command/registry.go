package command

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrCapacityExceeded = errors.New("command: maximum connections exceeded")
	ErrDeviceNotFound   = errors.New("command: device not registered")
	ErrInvalidDevice    = errors.New("command: invalid device registration")
)

// CapabilityGSR marks devices eligible for GSR leadership.
const CapabilityGSR = "gsr_sensor"

type DeviceState string

const (
	StateDisconnected DeviceState = "disconnected"
	StateConnecting   DeviceState = "connecting"
	StateConnected    DeviceState = "connected"
	StateRecording    DeviceState = "recording"
	StateError        DeviceState = "error"
)

func ParseDeviceState(s string) (DeviceState, bool) {
	switch st := DeviceState(strings.TrimSpace(s)); st {
	case StateDisconnected, StateConnecting, StateConnected, StateRecording, StateError:
		return st, true
	default:
		return "", false
	}
}

// Live reports whether the record still occupies a registry slot.
func (s DeviceState) Live() bool { return s != StateDisconnected }

// electable states may receive GSR leadership on failover.
func (s DeviceState) electable() bool { return s == StateConnected || s == StateRecording }

type DeviceRecord struct {
	DeviceID      string      `json:"device_id"`
	DeviceType    string      `json:"device_type"`
	Capabilities  []string    `json:"capabilities"`
	Address       string      `json:"address"`
	Port          int         `json:"port"`
	State         DeviceState `json:"state"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	BatteryLevel  *float64    `json:"battery_level,omitempty"`
	IsGSRLeader   bool        `json:"is_gsr_leader"`
	GSRMode       string      `json:"gsr_mode,omitempty"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

func (d DeviceRecord) HasCapability(name string) bool {
	return slices.Contains(d.Capabilities, name)
}

func (d DeviceRecord) clone() DeviceRecord {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	if d.BatteryLevel != nil {
		v := *d.BatteryLevel
		out.BatteryLevel = &v
	}
	return out
}

// Registration is the registry input derived from a device_register message.
type Registration struct {
	DeviceID     string
	DeviceType   string
	Capabilities []string
	Address      string
	Port         int
	BatteryLevel *float64
	At           time.Time
}

type RegisterResult struct {
	Device   DeviceRecord
	Replaced bool
	Elected  bool
	// Demoted is set when a leader re-registered without gsr_sensor.
	Demoted  bool
	Promoted *DeviceRecord
}

// LeaderChange describes one leadership move inside the registry.
type LeaderChange struct {
	Leader   string
	Previous string
}

// Registry owns device records. Records keep registration order, which is
// the failover order for GSR leadership. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	max     int
	gsrMode string
	records map[string]*DeviceRecord
	order   []string
}

func NewRegistry(maxConnections int, gsrMode string) *Registry {
	if maxConnections <= 0 {
		maxConnections = DefaultConfig().MaxConnections
	}
	if strings.TrimSpace(gsrMode) == "" {
		gsrMode = DefaultConfig().GSRDefaultMode
	}
	return &Registry{
		max:     maxConnections,
		gsrMode: gsrMode,
		records: make(map[string]*DeviceRecord),
	}
}

// Register stores or refreshes a device. A live id is refreshed in place; a
// new live id beyond capacity fails with ErrCapacityExceeded and leaves the
// registry untouched. Disconnected records are evicted oldest first to keep
// the total at or under capacity.
func (r *Registry) Register(reg Registration) (RegisterResult, error) {
	id := strings.TrimSpace(reg.DeviceID)
	if id == "" {
		return RegisterResult{}, fmt.Errorf("%w: empty device_id", ErrInvalidDevice)
	}
	at := reg.At
	if at.IsZero() {
		at = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, found := r.records[id]
	replaced := found && existing.State.Live()
	if !replaced && r.liveCountLocked() >= r.max {
		return RegisterResult{}, fmt.Errorf("%w: device_id=%s max=%d", ErrCapacityExceeded, id, r.max)
	}

	rec := existing
	switch {
	case replaced:
	case found:
		// returning device: move to the back of the failover order
		r.removeOrderLocked(id)
		r.order = append(r.order, id)
		rec.RegisteredAt = at
	default:
		r.evictLocked(r.max - 1)
		rec = &DeviceRecord{DeviceID: id, RegisteredAt: at}
		r.records[id] = rec
		r.order = append(r.order, id)
	}

	rec.DeviceType = reg.DeviceType
	rec.Capabilities = slices.Clone(reg.Capabilities)
	rec.Address = reg.Address
	rec.Port = reg.Port
	rec.State = StateConnected
	rec.LastHeartbeat = at
	if reg.BatteryLevel != nil {
		v := *reg.BatteryLevel
		rec.BatteryLevel = &v
	}
	var (
		demoted  bool
		promoted *DeviceRecord
	)
	if rec.IsGSRLeader && !rec.HasCapability(CapabilityGSR) {
		rec.IsGSRLeader = false
		demoted = true
		promoted = r.promoteLocked(id)
	}

	elected := false
	if rec.HasCapability(CapabilityGSR) && r.leaderLocked() == nil {
		rec.IsGSRLeader = true
		rec.GSRMode = r.gsrMode
		elected = true
	}
	return RegisterResult{
		Device:   rec.clone(),
		Replaced: replaced,
		Elected:  elected,
		Demoted:  demoted,
		Promoted: promoted,
	}, nil
}

// Touch records a heartbeat for a live device.
func (r *Registry) Touch(id string, at time.Time, battery *float64) (DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.liveLocked(id)
	if err != nil {
		return DeviceRecord{}, err
	}
	rec.LastHeartbeat = at
	if battery != nil {
		v := *battery
		rec.BatteryLevel = &v
	}
	return rec.clone(), nil
}

// UpdateStatus applies a device_status report. Reporting disconnected goes
// through MarkDisconnected instead.
func (r *Registry) UpdateStatus(id string, state DeviceState, battery *float64, at time.Time) (DeviceRecord, error) {
	if state == StateDisconnected {
		return DeviceRecord{}, fmt.Errorf("%w: disconnected state must use MarkDisconnected", ErrInvalidDevice)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.liveLocked(id)
	if err != nil {
		return DeviceRecord{}, err
	}
	rec.State = state
	rec.LastHeartbeat = at
	if battery != nil {
		v := *battery
		rec.BatteryLevel = &v
	}
	return rec.clone(), nil
}

// Disconnection reports the effect of MarkDisconnected.
type Disconnection struct {
	Device    DeviceRecord
	WasLeader bool
	Promoted  *DeviceRecord
}

// MarkDisconnected retires a live device. When it held GSR leadership the
// first electable gsr_sensor device in registration order is promoted.
func (r *Registry) MarkDisconnected(id string) (Disconnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.liveLocked(id)
	if err != nil {
		return Disconnection{}, false
	}
	out := Disconnection{WasLeader: rec.IsGSRLeader}
	rec.State = StateDisconnected
	rec.IsGSRLeader = false
	out.Device = rec.clone()
	if out.WasLeader {
		out.Promoted = r.promoteLocked(id)
	}
	return out, true
}

// ProposeLeader handles a candidate proposal. The proposal wins when no live
// leader exists or score exceeds threshold. Devices without the gsr_sensor
// capability are never accepted.
func (r *Registry) ProposeLeader(id string, score, threshold float64) (bool, LeaderChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.liveLocked(id)
	if err != nil {
		return false, LeaderChange{}, err
	}
	if !rec.HasCapability(CapabilityGSR) {
		return false, LeaderChange{}, nil
	}
	current := r.leaderLocked()
	if current != nil && current.DeviceID == id {
		return true, LeaderChange{Leader: id, Previous: id}, nil
	}
	if current != nil && score <= threshold {
		return false, LeaderChange{}, nil
	}
	change := LeaderChange{Leader: id}
	if current != nil {
		current.IsGSRLeader = false
		change.Previous = current.DeviceID
	}
	rec.IsGSRLeader = true
	rec.GSRMode = r.gsrMode
	return true, change, nil
}

// Resign drops leadership held by id and promotes the next candidate.
func (r *Registry) Resign(id string) (*DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.liveLocked(id)
	if err != nil {
		return nil, err
	}
	if !rec.IsGSRLeader {
		return nil, nil
	}
	rec.IsGSRLeader = false
	return r.promoteLocked(id), nil
}

// Expired returns live device ids whose last heartbeat is older than timeout.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		rec := r.records[id]
		if !rec.State.Live() || rec.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(rec.LastHeartbeat) > timeout {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Device(id string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// Connected returns live devices in registration order.
func (r *Registry) Connected() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.order))
	for _, id := range r.order {
		if rec := r.records[id]; rec.State.Live() {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (r *Registry) Leader() (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.leaderLocked()
	if rec == nil {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// Snapshot returns every record, live or retired, in registration order.
func (r *Registry) Snapshot() []DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.liveCountLocked()
}

func (r *Registry) Capacity() int { return r.max }

func (r *Registry) liveLocked(id string) (*DeviceRecord, error) {
	rec, ok := r.records[id]
	if !ok || !rec.State.Live() {
		return nil, fmt.Errorf("%w: device_id=%s", ErrDeviceNotFound, id)
	}
	return rec, nil
}

func (r *Registry) liveCountLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.State.Live() {
			n++
		}
	}
	return n
}

func (r *Registry) leaderLocked() *DeviceRecord {
	for _, id := range r.order {
		rec := r.records[id]
		if rec.IsGSRLeader && rec.State.Live() {
			return rec
		}
	}
	return nil
}

func (r *Registry) promoteLocked(skip string) *DeviceRecord {
	for _, id := range r.order {
		if id == skip {
			continue
		}
		rec := r.records[id]
		if rec.State.electable() && rec.HasCapability(CapabilityGSR) {
			rec.IsGSRLeader = true
			rec.GSRMode = r.gsrMode
			out := rec.clone()
			return &out
		}
	}
	return nil
}

// evictLocked drops the oldest disconnected records until at most keep
// records remain.
func (r *Registry) evictLocked(keep int) {
	for len(r.records) > keep {
		victim := ""
		for _, id := range r.order {
			if !r.records[id].State.Live() {
				victim = id
				break
			}
		}
		if victim == "" {
			return
		}
		delete(r.records, victim)
		r.removeOrderLocked(victim)
	}
}

func (r *Registry) removeOrderLocked(id string) {
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}
