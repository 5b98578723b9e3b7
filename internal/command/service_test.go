package command

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/protocol/frame"
	"github.com/danmuck/sensorhub/internal/testutil/testlog"
)

const ioTimeout = 2 * time.Second

func startService(t *testing.T, cfg Config) (*Service, string) {
	t.Helper()
	cat, err := catalog.LoadDefault()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	svc := NewService(cfg, cat)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(ioTimeout):
			t.Errorf("serve did not stop")
		}
	})
	return svc, ln.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	c, err := Dial(ctx, addr, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func registerDevice(t *testing.T, c *Client, id string, caps ...string) catalog.Message {
	t.Helper()
	if caps == nil {
		caps = []string{}
	}
	resp, err := c.Request(catalog.Message{
		"message_type": "device_register",
		"message_id":   "reg-" + id,
		"device_id":    id,
		"device_type":  "android_phone",
		"capabilities": caps,
	}, ioTimeout)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if resp.Type() != "ack" || resp.ID() != "reg-"+id {
		t.Fatalf("register %s: unexpected reply %v", id, resp)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func liveLeaders(svc *Service) []string {
	var out []string
	for _, rec := range svc.Registry().Connected() {
		if rec.IsGSRLeader {
			out = append(out, rec.DeviceID)
		}
	}
	return out
}

func TestLeaderFailoverAcrossConnections(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})

	var mu sync.Mutex
	var changes []LeaderChanged
	svc.OnLeaderChanged(func(ev LeaderChanged) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ev)
	})

	a := dial(t, addr)
	b := dial(t, addr)
	c := dial(t, addr)
	registerDevice(t, a, "A", "thermal_camera")
	ackB := registerDevice(t, b, "B", CapabilityGSR)
	registerDevice(t, c, "C", CapabilityGSR)

	if details := ackB.Object("details"); details["is_gsr_leader"] != true {
		t.Fatalf("B should learn leadership from ack, got %v", ackB)
	}
	if l := liveLeaders(svc); len(l) != 1 || l[0] != "B" {
		t.Fatalf("expected leader B, got %v", l)
	}

	_ = b.Close()
	waitFor(t, "C promoted", func() bool {
		l := liveLeaders(svc)
		return len(l) == 1 && l[0] == "C"
	})

	push, err := c.Receive(ioTimeout)
	if err != nil {
		t.Fatalf("receive assignment: %v", err)
	}
	if push.Type() != "gsr_leader_assignment" || push.Str("device_id") != "C" {
		t.Fatalf("unexpected push: %v", push)
	}
	if isLeader, _ := push.Bool("is_leader"); !isLeader {
		t.Fatalf("expected is_leader=true: %v", push)
	}

	rec, _ := svc.Registry().Device("B")
	if rec.State != StateDisconnected || rec.IsGSRLeader {
		t.Fatalf("B should be retired without leadership: %+v", rec)
	}
	waitFor(t, "leader events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if changes[1].Leader != "C" || changes[1].Previous != "B" {
		t.Fatalf("unexpected leader events: %+v", changes)
	}
}

func TestOversizedFrameClosesOnlyThatConnection(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{MaxMessageSize: 1024 * 1024})
	good := dial(t, addr)
	registerDevice(t, good, "good")

	bad := dial(t, addr)
	if err := bad.WriteBytes(frame.EncodeHeader(2 * 1024 * 1024)); err != nil {
		t.Fatalf("write oversized header: %v", err)
	}
	if msg, err := bad.Receive(ioTimeout); err == nil {
		t.Fatalf("expected closed connection, got reply %v", msg)
	}

	resp, err := good.Request(catalog.Message{"message_type": "device_heartbeat", "device_id": "good"}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("healthy connection affected: resp=%v err=%v", resp, err)
	}

	fresh := dial(t, addr)
	registerDevice(t, fresh, "fresh")
	if svc.Registry().LiveCount() != 2 {
		t.Fatalf("expected two live devices, got %d", svc.Registry().LiveCount())
	}
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	testlog.Start(t)

	_, addr := startService(t, Config{})
	c := dial(t, addr)

	if err := c.SendRaw([]byte("{not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := c.Receive(ioTimeout)
	if err != nil || resp.Type() != "error" || resp.Str("error_message") != "Invalid JSON format" {
		t.Fatalf("expected invalid json reply, got %v err=%v", resp, err)
	}

	resp, err = c.Request(catalog.Message{"message_type": "teleport", "message_id": "m-1"}, ioTimeout)
	if err != nil || resp.Str("error_code") != CodeInvalidMessage || resp.ID() != "m-1" {
		t.Fatalf("expected INVALID_MESSAGE echoing id, got %v err=%v", resp, err)
	}

	resp, err = c.Request(catalog.Message{"message_type": "device_status", "device_id": "x", "status": "sleeping"}, ioTimeout)
	if err != nil || resp.Str("error_code") != CodeInvalidMessage || resp.ID() == "" {
		t.Fatalf("expected schema rejection with generated id, got %v err=%v", resp, err)
	}
	if details := resp.Object("details"); details["field"] != "status" {
		t.Fatalf("expected field detail, got %v", resp)
	}

	resp, err = c.Request(catalog.Message{"message_type": "device_heartbeat", "device_id": "nobody"}, ioTimeout)
	if err != nil || resp.Str("error_code") != CodeDeviceNotRegistered {
		t.Fatalf("expected DEVICE_NOT_REGISTERED, got %v err=%v", resp, err)
	}

	resp, err = c.Request(catalog.Message{"message_type": "session_stop", "session_id": "s"}, ioTimeout)
	if err != nil || resp.Str("error_code") != CodeUnknownMessageType {
		t.Fatalf("expected UNKNOWN_MESSAGE_TYPE for unhandled type, got %v err=%v", resp, err)
	}

	registerDevice(t, c, "still-open")
}

func TestCapacityExceededReply(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{MaxConnections: 1})
	registerDevice(t, dial(t, addr), "first")

	second := dial(t, addr)
	resp, err := second.Request(catalog.Message{
		"message_type": "device_register",
		"device_id":    "second",
		"device_type":  "android_phone",
		"capabilities": []string{},
	}, ioTimeout)
	if err != nil || resp.Str("error_code") != CodeResourceUnavailable {
		t.Fatalf("expected RESOURCE_UNAVAILABLE, got %v err=%v", resp, err)
	}
	if svc.Registry().Len() != 1 {
		t.Fatalf("registry grew past capacity: %d", svc.Registry().Len())
	}
}

func TestTimeSyncRequestOverCommandChannel(t *testing.T) {
	testlog.Start(t)

	_, addr := startService(t, Config{})
	c := dial(t, addr)
	resp, err := c.Request(catalog.Message{
		"message_type":     "time_sync_request",
		"device_id":        "d",
		"client_timestamp": 1700000000123.0,
	}, ioTimeout)
	if err != nil || resp.Type() != "time_sync_response" {
		t.Fatalf("unexpected reply %v err=%v", resp, err)
	}
	if v, _ := resp.Number("client_timestamp"); v != 1700000000123 {
		t.Fatalf("client timestamp not echoed: %v", resp)
	}
	if resp.Str("server_timestamp") == "" {
		t.Fatalf("missing server timestamp: %v", resp)
	}
}

func TestHeartbeatSweepDisconnects(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{ConnectionTimeout: 30 * time.Second})
	disconnected := make(chan DeviceDisconnected, 1)
	svc.OnDeviceDisconnected(func(ev DeviceDisconnected) { disconnected <- ev })

	c := dial(t, addr)
	registerDevice(t, c, "sleepy")

	expired := svc.sweep(time.Now().Add(time.Minute))
	if len(expired) != 1 || expired[0] != "sleepy" {
		t.Fatalf("expected sleepy expired, got %v", expired)
	}
	select {
	case ev := <-disconnected:
		if ev.Reason != "heartbeat timeout" || ev.Device.DeviceID != "sleepy" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(ioTimeout):
		t.Fatalf("no disconnect event")
	}
	if _, err := c.Receive(ioTimeout); err == nil {
		t.Fatalf("expected socket closed after timeout")
	}
}

func TestStatusUpdatesAndExplicitDisconnect(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	statuses := make(chan DeviceStatusChanged, 4)
	svc.OnDeviceStatusChanged(func(ev DeviceStatusChanged) { statuses <- ev })

	c := dial(t, addr)
	registerDevice(t, c, "cam")
	resp, err := c.Request(catalog.Message{
		"message_type":  "device_status",
		"device_id":     "cam",
		"status":        "recording",
		"battery_level": 42,
	}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("status reply %v err=%v", resp, err)
	}
	ev := <-statuses
	if ev.Device.State != StateRecording || ev.Device.BatteryLevel == nil || *ev.Device.BatteryLevel != 42 {
		t.Fatalf("unexpected status event: %+v", ev.Device)
	}

	resp, err = c.Request(catalog.Message{"message_type": "device_status", "device_id": "cam", "status": "disconnected"}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("disconnect reply %v err=%v", resp, err)
	}
	waitFor(t, "cam retired", func() bool {
		rec, _ := svc.Registry().Device("cam")
		return rec.State == StateDisconnected
	})
}

func TestBroadcastsReachEveryBoundDevice(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	clients := map[string]*Client{"d1": dial(t, addr), "d2": dial(t, addr)}
	for id, c := range clients {
		registerDevice(t, c, id)
	}

	results, err := svc.StartRecordingSession(context.Background(), "abcdef0123456789", "")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if len(results) != 2 || !results["d1"] || !results["d2"] {
		t.Fatalf("unexpected results: %v", results)
	}
	for id, c := range clients {
		msg, err := c.Receive(ioTimeout)
		if err != nil || msg.Type() != "session_start" || msg.Str("session_name") != "Session_abcdef01" {
			t.Fatalf("%s: unexpected broadcast %v err=%v", id, msg, err)
		}
	}

	markID, results, err := svc.SendSyncMark(context.Background(), "stimulus", map[string]any{"trial": 3})
	if err != nil || markID == "" || !results["d1"] || !results["d2"] {
		t.Fatalf("sync mark: id=%q results=%v err=%v", markID, results, err)
	}
	for _, c := range clients {
		msg, _ := c.Receive(ioTimeout)
		if msg.Str("mark_id") != markID {
			t.Fatalf("mark id mismatch: %v", msg)
		}
	}

	flash, err := svc.SendSyncFlash(context.Background(), 150)
	if err != nil || len(flash) != 2 {
		t.Fatalf("flash: %v err=%v", flash, err)
	}
	for _, c := range clients {
		msg, _ := c.Receive(ioTimeout)
		if v, _ := msg.Number("duration_ms"); msg.Type() != "sync_flash" || v != 150 {
			t.Fatalf("unexpected flash: %v", msg)
		}
	}

	msg, _ := svc.Catalog().Create("session_stop", map[string]any{"session_id": "s"})
	partial := svc.BroadcastCommand(context.Background(), msg, []string{"d1", "missing"})
	if !partial["d1"] || partial["missing"] {
		t.Fatalf("unexpected targeted results: %v", partial)
	}
}

func TestCustomHandlerOverride(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	svc.Handle("recording_start", func(_ context.Context, req *Request) (catalog.Message, error) {
		return svc.ack("recording_start", map[string]any{"session_id": req.Message.Str("session_id")})
	})
	c := dial(t, addr)
	resp, err := c.Request(catalog.Message{"message_type": "recording_start", "session_id": "s-9"}, ioTimeout)
	if err != nil || resp.Str("ack_for") != "recording_start" {
		t.Fatalf("unexpected reply %v err=%v", resp, err)
	}
}

func TestTransferReportAndGSRBatchEvents(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	reports := make(chan TransferReported, 1)
	batches := make(chan GSRBatch, 1)
	svc.OnTransferReported(func(ev TransferReported) { reports <- ev })
	svc.OnGSRBatch(func(ev GSRBatch) { batches <- ev })

	c := dial(t, addr)
	resp, err := c.Request(catalog.Message{
		"message_type": "file_transfer_complete",
		"device_id":    "d",
		"transfer_id":  "t-1",
		"status":       "completed",
		"manifest": map[string]any{
			"filename":   "gsr.csv",
			"size_bytes": 10,
			"checksum":   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			"session_id": "s",
		},
	}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("transfer report reply %v err=%v", resp, err)
	}
	if ev := <-reports; ev.TransferID != "t-1" || ev.Manifest["filename"] != "gsr.csv" {
		t.Fatalf("unexpected report: %+v", ev)
	}

	resp, err = c.Request(catalog.Message{
		"message_type": "gsr_data_batch",
		"device_id":    "d",
		"session_id":   "s",
		"data_points":  []any{map[string]any{"timestamp_ms": 1, "gsr_us": 2.5}},
	}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("gsr reply %v err=%v", resp, err)
	}
	if ev := <-batches; len(ev.Points) != 1 || ev.SessionID != "s" {
		t.Fatalf("unexpected batch: %+v", ev)
	}
}

func TestLeaderElectionProposal(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	b := dial(t, addr)
	c := dial(t, addr)
	registerDevice(t, b, "B", CapabilityGSR)
	registerDevice(t, c, "C", CapabilityGSR)

	resp, err := c.Request(catalog.Message{
		"message_type":   "gsr_leader_election",
		"device_id":      "C",
		"election_type":  "candidate",
		"priority_score": 0.5,
	}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("low score reply %v err=%v", resp, err)
	}

	resp, err = c.Request(catalog.Message{
		"message_type":   "gsr_leader_election",
		"device_id":      "C",
		"election_type":  "candidate",
		"priority_score": 0.9,
	}, ioTimeout)
	if err != nil || resp.Type() != "gsr_leader_election" || resp.Str("device_id") != controllerID {
		t.Fatalf("high score reply %v err=%v", resp, err)
	}

	demotion, err := b.Receive(ioTimeout)
	if err != nil || demotion.Type() != "gsr_leader_assignment" {
		t.Fatalf("expected demotion push, got %v err=%v", demotion, err)
	}
	if isLeader, _ := demotion.Bool("is_leader"); isLeader {
		t.Fatalf("expected is_leader=false: %v", demotion)
	}
	if l := liveLeaders(svc); len(l) != 1 || l[0] != "C" {
		t.Fatalf("expected single leader C, got %v", l)
	}
}

func TestLeaderDroppingGSRHandsOff(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	var mu sync.Mutex
	var changes []LeaderChanged
	svc.OnLeaderChanged(func(ev LeaderChanged) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ev)
	})

	b := dial(t, addr)
	c := dial(t, addr)
	registerDevice(t, b, "B", CapabilityGSR)
	registerDevice(t, c, "C", CapabilityGSR)

	ack := registerDevice(t, b, "B", "thermal_camera")
	if details := ack.Object("details"); details["is_gsr_leader"] != false {
		t.Fatalf("B should lose leadership, got %v", ack)
	}
	if l := liveLeaders(svc); len(l) != 1 || l[0] != "C" {
		t.Fatalf("expected leader C, got %v", l)
	}

	push, err := c.Receive(ioTimeout)
	if err != nil {
		t.Fatalf("receive assignment: %v", err)
	}
	if isLeader, _ := push.Bool("is_leader"); push.Type() != "gsr_leader_assignment" || !isLeader {
		t.Fatalf("unexpected push: %v", push)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[1].Leader != "C" || changes[1].Previous != "B" {
		t.Fatalf("unexpected leader events: %+v", changes)
	}
}

func TestStalledWriteRetiresDevice(t *testing.T) {
	testlog.Start(t)

	cat, err := catalog.LoadDefault()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	svc := NewService(Config{WriteTimeout: 50 * time.Millisecond}, cat)
	hubEnd, deviceEnd := net.Pipe()
	t.Cleanup(func() { _ = deviceEnd.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dc := &deviceConn{conn: hubEnd, remote: "pipe"}
	svc.trackConn(dc)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		svc.handleConn(ctx, dc)
	}()

	device := &Client{conn: deviceEnd, reader: bufio.NewReader(deviceEnd), limits: frame.DefaultLimits()}
	registerDevice(t, device, "d1")

	// the device takes part of the next header and then stops reading
	partial := make(chan error, 1)
	go func() {
		buf := make([]byte, 3)
		_, err := io.ReadFull(deviceEnd, buf)
		partial <- err
	}()

	msg, _ := svc.Catalog().Create("session_stop", map[string]any{"session_id": "s"})
	results := svc.BroadcastCommand(context.Background(), msg, nil)
	if results["d1"] {
		t.Fatalf("stalled delivery reported success: %v", results)
	}
	if err := <-partial; err != nil {
		t.Fatalf("partial read: %v", err)
	}

	select {
	case <-loopDone:
	case <-time.After(ioTimeout):
		t.Fatalf("read loop kept running after failed write")
	}
	if svc.connFor("d1") != nil {
		t.Fatalf("d1 still bound to a torn socket")
	}
	rec, _ := svc.Registry().Device("d1")
	if rec.State != StateDisconnected {
		t.Fatalf("d1 state = %s, want disconnected", rec.State)
	}
	if _, err := device.Receive(ioTimeout); err == nil {
		t.Fatalf("device decoded a frame from a torn stream")
	}
}

func TestSupersededConnectionReleaseKeepsNewRegistration(t *testing.T) {
	testlog.Start(t)

	svc, addr := startService(t, Config{})
	first := dial(t, addr)
	registerDevice(t, first, "phone")
	stale := svc.connFor("phone")
	if stale == nil {
		t.Fatalf("phone not bound")
	}

	second := dial(t, addr)
	registerDevice(t, second, "phone")

	// the old read loop exiting late must not retire the new binding
	svc.release(stale, "connection closed")

	rec, _ := svc.Registry().Device("phone")
	if rec.State != StateConnected {
		t.Fatalf("phone state = %s, want connected", rec.State)
	}
	if svc.connFor("phone") == stale {
		t.Fatalf("phone still bound to the superseded socket")
	}
	resp, err := second.Request(catalog.Message{"message_type": "device_heartbeat", "device_id": "phone"}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("heartbeat after re-register: %v err=%v", resp, err)
	}
}
