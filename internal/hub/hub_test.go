package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/config"
	"github.com/danmuck/sensorhub/internal/gsr"
	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/protocol/frame"
	"github.com/danmuck/sensorhub/internal/testutil/testlog"
	"github.com/danmuck/sensorhub/internal/timesync"
	"github.com/danmuck/sensorhub/internal/transfer"
)

const ioTimeout = 5 * time.Second

func testConfig(t *testing.T) config.HubConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Command.ListenAddr = "127.0.0.1:0"
	cfg.TimeSync.ListenAddr = "127.0.0.1:0"
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.Transfer.DataDir = filepath.Join(dir, "sessions")
	cfg.Transfer.ChunkSize = 4096
	cfg.InboxDir = filepath.Join(dir, "inbox")
	cfg.StateInterval = 0
	return cfg
}

type running struct {
	hub    *Hub
	addrs  Addrs
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg config.HubConfig) *running {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	addrs, err := h.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{hub: h, addrs: addrs, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- h.Run(ctx) }()
	waitFor(t, "hub ready", h.Ready)
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(ioTimeout):
		t.Fatalf("hub did not stop")
	}
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

func stage(t *testing.T, cfg config.HubConfig, session, device, name string, data []byte) {
	t.Helper()
	dir := filepath.Join(cfg.InboxDir, session, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir inbox: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
}

func report(t *testing.T, c *command.Client, device, session, name string, data []byte) {
	t.Helper()
	sum := sha256.Sum256(data)
	resp, err := c.Request(catalog.Message{
		"message_type": "file_transfer_complete",
		"message_id":   "ftc-" + name,
		"device_id":    device,
		"transfer_id":  "t-" + name,
		"status":       "completed",
		"manifest": map[string]any{
			"filename":   name,
			"size_bytes": len(data),
			"checksum":   hex.EncodeToString(sum[:]),
			"session_id": session,
			"file_type":  "gsr_data",
		},
	}, ioTimeout)
	if err != nil {
		t.Fatalf("report %s: %v", name, err)
	}
	if resp.Type() != "ack" {
		t.Fatalf("report %s: unexpected reply %v", name, resp)
	}
}

func dialDevice(t *testing.T, addr, device string) *command.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	c, err := command.Dial(ctx, addr, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	resp, err := c.Request(catalog.Message{
		"message_type": "device_register",
		"device_id":    device,
		"device_type":  "android_phone",
		"capabilities": []string{command.CapabilityGSR},
	}, ioTimeout)
	if err != nil || resp.Type() != "ack" {
		t.Fatalf("register: %v %v", resp, err)
	}
	return c
}

func finished(e *transfer.Engine, filename string) (transfer.StatusReport, bool) {
	for _, r := range e.FinishedTransfers() {
		if r.Filename == filename {
			return r, true
		}
	}
	return transfer.StatusReport{}, false
}

func TestHubEndToEnd(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	r := start(t, cfg)

	payload := bytes.Repeat([]byte("1000,4.20\n"), 2000)
	stage(t, cfg, "session_1", "phone_1", "gsr.csv", payload)

	c := dialDevice(t, r.addrs.Command, "phone_1")
	report(t, c, "phone_1", "session_1", "gsr.csv", payload)

	engine := r.hub.Transfers()
	waitFor(t, "staged transfer", func() bool {
		rep, ok := finished(engine, "gsr.csv")
		return ok && rep.Status == transfer.StatusCompleted
	})
	got, err := os.ReadFile(filepath.Join(cfg.Transfer.DataDir, "session_1", "phone_1", "gsr.csv"))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("transferred file mismatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if _, err := timesync.Probe(ctx, r.addrs.TimeSync, 0x42); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, ok := r.hub.Clock().DeviceStats(timesync.FormatDeviceID(0x42)); !ok {
		t.Fatalf("probe not recorded")
	}

	resp, err := http.Get("http://" + r.addrs.Admin + "/devices/phone_1")
	if err != nil {
		t.Fatalf("admin get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin device lookup returned %d", resp.StatusCode)
	}

	if leader, ok := r.hub.Commands().Registry().Leader(); !ok || leader.DeviceID != "phone_1" {
		t.Fatalf("expected phone_1 as leader, got %+v", leader)
	}
	r.stop(t)
}

func TestRecordingSessionWritesGSRDataset(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	r := start(t, cfg)
	c := dialDevice(t, r.addrs.Command, "phone_g")

	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	if _, err := r.hub.Commands().StartRecordingSession(ctx, "session_g", ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	for seq := 1; seq <= 2; seq++ {
		resp, err := c.Request(catalog.Message{
			"message_type": "gsr_data_batch",
			"device_id":    "phone_g",
			"session_id":   "session_g",
			"sequence":     seq,
			"data_points": []map[string]any{
				{"timestamp_ms": seq * 100, "gsr_us": 4.0},
				{"timestamp_ms": seq*100 + 50, "gsr_us": 5.0},
			},
		}, ioTimeout)
		if err != nil || resp.Type() != "ack" {
			t.Fatalf("gsr batch %d: %v %v", seq, resp, err)
		}
	}
	waitFor(t, "gsr samples", func() bool {
		list, ok := r.hub.GSR().Session("session_g")
		return ok && len(list) == 1 && list[0].SampleCount == 4
	})

	if _, err := r.hub.Commands().StopRecordingSession(ctx, "session_g"); err != nil {
		t.Fatalf("stop session: %v", err)
	}
	path := filepath.Join(cfg.Transfer.DataDir, "session_g", "phone_g", "gsr_session_g_phone_g.json")
	ds, err := gsr.LoadDataset(path)
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	if ds.Status != gsr.StatusCompleted || len(ds.Samples) != 4 || ds.Mode != cfg.Command.GSRDefaultMode {
		t.Fatalf("unexpected dataset %+v", ds.Summary)
	}
	r.stop(t)
}

func TestUnstagedTransferResumesAfterRestart(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	r := start(t, cfg)

	video := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 5000)
	c := dialDevice(t, r.addrs.Command, "phone_2")
	report(t, c, "phone_2", "session_2", "thermal.raw", video)

	engine := r.hub.Transfers()
	waitFor(t, "parked job", func() bool {
		for _, rep := range engine.ActiveTransfers() {
			if rep.Filename == "thermal.raw" && rep.Status == transfer.StatusPaused {
				return true
			}
		}
		return false
	})
	r.stop(t)
	if _, err := os.Stat(filepath.Join(cfg.Transfer.DataDir, "transfer_state.json")); err != nil {
		t.Fatalf("state not saved on shutdown: %v", err)
	}

	stage(t, cfg, "session_2", "phone_2", "thermal.raw", video)
	restarted := start(t, cfg)
	waitFor(t, "restored transfer", func() bool {
		rep, ok := finished(restarted.hub.Transfers(), "thermal.raw")
		return ok && rep.Status == transfer.StatusCompleted
	})
	restarted.stop(t)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t)
	cfg.Command.GSRDefaultMode = "mesh"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected config error")
	}
	cfg = testConfig(t)
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.json")
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected catalog error")
	}
}
