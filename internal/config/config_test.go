package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/sensorhub/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[network]
port = 9443
heartbeat_interval = "2s"

[time_sync]
history_size = 50

[file_transfer]
data_dir = "/var/lib/sensorhub"
verify_checksums = false
retry_limit = 0

[gsr]
default_mode = "bridged"

[admin]
addr = ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg.Command.ListenAddr != ":9443" {
		t.Fatalf("unexpected listen addr %q", cfg.Command.ListenAddr)
	}
	if cfg.Command.HeartbeatInterval != 2*time.Second {
		t.Fatalf("unexpected heartbeat %s", cfg.Command.HeartbeatInterval)
	}
	if cfg.Command.ConnectionTimeout != 0 {
		t.Fatalf("connection timeout should be left to the catalog, got %s", cfg.Command.ConnectionTimeout)
	}
	if cfg.Command.MaxConnections != def.Command.MaxConnections {
		t.Fatalf("max connections changed: %d", cfg.Command.MaxConnections)
	}
	if cfg.TimeSync.HistorySize != 50 || cfg.TimeSync.ListenAddr != def.TimeSync.ListenAddr {
		t.Fatalf("unexpected time sync config %+v", cfg.TimeSync)
	}
	if cfg.Transfer.DataDir != "/var/lib/sensorhub" || cfg.Transfer.VerifyChecksums {
		t.Fatalf("unexpected transfer config %+v", cfg.Transfer)
	}
	if cfg.Transfer.RetryLimit != -1 {
		t.Fatalf("retry_limit = 0 should disable retries, got %d", cfg.Transfer.RetryLimit)
	}
	if !cfg.Transfer.ExpandCompressed {
		t.Fatalf("expand_compressed default lost")
	}
	if cfg.Command.GSRDefaultMode != "bridged" {
		t.Fatalf("unexpected gsr mode %q", cfg.Command.GSRDefaultMode)
	}
	if cfg.Admin.Addr != "" {
		t.Fatalf("admin should be disabled, got %q", cfg.Admin.Addr)
	}
}

func TestTemplateLoadsAsDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hub.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	def := Default()
	if cfg.Command.ListenAddr != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen addr %q", cfg.Command.ListenAddr)
	}
	if cfg.Transfer != def.Transfer {
		t.Fatalf("transfer config differs from defaults: %+v", cfg.Transfer)
	}
	if cfg.TimeSync != def.TimeSync {
		t.Fatalf("time sync config differs from defaults: %+v", cfg.TimeSync)
	}
	if cfg.InboxDir != def.InboxDir || cfg.StateInterval != def.StateInterval {
		t.Fatalf("unexpected inbox/state settings %q %s", cfg.InboxDir, cfg.StateInterval)
	}
}

func TestLoadRelaySection(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `
[relay]
nats_url = "nats://127.0.0.1:4222"
skip_progress = true
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Relay.URL != "nats://127.0.0.1:4222" || !cfg.Relay.SkipProgress {
		t.Fatalf("unexpected relay config %+v", cfg.Relay)
	}
	if cfg.Relay.SubjectPrefix != "sensorhub" {
		t.Fatalf("subject prefix default lost: %q", cfg.Relay.SubjectPrefix)
	}
	if Default().Relay.URL != "" {
		t.Fatalf("relay must be disabled by default")
	}
}

func TestLoadGSRDatasetSection(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, `
[gsr]
dataset_dir = "/srv/gsr"
max_gap = "2s"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GSR.DataDir != "/srv/gsr" || cfg.GSR.MaxGap != 2*time.Second {
		t.Fatalf("unexpected gsr config %+v", cfg.GSR)
	}
	if def := Default(); def.GSR.DataDir != "" || def.GSR.MaxGap != 5*time.Second {
		t.Fatalf("unexpected gsr defaults %+v", def.GSR)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"unknown key":    "[network]\nprot = 1\n",
		"bad duration":   "[network]\nheartbeat_interval = \"soon\"\n",
		"bad mode":       "[gsr]\ndefault_mode = \"mesh\"\n",
		"bad threshold":  "[gsr]\nleader_priority_threshold = 1.5\n",
		"bad port":       "[network]\nport = 70000\n",
		"empty data dir": "[file_transfer]\ndata_dir = \"\"\n",
		"relay wildcard": "[relay]\nsubject_prefix = \"hub.>\"\n",
		"negative gap":   "[gsr]\nmax_gap = \"-1s\"\n",
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		} else if !strings.Contains(err.Error(), "load hub config") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
