package config

import (
	"fmt"
	"os"
)

// Template returns a commented hub.toml carrying the default values.
func Template() string { return hubTemplate }

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(hubTemplate), 0o600)
}

const hubTemplate = `# sensorhub configuration
# catalog_path = "protocol.json"   # built-in catalog when unset

[network]
host = "0.0.0.0"
port = 8080
max_connections = 8
max_message_size = 1048576
heartbeat_interval = "5s"
connection_timeout = "30s"
write_timeout = "10s"

[time_sync]
addr = ":8123"
sync_interval = "30s"
target_accuracy_ms = 5.0
max_offset_ms = 15.0
history_size = 100

[file_transfer]
data_dir = "data/sessions"
inbox_dir = "data/inbox"
chunk_size = 1048576
max_concurrent = 4
retry_limit = 3
chunk_timeout = "300s"
verify_checksums = true
expand_compressed = true
state_interval = "30s"

[gsr]
default_mode = "local"
leader_priority_threshold = 0.8
# dataset_dir = "data/sessions"   # file_transfer data_dir when unset
max_gap = "5s"

[admin]
addr = "127.0.0.1:9090"
cors_origins = ["http://localhost:3000"]

[relay]
# NATS server for event and GSR republishing; empty disables the relay.
nats_url = ""
subject_prefix = "sensorhub"
name = "sensorhub"
skip_progress = false

[logging]
level = "info"
json = false
`
