package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/sensorhub/internal/command"
	"github.com/danmuck/sensorhub/internal/gsr"
	"github.com/danmuck/sensorhub/internal/relay"
	"github.com/danmuck/sensorhub/internal/timesync"
	"github.com/danmuck/sensorhub/internal/transfer"
)

// HubConfig is the resolved runtime configuration for one hub process.
// Command fields left zero are filled from the protocol catalog's transport
// section when the command service starts.
type HubConfig struct {
	CatalogPath string
	Command     command.Config
	TimeSync    timesync.Config
	Transfer    transfer.Config
	// InboxDir holds device files staged for pickup, laid out like the data
	// tree. Empty disables automatic sourcing.
	InboxDir      string
	StateInterval time.Duration
	// GSR.DataDir empty means the transfer data dir; GSR.Mode empty means
	// the command default mode.
	GSR   gsr.Config
	Admin AdminConfig
	// Relay.URL empty disables NATS republishing.
	Relay   relay.Config
	Logging LoggingConfig
}

type AdminConfig struct {
	Addr        string
	CorsOrigins []string
}

type LoggingConfig struct {
	Level string
	JSON  bool
}

func Default() HubConfig {
	cmd := command.DefaultConfig()
	return HubConfig{
		Command: command.Config{
			MaxConnections:          cmd.MaxConnections,
			WriteTimeout:            cmd.WriteTimeout,
			LeaderPriorityThreshold: cmd.LeaderPriorityThreshold,
			GSRDefaultMode:          cmd.GSRDefaultMode,
		},
		TimeSync:      timesync.DefaultConfig(),
		Transfer:      transfer.DefaultConfig(),
		InboxDir:      "data/inbox",
		StateInterval: 30 * time.Second,
		GSR:           gsr.Config{MaxGap: gsr.DefaultConfig().MaxGap},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:9090",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Relay:   relay.DefaultConfig(),
		Logging: LoggingConfig{Level: "info"},
	}
}

// duration decodes Go duration strings ("5s", "300ms").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// hub.toml key mapping.
type fileConfig struct {
	CatalogPath string `toml:"catalog_path"`
	Network     struct {
		Host              string   `toml:"host"`
		Port              int      `toml:"port"`
		MaxConnections    int      `toml:"max_connections"`
		MaxMessageSize    uint32   `toml:"max_message_size"`
		HeartbeatInterval duration `toml:"heartbeat_interval"`
		ConnectionTimeout duration `toml:"connection_timeout"`
		WriteTimeout      duration `toml:"write_timeout"`
	} `toml:"network"`
	TimeSync struct {
		Addr             string   `toml:"addr"`
		SyncInterval     duration `toml:"sync_interval"`
		TargetAccuracyMS float64  `toml:"target_accuracy_ms"`
		MaxOffsetMS      float64  `toml:"max_offset_ms"`
		HistorySize      int      `toml:"history_size"`
	} `toml:"time_sync"`
	FileTransfer struct {
		DataDir          string   `toml:"data_dir"`
		InboxDir         string   `toml:"inbox_dir"`
		ChunkSize        int      `toml:"chunk_size"`
		MaxConcurrent    int      `toml:"max_concurrent"`
		RetryLimit       int      `toml:"retry_limit"`
		ChunkTimeout     duration `toml:"chunk_timeout"`
		VerifyChecksums  bool     `toml:"verify_checksums"`
		ExpandCompressed bool     `toml:"expand_compressed"`
		StateInterval    duration `toml:"state_interval"`
	} `toml:"file_transfer"`
	GSR struct {
		DefaultMode             string   `toml:"default_mode"`
		LeaderPriorityThreshold float64  `toml:"leader_priority_threshold"`
		DatasetDir              string   `toml:"dataset_dir"`
		MaxGap                  duration `toml:"max_gap"`
	} `toml:"gsr"`
	Admin struct {
		Addr        string   `toml:"addr"`
		CorsOrigins []string `toml:"cors_origins"`
	} `toml:"admin"`
	Relay struct {
		NATSURL       string `toml:"nats_url"`
		SubjectPrefix string `toml:"subject_prefix"`
		Name          string `toml:"name"`
		SkipProgress  bool   `toml:"skip_progress"`
	} `toml:"relay"`
	Logging struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"logging"`
}

// Load decodes a hub TOML file over Default. Only keys present in the file
// override defaults.
func Load(path string) (HubConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return HubConfig{}, fmt.Errorf("load hub config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return HubConfig{}, fmt.Errorf("load hub config: unknown key %q", undecoded[0].String())
	}
	cfg := overlay(Default(), raw, meta)
	if err := cfg.Validate(); err != nil {
		return HubConfig{}, fmt.Errorf("load hub config: %w", err)
	}
	return cfg, nil
}

func overlay(cfg HubConfig, raw fileConfig, meta toml.MetaData) HubConfig {
	if meta.IsDefined("catalog_path") {
		cfg.CatalogPath = strings.TrimSpace(raw.CatalogPath)
	}

	nw := raw.Network
	if meta.IsDefined("network", "host") || meta.IsDefined("network", "port") {
		port := nw.Port
		if !meta.IsDefined("network", "port") {
			port = 8080
		}
		cfg.Command.ListenAddr = joinHostPort(strings.TrimSpace(nw.Host), port)
	}
	if meta.IsDefined("network", "max_connections") {
		cfg.Command.MaxConnections = nw.MaxConnections
	}
	if meta.IsDefined("network", "max_message_size") {
		cfg.Command.MaxMessageSize = nw.MaxMessageSize
	}
	if meta.IsDefined("network", "heartbeat_interval") {
		cfg.Command.HeartbeatInterval = nw.HeartbeatInterval.Duration
	}
	if meta.IsDefined("network", "connection_timeout") {
		cfg.Command.ConnectionTimeout = nw.ConnectionTimeout.Duration
	}
	if meta.IsDefined("network", "write_timeout") {
		cfg.Command.WriteTimeout = nw.WriteTimeout.Duration
	}

	ts := raw.TimeSync
	if meta.IsDefined("time_sync", "addr") {
		cfg.TimeSync.ListenAddr = strings.TrimSpace(ts.Addr)
	}
	if meta.IsDefined("time_sync", "sync_interval") {
		cfg.TimeSync.SyncInterval = ts.SyncInterval.Duration
	}
	if meta.IsDefined("time_sync", "target_accuracy_ms") {
		cfg.TimeSync.TargetAccuracyMS = ts.TargetAccuracyMS
	}
	if meta.IsDefined("time_sync", "max_offset_ms") {
		cfg.TimeSync.MaxOffsetMS = ts.MaxOffsetMS
	}
	if meta.IsDefined("time_sync", "history_size") {
		cfg.TimeSync.HistorySize = ts.HistorySize
	}

	ft := raw.FileTransfer
	if meta.IsDefined("file_transfer", "data_dir") {
		cfg.Transfer.DataDir = strings.TrimSpace(ft.DataDir)
	}
	if meta.IsDefined("file_transfer", "inbox_dir") {
		cfg.InboxDir = strings.TrimSpace(ft.InboxDir)
	}
	if meta.IsDefined("file_transfer", "chunk_size") {
		cfg.Transfer.ChunkSize = ft.ChunkSize
	}
	if meta.IsDefined("file_transfer", "max_concurrent") {
		cfg.Transfer.MaxConcurrent = ft.MaxConcurrent
	}
	if meta.IsDefined("file_transfer", "retry_limit") {
		cfg.Transfer.RetryLimit = ft.RetryLimit
		if ft.RetryLimit == 0 {
			cfg.Transfer.RetryLimit = -1
		}
	}
	if meta.IsDefined("file_transfer", "chunk_timeout") {
		cfg.Transfer.ChunkTimeout = ft.ChunkTimeout.Duration
	}
	if meta.IsDefined("file_transfer", "verify_checksums") {
		cfg.Transfer.VerifyChecksums = ft.VerifyChecksums
	}
	if meta.IsDefined("file_transfer", "expand_compressed") {
		cfg.Transfer.ExpandCompressed = ft.ExpandCompressed
	}
	if meta.IsDefined("file_transfer", "state_interval") {
		cfg.StateInterval = ft.StateInterval.Duration
	}

	if meta.IsDefined("gsr", "default_mode") {
		cfg.Command.GSRDefaultMode = strings.TrimSpace(raw.GSR.DefaultMode)
	}
	if meta.IsDefined("gsr", "leader_priority_threshold") {
		cfg.Command.LeaderPriorityThreshold = raw.GSR.LeaderPriorityThreshold
	}
	if meta.IsDefined("gsr", "dataset_dir") {
		cfg.GSR.DataDir = strings.TrimSpace(raw.GSR.DatasetDir)
	}
	if meta.IsDefined("gsr", "max_gap") {
		cfg.GSR.MaxGap = raw.GSR.MaxGap.Duration
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = raw.Admin.CorsOrigins
	}

	if meta.IsDefined("relay", "nats_url") {
		cfg.Relay.URL = strings.TrimSpace(raw.Relay.NATSURL)
	}
	if meta.IsDefined("relay", "subject_prefix") {
		cfg.Relay.SubjectPrefix = strings.TrimSpace(raw.Relay.SubjectPrefix)
	}
	if meta.IsDefined("relay", "name") {
		cfg.Relay.Name = strings.TrimSpace(raw.Relay.Name)
	}
	if meta.IsDefined("relay", "skip_progress") {
		cfg.Relay.SkipProgress = raw.Relay.SkipProgress
	}

	if meta.IsDefined("logging", "level") {
		cfg.Logging.Level = strings.TrimSpace(raw.Logging.Level)
	}
	if meta.IsDefined("logging", "json") {
		cfg.Logging.JSON = raw.Logging.JSON
	}
	return cfg
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Validate rejects values that the services would otherwise silently replace
// with defaults.
func (c HubConfig) Validate() error {
	if addr := c.Command.ListenAddr; addr != "" {
		if _, port, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("network listen addr %q: %w", addr, err)
		} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("network port %q out of range", port)
		}
	}
	if c.Command.MaxConnections < 0 {
		return fmt.Errorf("network max_connections must be positive")
	}
	switch c.Command.GSRDefaultMode {
	case "", "local", "bridged", "hub":
	default:
		return fmt.Errorf("gsr default_mode %q (expected local, bridged or hub)", c.Command.GSRDefaultMode)
	}
	if t := c.Command.LeaderPriorityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("gsr leader_priority_threshold %v outside [0,1]", t)
	}
	if c.GSR.MaxGap < 0 {
		return fmt.Errorf("gsr max_gap must not be negative")
	}
	if strings.TrimSpace(c.Transfer.DataDir) == "" {
		return fmt.Errorf("file_transfer data_dir is required")
	}
	if c.Transfer.ChunkSize < 0 || c.Transfer.MaxConcurrent < 0 {
		return fmt.Errorf("file_transfer chunk_size and max_concurrent must be positive")
	}
	if c.TimeSync.TargetAccuracyMS > c.TimeSync.MaxOffsetMS && c.TimeSync.MaxOffsetMS > 0 {
		return fmt.Errorf("time_sync target_accuracy_ms exceeds max_offset_ms")
	}
	if strings.ContainsAny(c.Relay.SubjectPrefix, " *>") {
		return fmt.Errorf("relay subject_prefix %q contains wildcard or space", c.Relay.SubjectPrefix)
	}
	return nil
}
