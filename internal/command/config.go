package command

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/sensorhub/internal/protocol/catalog"
	"github.com/danmuck/sensorhub/internal/protocol/frame"
)

// Config configures the command channel listener, registry bounds, and
// heartbeat policy.
type Config struct {
	ListenAddr              string
	MaxConnections          int
	MaxMessageSize          uint32
	HeartbeatInterval       time.Duration
	ConnectionTimeout       time.Duration
	WriteTimeout            time.Duration
	LeaderPriorityThreshold float64
	GSRDefaultMode          string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:              ":8080",
		MaxConnections:          8,
		MaxMessageSize:          frame.DefaultLimits().MaxMessageSize,
		HeartbeatInterval:       5 * time.Second,
		ConnectionTimeout:       30 * time.Second,
		WriteTimeout:            10 * time.Second,
		LeaderPriorityThreshold: 0.8,
		GSRDefaultMode:          "local",
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.LeaderPriorityThreshold <= 0 {
		c.LeaderPriorityThreshold = def.LeaderPriorityThreshold
	}
	if strings.TrimSpace(c.GSRDefaultMode) == "" {
		c.GSRDefaultMode = def.GSRDefaultMode
	}
	return c
}

// WithTransport fills zero-valued fields from the catalog transport section
// before applying package defaults.
func (c Config) WithTransport(t catalog.TransportConfig) Config {
	if strings.TrimSpace(c.ListenAddr) == "" && t.Port > 0 {
		c.ListenAddr = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = t.MaxMessageSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = t.HeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = t.ConnectionTimeout
	}
	return c.WithDefaults()
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxMessageSize: c.MaxMessageSize}
}
