package transfer

import (
	"strings"
	"time"
)

// Config tunes the transfer engine. Start from DefaultConfig: the boolean
// switches have no zero-value default.
type Config struct {
	DataDir       string
	ChunkSize     int
	MaxConcurrent int
	// RetryLimit bounds automatic retries after a failure. Negative disables
	// retries.
	RetryLimit       int
	ChunkTimeout     time.Duration
	VerifyChecksums  bool
	ExpandCompressed bool
}

func DefaultConfig() Config {
	return Config{
		DataDir:          "data/sessions",
		ChunkSize:        1024 * 1024,
		MaxConcurrent:    4,
		RetryLimit:       3,
		ChunkTimeout:     300 * time.Second,
		VerifyChecksums:  true,
		ExpandCompressed: true,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = def.RetryLimit
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = def.ChunkTimeout
	}
	return c
}
