package gsr

import (
	"strings"
	"time"
)

type Config struct {
	// DataDir is the dataset root, shared with the transfer data tree.
	DataDir string
	// MaxGap flags consecutive samples further apart than this.
	MaxGap time.Duration
	// Mode is recorded in each dataset (local, bridged or hub).
	Mode string
}

func DefaultConfig() Config {
	return Config{
		DataDir: "data/sessions",
		MaxGap:  5 * time.Second,
		Mode:    "local",
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if c.MaxGap <= 0 {
		c.MaxGap = def.MaxGap
	}
	if strings.TrimSpace(c.Mode) == "" {
		c.Mode = def.Mode
	}
	return c
}
