package timesync

import (
	"strings"
	"time"
)

// Config tunes the clock sync endpoint and its quality thresholds.
type Config struct {
	ListenAddr       string
	SyncInterval     time.Duration
	TargetAccuracyMS float64
	MaxOffsetMS      float64
	HistorySize      int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8123",
		SyncInterval:     30 * time.Second,
		TargetAccuracyMS: 5,
		MaxOffsetMS:      15,
		HistorySize:      100,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.TargetAccuracyMS <= 0 {
		c.TargetAccuracyMS = def.TargetAccuracyMS
	}
	if c.MaxOffsetMS <= 0 {
		c.MaxOffsetMS = def.MaxOffsetMS
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	return c
}
