package transfer

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJobNotFound        = errors.New("transfer: job not found")
	ErrInvalidTransition  = errors.New("transfer: invalid status transition")
	ErrChecksumMismatch   = errors.New("transfer: checksum mismatch")
	ErrInvalidManifest    = errors.New("transfer: invalid manifest")
	ErrSourceUnavailable  = errors.New("transfer: source unavailable")
	ErrChunkTimeout       = errors.New("transfer: chunk read timed out")
	ErrShortRead          = errors.New("transfer: source returned no data")
	ErrEngineClosed       = errors.New("transfer: engine closed")
	errStopped            = errors.New("transfer: stopped")
	errUnsupportedArchive = errors.New("transfer: unsupported compression")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type FileType string

const (
	FileThermalVideo FileType = "thermal_video"
	FileVisualVideo  FileType = "visual_video"
	FileGSRData      FileType = "gsr_data"
	FileIMUData      FileType = "imu_data"
	FileAudio        FileType = "audio"
	FileMetadata     FileType = "metadata"
	FileCalibration  FileType = "calibration"
)

// FileManifest describes one device file. Immutable once queued.
type FileManifest struct {
	FileID      string    `json:"file_id"`
	Filename    string    `json:"filename"`
	FileType    FileType  `json:"file_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	DeviceID    string    `json:"device_id"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Compression string    `json:"compression,omitempty"`
}

func (m FileManifest) Validate() error {
	switch {
	case strings.TrimSpace(m.Filename) == "":
		return fmt.Errorf("%w: empty filename", ErrInvalidManifest)
	case strings.TrimSpace(m.DeviceID) == "":
		return fmt.Errorf("%w: empty device_id", ErrInvalidManifest)
	case strings.TrimSpace(m.SessionID) == "":
		return fmt.Errorf("%w: empty session_id", ErrInvalidManifest)
	case m.SizeBytes < 0:
		return fmt.Errorf("%w: negative size %d", ErrInvalidManifest, m.SizeBytes)
	}
	if m.Checksum != "" {
		raw, err := hex.DecodeString(m.Checksum)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("%w: checksum is not a SHA-256 hex digest", ErrInvalidManifest)
		}
	}
	return nil
}

// ManifestFromReport builds a manifest from the manifest object of a
// file_transfer_complete message.
func ManifestFromReport(deviceID string, raw map[string]any) (FileManifest, error) {
	if raw == nil {
		return FileManifest{}, fmt.Errorf("%w: no manifest in report", ErrInvalidManifest)
	}
	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	m := FileManifest{
		FileID:      str("file_id"),
		Filename:    str("filename"),
		FileType:    FileType(str("file_type")),
		Checksum:    strings.ToLower(str("checksum")),
		DeviceID:    deviceID,
		SessionID:   str("session_id"),
		Compression: str("compression"),
		Timestamp:   time.Now().UTC(),
	}
	switch v := raw["size_bytes"].(type) {
	case json.Number:
		m.SizeBytes, _ = v.Int64()
	case float64:
		m.SizeBytes = int64(v)
	case int64:
		m.SizeBytes = v
	case int:
		m.SizeBytes = int64(v)
	}
	if m.FileID == "" {
		m.FileID = m.Filename
	}
	if m.Compression == "none" {
		m.Compression = ""
	}
	return m, m.Validate()
}

// Job is one transfer's mutable state. Values returned by the engine are
// copies.
type Job struct {
	JobID            string       `json:"job_id"`
	Manifest         FileManifest `json:"manifest"`
	LocalPath        string       `json:"local_path"`
	ExpandedPath     string       `json:"expanded_path,omitempty"`
	Status           Status       `json:"status"`
	BytesTransferred int64        `json:"bytes_transferred"`
	ResumeOffset     int64        `json:"resume_offset"`
	RetryCount       int          `json:"retry_count"`
	StartTime        time.Time    `json:"start_time"`
	EndTime          time.Time    `json:"end_time"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	// AwaitingSource marks a job parked until AttachSource supplies bytes.
	AwaitingSource bool `json:"awaiting_source,omitempty"`
}

func (j Job) ProgressPercent() float64 {
	if j.Manifest.SizeBytes == 0 {
		return 100
	}
	return float64(j.BytesTransferred) / float64(j.Manifest.SizeBytes) * 100
}

// Rate is bytes per second since the job started; zero unless in progress.
func (j Job) Rate(now time.Time) float64 {
	if j.Status != StatusInProgress || j.StartTime.IsZero() {
		return 0
	}
	elapsed := now.Sub(j.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(j.BytesTransferred) / elapsed
}

// Progress is published after every written chunk.
type Progress struct {
	JobID            string  `json:"job_id"`
	Percent          float64 `json:"percent"`
	Rate             float64 `json:"rate"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
}

// Finished is published when a job reaches a terminal status.
type Finished struct {
	Job Job
}

type StatusReport struct {
	JobID            string  `json:"job_id"`
	Filename         string  `json:"filename"`
	DeviceID         string  `json:"device_id"`
	SessionID        string  `json:"session_id"`
	Status           Status  `json:"status"`
	ProgressPercent  float64 `json:"progress_percent"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	TransferRate     float64 `json:"transfer_rate"`
	RetryCount       int     `json:"retry_count"`
	DurationSeconds  float64 `json:"duration_s,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

type Summary struct {
	Active        int    `json:"active_transfers"`
	Queued        int    `json:"queued_transfers"`
	Completed     int    `json:"completed_transfers"`
	Running       int    `json:"running_transfers"`
	MaxConcurrent int    `json:"max_concurrent"`
	DataDir       string `json:"data_directory"`
}
