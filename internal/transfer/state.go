package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const stateVersion = 1

type stateFile struct {
	Version       int             `json:"version"`
	SavedAt       time.Time       `json:"saved_at"`
	ActiveJobs    map[string]*Job `json:"active_jobs"`
	CompletedJobs map[string]*Job `json:"completed_jobs"`
	TransferQueue []string        `json:"transfer_queue"`
}

// RestoreReport counts what LoadState did with each saved job.
type RestoreReport struct {
	Requeued       int      `json:"requeued"`
	Paused         int      `json:"paused"`
	AwaitingSource int      `json:"awaiting_source"`
	Verified       int      `json:"verified"`
	Finished       int      `json:"finished"`
	Skipped        []string `json:"skipped,omitempty"`
}

// SaveState writes every job and the queue order to path, atomically via a
// temp file and rename. An empty path means StatePath.
func (e *Engine) SaveState(path string) error {
	if path == "" {
		path = e.StatePath()
	}
	e.mu.Lock()
	state := stateFile{
		Version:       stateVersion,
		SavedAt:       e.now().UTC(),
		ActiveJobs:    make(map[string]*Job, len(e.active)),
		CompletedJobs: make(map[string]*Job, len(e.finished)),
		TransferQueue: append([]string(nil), e.queue...),
	}
	for id, job := range e.active {
		cp := *job
		state.ActiveJobs[id] = &cp
	}
	for id, job := range e.finished {
		cp := *job
		state.CompletedJobs[id] = &cp
	}
	e.mu.Unlock()

	body, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transfer state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write transfer state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write transfer state: %w", err)
	}
	e.logger.Debug().Str("path", path).Int("active", len(state.ActiveJobs)).Int("finished", len(state.CompletedJobs)).Msg("transfer state saved")
	return nil
}

// LoadState restores jobs saved by SaveState. Each unfinished job has its
// partial file re-checked: oversized files restart from zero and full-length
// files are verified and finished without a transfer. Saved queue order is
// kept; unqueued pending jobs follow in id order. Jobs whose source resolve
// fails are parked paused until AttachSource. A missing file is not an error.
func (e *Engine) LoadState(path string, resolve SourceResolver) (RestoreReport, error) {
	var report RestoreReport
	if path == "" {
		path = e.StatePath()
	}
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("read transfer state: %w", err)
	}
	var state stateFile
	if err := json.Unmarshal(body, &state); err != nil {
		return report, fmt.Errorf("decode transfer state: %w", err)
	}

	order := make([]string, 0, len(state.ActiveJobs))
	seen := make(map[string]bool, len(state.ActiveJobs))
	for _, id := range state.TransferQueue {
		if _, ok := state.ActiveJobs[id]; ok && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	rest := make([]string, 0, len(state.ActiveJobs))
	for id := range state.ActiveJobs {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	var published []Finished
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return report, ErrEngineClosed
	}
	for id, job := range state.CompletedJobs {
		if job == nil || e.lookupLocked(id) != nil {
			continue
		}
		job.JobID = id
		e.finished[id] = job
		ch := make(chan struct{})
		close(ch)
		e.done[id] = ch
		report.Finished++
	}
	e.mu.Unlock()

	for _, id := range order {
		job := state.ActiveJobs[id]
		if job == nil {
			continue
		}
		job.JobID = id
		e.mu.Lock()
		known := e.lookupLocked(id) != nil
		e.mu.Unlock()
		if known {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		if err := job.Manifest.Validate(); err != nil {
			e.logger.Warn().Str("job_id", id).Err(err).Msg("dropping saved transfer with invalid manifest")
			report.Skipped = append(report.Skipped, id)
			continue
		}
		job.LocalPath = e.LocalPath(job.Manifest)
		if err := os.MkdirAll(filepath.Dir(job.LocalPath), 0o755); err != nil {
			return report, err
		}
		offset, satisfied, err := inspectLocal(job.LocalPath, job.Manifest, e.cfg.VerifyChecksums)
		if err != nil {
			e.logger.Warn().Str("job_id", id).Err(err).Msg("inspect partial file failed")
			report.Skipped = append(report.Skipped, id)
			continue
		}
		job.ResumeOffset = offset
		job.BytesTransferred = offset

		var src Source
		if resolve != nil && !satisfied {
			src, _ = resolve(job.Manifest)
		}

		e.mu.Lock()
		e.done[id] = make(chan struct{})
		e.active[id] = job
		switch {
		case satisfied:
			job.Status = StatusCompleted
			job.ErrorMessage = ""
			if job.EndTime.IsZero() {
				job.EndTime = e.now()
			}
			published = append(published, e.finishLocked(job))
			report.Verified++
		case job.Status.Terminal():
			if job.Status == StatusCompleted {
				// claimed complete but the file on disk disagrees
				job.Status = StatusFailed
				job.ErrorMessage = "local file does not match manifest"
			}
			published = append(published, e.finishLocked(job))
			report.Finished++
		case src == nil:
			job.Status = StatusPaused
			job.ErrorMessage = ErrSourceUnavailable.Error()
			job.AwaitingSource = true
			report.AwaitingSource++
		case job.Status == StatusPaused && !job.AwaitingSource:
			e.sources[id] = src
			report.Paused++
		default:
			job.Status = StatusPending
			job.AwaitingSource = false
			job.ErrorMessage = ""
			e.sources[id] = src
			e.queue = append(e.queue, id)
			report.Requeued++
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.pumpLocked()
	e.mu.Unlock()
	for _, f := range published {
		e.outcomes.Publish(f)
	}

	e.logger.Info().
		Str("path", path).
		Int("requeued", report.Requeued).
		Int("paused", report.Paused).
		Int("awaiting_source", report.AwaitingSource).
		Int("verified", report.Verified).
		Int("skipped", len(report.Skipped)).
		Msg("transfer state restored")
	return report, nil
}
