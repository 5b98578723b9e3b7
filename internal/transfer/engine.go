package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sensorhub/internal/events"
	"github.com/danmuck/sensorhub/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const stateFileName = "transfer_state.json"

// Engine moves device files into the session data tree in resumable chunks.
// Jobs run FIFO with at most MaxConcurrent in flight. Non-terminal jobs live
// in the active set; terminal jobs move to the finished set.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// admitMu serializes job admission so the destination check, the local
	// file inspection, and the insert happen as one step per path.
	admitMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	active   map[string]*Job
	finished map[string]*Job
	queue    []string
	running  map[string]bool
	sources  map[string]Source
	done     map[string]chan struct{}

	progress events.Bus[Progress]
	outcomes events.Bus[Finished]

	now func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		logger:   observability.Component("transfer"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*Job),
		finished: make(map[string]*Job),
		running:  make(map[string]bool),
		sources:  make(map[string]Source),
		done:     make(map[string]chan struct{}),
		now:      time.Now,
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// StatePath is the default persistence file under the data directory.
func (e *Engine) StatePath() string { return filepath.Join(e.cfg.DataDir, stateFileName) }

func (e *Engine) OnProgress(fn func(Progress)) events.Subscription {
	return e.progress.Subscribe(fn)
}

func (e *Engine) OnFinished(fn func(Finished)) events.Subscription {
	return e.outcomes.Subscribe(fn)
}

// LocalPath is where a manifest lands: <data>/<session>/<device>/<filename>.
func (e *Engine) LocalPath(m FileManifest) string {
	return SessionPath(e.cfg.DataDir, m.SessionID, m.DeviceID, m.Filename)
}

// SessionPath joins root with the session, device and filename, each reduced
// to a single safe path component.
func SessionPath(root, sessionID, deviceID, filename string) string {
	return filepath.Join(root, sanitize(sessionID), sanitize(deviceID), sanitize(filename))
}

// sanitize reduces a manifest field to a single safe path component.
func sanitize(part string) string {
	part = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(part))
	if part == "" || part == "." || part == ".." {
		return "_"
	}
	return part
}

// QueueTransfer registers a job for m and returns its id. A file already on
// disk with the manifest's size and checksum completes immediately without
// touching src; a shorter file resumes from its length. Queuing a manifest
// whose destination already has a live job returns that job's id.
func (e *Engine) QueueTransfer(m FileManifest, src Source) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	m.Checksum = strings.ToLower(m.Checksum)
	m.Compression = normalizeCompression(m.Compression)
	path := e.LocalPath(m)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	for id, job := range e.active {
		if job.LocalPath == path {
			if src != nil && e.sources[id] == nil {
				e.attachLocked(id, src)
			}
			e.mu.Unlock()
			e.logger.Debug().Str("job_id", id).Str("path", path).Msg("transfer already queued")
			return id, nil
		}
	}
	e.mu.Unlock()

	offset, satisfied, err := inspectLocal(path, m, e.cfg.VerifyChecksums)
	if err != nil {
		return "", err
	}

	job := &Job{
		JobID:            newJobID(m),
		Manifest:         m,
		LocalPath:        path,
		Status:           StatusPending,
		BytesTransferred: offset,
		ResumeOffset:     offset,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	e.done[job.JobID] = make(chan struct{})
	if satisfied {
		now := e.now()
		job.Status = StatusCompleted
		job.StartTime, job.EndTime = now, now
		e.active[job.JobID] = job
		snap := e.finishLocked(job)
		e.mu.Unlock()
		e.logger.Info().Str("job_id", job.JobID).Str("path", path).Msg("file already present and verified")
		e.outcomes.Publish(snap)
		return job.JobID, nil
	}
	e.active[job.JobID] = job
	if src == nil {
		job.Status = StatusPaused
		job.ErrorMessage = ErrSourceUnavailable.Error()
		job.AwaitingSource = true
	} else {
		e.sources[job.JobID] = src
		e.queue = append(e.queue, job.JobID)
	}
	e.pumpLocked()
	e.mu.Unlock()

	e.logger.Info().
		Str("job_id", job.JobID).
		Str("device_id", m.DeviceID).
		Str("session_id", m.SessionID).
		Str("filename", m.Filename).
		Int64("size_bytes", m.SizeBytes).
		Int64("resume_offset", offset).
		Msg("transfer queued")
	return job.JobID, nil
}

func newJobID(m FileManifest) string {
	return fmt.Sprintf("transfer_%s_%s_%s", sanitize(m.DeviceID), sanitize(m.SessionID), uuid.NewString()[:8])
}

// inspectLocal reports the resume offset for path and whether the file
// already satisfies the manifest. Oversized or mismatching full-length files
// are truncated.
func inspectLocal(path string, m FileManifest, verify bool) (int64, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	size := info.Size()
	switch {
	case size > m.SizeBytes:
		return 0, false, os.Truncate(path, 0)
	case size < m.SizeBytes:
		return size, false, nil
	}
	if !verify || m.Checksum == "" {
		return size, true, nil
	}
	sum, err := fileChecksum(path)
	if err != nil {
		return 0, false, err
	}
	if sum == m.Checksum {
		return size, true, nil
	}
	return 0, false, os.Truncate(path, 0)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// pumpLocked starts queued jobs in FIFO order while capacity allows.
func (e *Engine) pumpLocked() {
	if e.closed {
		return
	}
	remaining := make([]string, 0, len(e.queue))
	for _, id := range e.queue {
		job, ok := e.active[id]
		if !ok || job.Status != StatusPending {
			continue
		}
		if e.running[id] || len(e.running) >= e.cfg.MaxConcurrent || e.sources[id] == nil {
			remaining = append(remaining, id)
			continue
		}
		job.Status = StatusInProgress
		job.ErrorMessage = ""
		if job.StartTime.IsZero() {
			job.StartTime = e.now()
		}
		e.running[id] = true
		e.wg.Add(1)
		go e.run(id)
	}
	e.queue = remaining
}

func (e *Engine) run(id string) {
	defer e.wg.Done()
	err := e.execute(id)

	var finished *Finished
	e.mu.Lock()
	delete(e.running, id)
	job, ok := e.active[id]
	if ok {
		finished = e.settleLocked(job, err)
	}
	e.pumpLocked()
	e.mu.Unlock()

	if finished != nil {
		e.outcomes.Publish(*finished)
	}
}

// settleLocked applies the result of one execution attempt.
func (e *Engine) settleLocked(job *Job, err error) *Finished {
	log := e.logger.With().Str("job_id", job.JobID).Logger()
	switch job.Status {
	case StatusCancelled:
		job.EndTime = e.now()
		snap := e.finishLocked(job)
		log.Info().Msg("transfer cancelled")
		return &snap
	case StatusPaused:
		log.Info().Int64("bytes_transferred", job.BytesTransferred).Msg("transfer paused")
		return nil
	case StatusPending:
		// resumed before the previous attempt wound down
		if !e.queued(job.JobID) {
			e.queue = append(e.queue, job.JobID)
		}
		return nil
	}

	if e.closed {
		job.Status = StatusPending
		return nil
	}

	if err == nil {
		job.Status = StatusCompleted
		job.BytesTransferred = job.Manifest.SizeBytes
		job.EndTime = e.now()
		snap := e.finishLocked(job)
		log.Info().
			Str("path", job.LocalPath).
			Int64("size_bytes", job.Manifest.SizeBytes).
			Dur("elapsed", job.EndTime.Sub(job.StartTime)).
			Msg("transfer completed")
		return &snap
	}

	job.RetryCount++
	job.ErrorMessage = err.Error()
	if job.RetryCount <= e.cfg.RetryLimit {
		job.Status = StatusPending
		e.queue = append(e.queue, job.JobID)
		log.Warn().Err(err).Int("retry_count", job.RetryCount).Int("retry_limit", e.cfg.RetryLimit).Msg("transfer attempt failed, retrying")
		return nil
	}
	job.Status = StatusFailed
	job.EndTime = e.now()
	snap := e.finishLocked(job)
	log.Error().Err(err).Int("retry_count", job.RetryCount).Msg("transfer failed")
	return &snap
}

// finishLocked moves a terminal job to the finished set and releases waiters.
func (e *Engine) finishLocked(job *Job) Finished {
	delete(e.active, job.JobID)
	delete(e.sources, job.JobID)
	job.AwaitingSource = false
	e.dequeueLocked(job.JobID)
	e.finished[job.JobID] = job
	if ch, ok := e.done[job.JobID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	observability.RecordTransferOutcome(string(job.Status))
	return Finished{Job: *job}
}

func (e *Engine) queued(id string) bool {
	for _, q := range e.queue {
		if q == id {
			return true
		}
	}
	return false
}

func (e *Engine) dequeueLocked(id string) {
	out := e.queue[:0]
	for _, q := range e.queue {
		if q != id {
			out = append(out, q)
		}
	}
	e.queue = out
}

func (e *Engine) inFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.active[id]
	return ok && job.Status == StatusInProgress && !e.closed
}

// execute runs one attempt: append chunks from the on-disk length to the
// manifest size, then verify and optionally expand.
func (e *Engine) execute(id string) error {
	e.mu.Lock()
	job := e.active[id]
	src := e.sources[id]
	path := job.LocalPath
	m := job.Manifest
	e.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	offset := info.Size()
	if offset > m.SizeBytes {
		if err := f.Truncate(0); err != nil {
			return err
		}
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	e.mu.Lock()
	job.ResumeOffset = offset
	job.BytesTransferred = offset
	e.mu.Unlock()

	for offset < m.SizeBytes {
		if !e.inFlight(id) {
			return errStopped
		}
		want := e.cfg.ChunkSize
		if remaining := m.SizeBytes - offset; remaining < int64(want) {
			want = int(remaining)
		}
		data, err := e.readChunk(src, offset, want)
		if err != nil {
			return fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w at offset %d", ErrShortRead, offset)
		}
		if len(data) > want {
			data = data[:want]
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("write chunk at offset %d: %w", offset, err)
		}
		offset += int64(len(data))
		observability.RecordTransferBytes(len(data))

		e.mu.Lock()
		job.BytesTransferred = offset
		p := Progress{
			JobID:            id,
			Percent:          job.ProgressPercent(),
			Rate:             job.Rate(e.now()),
			BytesTransferred: offset,
			TotalBytes:       m.SizeBytes,
		}
		e.mu.Unlock()
		e.progress.Publish(p)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if !e.inFlight(id) {
		return errStopped
	}

	if e.cfg.VerifyChecksums && m.Checksum != "" {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != m.Checksum {
			// a corrupt body restarts from zero on the next attempt
			if err := f.Truncate(0); err != nil {
				e.logger.Warn().Str("job_id", id).Err(err).Msg("truncate after checksum mismatch failed")
			}
			return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, m.Checksum, got)
		}
	}

	if e.cfg.ExpandCompressed && m.Compression != "" {
		expanded, err := expandArtifact(path, m.Compression)
		if err != nil {
			e.logger.Warn().Str("job_id", id).Str("compression", m.Compression).Err(err).Msg("expand artifact failed")
		} else {
			e.mu.Lock()
			job.ExpandedPath = expanded
			e.mu.Unlock()
		}
	}
	return nil
}

// readChunk bounds a single source read by ChunkTimeout.
func (e *Engine) readChunk(src Source, offset int64, size int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ChunkTimeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := src.ReadChunk(ctx, offset, size)
		ch <- result{data: data, err: err}
	}()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrChunkTimeout, e.cfg.ChunkTimeout)
		}
		return nil, ctx.Err()
	}
}

func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.active[id]
	if !ok {
		return e.missingLocked(id)
	}
	if job.Status != StatusInProgress {
		return fmt.Errorf("%w: pause %s from %s", ErrInvalidTransition, id, job.Status)
	}
	job.Status = StatusPaused
	return nil
}

func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.active[id]
	if !ok {
		return e.missingLocked(id)
	}
	if job.Status != StatusPaused {
		return fmt.Errorf("%w: resume %s from %s", ErrInvalidTransition, id, job.Status)
	}
	if e.sources[id] == nil {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, id)
	}
	job.Status = StatusPending
	job.ErrorMessage = ""
	if !e.queued(id) {
		e.queue = append(e.queue, id)
	}
	e.pumpLocked()
	return nil
}

// Cancel stops a pending, running or paused job. Bytes already written stay
// on disk.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	job, ok := e.active[id]
	if !ok {
		err := e.missingLocked(id)
		e.mu.Unlock()
		return err
	}
	if job.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: cancel %s from %s", ErrInvalidTransition, id, job.Status)
	}
	job.Status = StatusCancelled
	e.dequeueLocked(id)
	if e.running[id] {
		// the running attempt settles the job on its next chunk boundary
		e.mu.Unlock()
		return nil
	}
	job.EndTime = e.now()
	snap := e.finishLocked(job)
	e.mu.Unlock()
	e.logger.Info().Str("job_id", id).Msg("transfer cancelled")
	e.outcomes.Publish(snap)
	return nil
}

// AttachSource supplies a source for a job that has none. A job parked for
// want of a source is requeued.
func (e *Engine) AttachSource(id string, src Source) error {
	if src == nil {
		return fmt.Errorf("%w: nil source", ErrSourceUnavailable)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[id]; !ok {
		return e.missingLocked(id)
	}
	e.attachLocked(id, src)
	return nil
}

func (e *Engine) attachLocked(id string, src Source) {
	e.sources[id] = src
	job := e.active[id]
	if !job.AwaitingSource {
		return
	}
	job.AwaitingSource = false
	if job.Status == StatusPaused {
		job.Status = StatusPending
		job.ErrorMessage = ""
		if !e.queued(id) {
			e.queue = append(e.queue, id)
		}
		e.pumpLocked()
	}
}

func (e *Engine) missingLocked(id string) error {
	if job, ok := e.finished[id]; ok {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, job.Status)
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// Wait blocks until the job is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Job, error) {
	e.mu.Lock()
	ch, ok := e.done[id]
	e.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	job, _ := e.Job(id)
	return job, nil
}

// Job returns a copy of the job in either set.
func (e *Engine) Job(id string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.lookupLocked(id)
	if job == nil {
		return Job{}, false
	}
	return *job, true
}

func (e *Engine) lookupLocked(id string) *Job {
	if job, ok := e.active[id]; ok {
		return job
	}
	return e.finished[id]
}

func (e *Engine) Status(id string) (StatusReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.lookupLocked(id)
	if job == nil {
		return StatusReport{}, false
	}
	return e.reportLocked(job), true
}

func (e *Engine) reportLocked(job *Job) StatusReport {
	now := e.now()
	r := StatusReport{
		JobID:            job.JobID,
		Filename:         job.Manifest.Filename,
		DeviceID:         job.Manifest.DeviceID,
		SessionID:        job.Manifest.SessionID,
		Status:           job.Status,
		ProgressPercent:  job.ProgressPercent(),
		BytesTransferred: job.BytesTransferred,
		TotalBytes:       job.Manifest.SizeBytes,
		TransferRate:     job.Rate(now),
		RetryCount:       job.RetryCount,
		ErrorMessage:     job.ErrorMessage,
	}
	if !job.StartTime.IsZero() {
		end := job.EndTime
		if end.IsZero() {
			end = now
		}
		r.DurationSeconds = end.Sub(job.StartTime).Seconds()
	}
	return r
}

// ActiveTransfers reports every non-terminal job ordered by id.
func (e *Engine) ActiveTransfers() []StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StatusReport, 0, len(e.active))
	for _, job := range e.active {
		out = append(out, e.reportLocked(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// FinishedTransfers reports every terminal job ordered by id.
func (e *Engine) FinishedTransfers() []StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StatusReport, 0, len(e.finished))
	for _, job := range e.finished {
		out = append(out, e.reportLocked(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Summary{
		Active:        len(e.active),
		Queued:        len(e.queue),
		Completed:     len(e.finished),
		Running:       len(e.running),
		MaxConcurrent: e.cfg.MaxConcurrent,
		DataDir:       e.cfg.DataDir,
	}
}

// Close stops running attempts and waits for them to unwind. Interrupted
// jobs return to pending so a saved state requeues them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}
