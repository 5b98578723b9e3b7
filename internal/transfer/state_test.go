package transfer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/danmuck/sensorhub/internal/testutil/testlog"
)

func TestStateSurvivesRestart(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.ChunkSize = 1024
	cfg.MaxConcurrent = 1

	first, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	data := payload(4096)
	other := payload(2048)
	entered := make(chan struct{}, 1)
	stuck := &memSource{data: data}
	stuck.hook = func(ctx context.Context, offset int64) error {
		if offset == 0 {
			return nil
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	runningID, err := first.QueueTransfer(manifestFor("running.bin", data), stuck)
	if err != nil {
		t.Fatalf("queue running: %v", err)
	}
	queuedID, err := first.QueueTransfer(manifestFor("queued.bin", other), &memSource{data: other})
	if err != nil {
		t.Fatalf("queue waiting: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatalf("first chunk never landed")
	}
	if err := first.SaveState(""); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(first.StatePath()); err != nil {
		t.Fatalf("state file missing: %v", err)
	}

	second, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	resumed := &memSource{data: data}
	report, err := second.LoadState("", func(m FileManifest) (Source, bool) {
		if m.Filename == "running.bin" {
			return resumed, true
		}
		return nil, false
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.Requeued != 1 || report.AwaitingSource != 1 {
		t.Fatalf("unexpected restore report %+v", report)
	}

	job := waitJob(t, second, runningID)
	if job.Status != StatusCompleted || job.ResumeOffset != 1024 {
		t.Fatalf("expected completion from 1024, got %s resume=%d", job.Status, job.ResumeOffset)
	}
	if reads := resumed.reads(); len(reads) == 0 || reads[0] != 1024 {
		t.Fatalf("expected restored job to read from 1024, got %v", reads)
	}

	parked, ok := second.Status(queuedID)
	if !ok || parked.Status != StatusPaused {
		t.Fatalf("expected parked job, got %+v", parked)
	}
	if err := second.Resume(queuedID); err == nil {
		t.Fatalf("resume without a source should fail")
	}
	if err := second.AttachSource(queuedID, &memSource{data: other}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if job := waitJob(t, second, queuedID); job.Status != StatusCompleted {
		t.Fatalf("expected completed after attach, got %s", job.Status)
	}
}

func TestLoadStateVerifiesFinishedFilesAndKeepsHistory(t *testing.T) {
	testlog.Start(t)
	e := newEngine(t, nil)
	data := payload(3000)
	id, err := e.QueueTransfer(manifestFor("done.bin", data), &memSource{data: data})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	waitJob(t, e, id)
	if err := e.SaveState(""); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := e.Config()
	restored, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = restored.Close() })
	report, err := restored.LoadState("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.Finished != 1 || report.Requeued != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	job, ok := restored.Job(id)
	if !ok || job.Status != StatusCompleted {
		t.Fatalf("history not restored: %+v", job)
	}
	// waiting on a restored terminal job returns at once
	if got := waitJob(t, restored, id); got.JobID != id {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestLoadStateWithoutFileIsEmpty(t *testing.T) {
	testlog.Start(t)
	e := newEngine(t, nil)
	report, err := e.LoadState("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.Requeued+report.Finished+report.AwaitingSource != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
}
