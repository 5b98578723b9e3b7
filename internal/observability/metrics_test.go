package observability

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/sensorhub/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("hub-a", "GET", "/health", 200, 12*time.Millisecond)
	SetConnectedDevices(3)
	RecordFrame("in")
	RecordRejected("schema")
	RecordBroadcast("session_start", true)
	RecordSyncExchange(4.5)
	RecordTransferBytes(1024)
	RecordTransferOutcome("completed")
	AddEventStreams(1)
	AddEventStreams(-1)

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}

func TestComponentLoggerTagsComponent(t *testing.T) {
	testlog.Start(t)
	logger := Component("timesync")
	logger.Debug().Msg("component logger usable")
}

func TestCollectHostReadsDataDir(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	snap, err := CollectHost(context.Background(), dir)
	if snap.Disk == nil {
		t.Fatalf("disk section missing: %v", err)
	}
	if snap.Disk.Path != dir || snap.Disk.TotalBytes == 0 {
		t.Fatalf("unexpected disk snapshot %+v", snap.Disk)
	}
	if _, err := CollectHost(context.Background(), ""); err != nil {
		t.Logf("host probe without disk: %v", err)
	}
}
