package timesync

import (
	"context"
	"encoding/binary"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/danmuck/sensorhub/internal/testutil/testlog"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func directMedianP95(values []float64) (float64, float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	var med float64
	if n%2 == 0 {
		med = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		med = sorted[n/2]
	}
	idx := int(0.95 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return med, sorted[idx]
}

func TestHandleRequestEchoesAndRecordsOffset(t *testing.T) {
	testlog.Start(t)

	svc := NewService(Config{})
	server := time.UnixMilli(1_700_000_000_000)
	svc.now = fixedClock(server)

	resp := svc.HandleRequest("dev", EncodeRequest(1_700_000_000_007, 42))
	if len(resp) != ResponseLen {
		t.Fatalf("unexpected response length %d", len(resp))
	}
	if got := binary.BigEndian.Uint64(resp[:8]); got != 1_700_000_000_007 {
		t.Fatalf("client timestamp not echoed: %d", got)
	}
	if got := binary.BigEndian.Uint64(resp[8:]); got != 1_700_000_000_000 {
		t.Fatalf("unexpected server timestamp: %d", got)
	}
	st, ok := svc.DeviceStats("dev")
	if !ok || st.OffsetMS != 7 || st.SyncCount != 1 || st.MedianOffsetMS != 7 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	// device behind the hub: signed offset, absolute window value
	svc.HandleRequest("dev", EncodeRequest(1_699_999_999_997, 42))
	st, _ = svc.DeviceStats("dev")
	if st.OffsetMS != -3 || st.RecentOffsets[1] != 3 {
		t.Fatalf("unexpected stats after negative offset: %+v", st)
	}
}

func TestShortRequestIsDropped(t *testing.T) {
	testlog.Start(t)

	svc := NewService(Config{})
	if resp := svc.HandleRequest("dev", make([]byte, 15)); resp != nil {
		t.Fatalf("expected nil response, got %v", resp)
	}
	if _, ok := svc.DeviceStats("dev"); ok {
		t.Fatalf("short request must not create stats")
	}
	if _, ok := DeviceIDFromRequest(make([]byte, 8)); ok {
		t.Fatalf("short request must not yield a device id")
	}
}

func TestRollingWindowStatsMatchDirectComputation(t *testing.T) {
	testlog.Start(t)

	svc := NewService(Config{HistorySize: 100})
	server := time.UnixMilli(1_700_000_000_000)
	svc.now = fixedClock(server)

	var prevCount uint64
	for i := 0; i < 150; i++ {
		offset := int64((i*37)%23) - 11
		svc.HandleRequest("dev", EncodeRequest(server.UnixMilli()+offset, 1))

		st, _ := svc.DeviceStats("dev")
		wantLen := i + 1
		if wantLen > 100 {
			wantLen = 100
		}
		if len(st.RecentOffsets) != wantLen {
			t.Fatalf("sample %d: window len %d want %d", i, len(st.RecentOffsets), wantLen)
		}
		med, p := directMedianP95(st.RecentOffsets)
		if st.MedianOffsetMS != med || st.P95OffsetMS != p {
			t.Fatalf("sample %d: stats median=%v p95=%v direct median=%v p95=%v", i, st.MedianOffsetMS, st.P95OffsetMS, med, p)
		}
		if st.MedianOffsetMS > st.P95OffsetMS {
			t.Fatalf("sample %d: median above p95", i)
		}
		if st.SyncCount != prevCount+1 {
			t.Fatalf("sample %d: sync count %d", i, st.SyncCount)
		}
		prevCount = st.SyncCount
	}
}

func TestHundredStableExchanges(t *testing.T) {
	testlog.Start(t)

	svc := NewService(Config{})
	server := time.UnixMilli(1_700_000_000_000)
	svc.now = fixedClock(server)

	for i := 0; i < 100; i++ {
		// offsets cycle 0..4 ms
		svc.HandleRequest("dev", EncodeRequest(server.UnixMilli()+int64(i%5), 9))
	}
	st, _ := svc.DeviceStats("dev")
	if st.SyncCount != 100 || len(st.RecentOffsets) != 100 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.MedianOffsetMS != 2 || st.P95OffsetMS != 4 {
		t.Fatalf("unexpected median/p95: %v/%v", st.MedianOffsetMS, st.P95OffsetMS)
	}
	if !svc.IsSynchronized("dev") {
		t.Fatalf("device within target should be synchronized")
	}

	svc.now = fixedClock(server.Add(61 * time.Second))
	if svc.IsSynchronized("dev") {
		t.Fatalf("stale sync must not count as synchronized")
	}
}

func TestQualityPoolsAllDevices(t *testing.T) {
	testlog.Start(t)

	svc := NewService(Config{})
	server := time.UnixMilli(1_700_000_000_000)
	svc.now = fixedClock(server)

	for i := 0; i < 10; i++ {
		svc.HandleRequest("good", EncodeRequest(server.UnixMilli()+1, 1))
		svc.HandleRequest("bad", EncodeRequest(server.UnixMilli()+40, 2))
	}
	q := svc.Quality()
	if q.TotalDevices != 2 || q.SynchronizedDevices != 1 || q.SyncRate != 0.5 {
		t.Fatalf("unexpected quality: %+v", q)
	}
	if q.MedianOffsetMS != 20.5 || q.P95OffsetMS != 40 {
		t.Fatalf("unexpected pooled stats: %+v", q)
	}
	if len(svc.AllStats()) != 2 {
		t.Fatalf("expected two device stats")
	}
}

func TestServeAnswersUDPProbes(t *testing.T) {
	testlog.Start(t)

	svc := NewService(Config{})
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, pc) }()
	defer func() {
		cancel()
		<-done
	}()

	probeCtx, probeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer probeCancel()
	ex, err := Probe(probeCtx, pc.LocalAddr().String(), 0xabc)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ex.ServerMS == 0 || ex.ClientMS == 0 {
		t.Fatalf("unexpected exchange: %+v", ex)
	}
	if _, ok := svc.DeviceStats(FormatDeviceID(0xabc)); !ok {
		t.Fatalf("stats not keyed by derived device id")
	}
	if FormatDeviceID(0xabc) != "device_0000000000000abc" {
		t.Fatalf("unexpected id format: %s", FormatDeviceID(0xabc))
	}
}
