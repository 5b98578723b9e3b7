package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sensorhub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectedDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sensorhub",
			Subsystem: "command",
			Name:      "connected_devices",
			Help:      "Devices currently registered and not disconnected.",
		},
	)
	commandFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "command",
			Name:      "frames_total",
			Help:      "Command channel frames by direction.",
		},
		[]string{"direction"},
	)
	commandRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "command",
			Name:      "rejected_total",
			Help:      "Inbound messages rejected before dispatch.",
		},
		[]string{"reason"},
	)
	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "command",
			Name:      "broadcast_deliveries_total",
			Help:      "Per-device broadcast delivery attempts.",
		},
		[]string{"message_type", "success"},
	)
	syncExchanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "timesync",
			Name:      "exchanges_total",
			Help:      "Accepted clock sync exchanges.",
		},
	)
	syncOffsets = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sensorhub",
			Subsystem: "timesync",
			Name:      "abs_offset_ms",
			Help:      "Absolute device clock offset per exchange in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 15, 25, 50, 100, 250, 1000},
		},
	)
	transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes written to local storage by the transfer engine.",
		},
	)
	transferOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "transfer",
			Name:      "jobs_total",
			Help:      "Transfer job outcomes.",
		},
		[]string{"outcome"},
	)
	gsrPoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "gsr",
			Name:      "points_total",
			Help:      "GSR data points accumulated into session datasets.",
		},
	)
	gsrDatasets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sensorhub",
			Subsystem: "gsr",
			Name:      "dataset_writes_total",
			Help:      "GSR dataset file writes by result.",
		},
		[]string{"result"},
	)
	eventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sensorhub",
			Subsystem: "admin",
			Name:      "event_streams",
			Help:      "Open admin event stream connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectedDevices,
			commandFrames,
			commandRejected,
			broadcasts,
			syncExchanges,
			syncOffsets,
			transferBytes,
			transferOutcomes,
			gsrPoints,
			gsrDatasets,
			eventStreams,
			dataDirFree,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetConnectedDevices(n int) {
	RegisterMetrics()
	connectedDevices.Set(float64(n))
}

func RecordFrame(direction string) {
	RegisterMetrics()
	commandFrames.WithLabelValues(direction).Inc()
}

func RecordRejected(reason string) {
	RegisterMetrics()
	commandRejected.WithLabelValues(reason).Inc()
}

func RecordBroadcast(messageType string, success bool) {
	RegisterMetrics()
	broadcasts.WithLabelValues(messageType, strconv.FormatBool(success)).Inc()
}

func RecordSyncExchange(absOffsetMS float64) {
	RegisterMetrics()
	syncExchanges.Inc()
	syncOffsets.Observe(absOffsetMS)
}

func RecordTransferBytes(n int) {
	RegisterMetrics()
	transferBytes.Add(float64(n))
}

func RecordTransferOutcome(outcome string) {
	RegisterMetrics()
	transferOutcomes.WithLabelValues(outcome).Inc()
}

func AddEventStreams(delta int) {
	RegisterMetrics()
	eventStreams.Add(float64(delta))
}

func RecordGSRPoints(n int) {
	RegisterMetrics()
	gsrPoints.Add(float64(n))
}

func RecordGSRDatasetWrite(ok bool) {
	RegisterMetrics()
	result := "ok"
	if !ok {
		result = "error"
	}
	gsrDatasets.WithLabelValues(result).Inc()
}
