package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homenet"

// Metrics owns a private registry so several instances can coexist in tests.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	sessionRejects   *prometheus.CounterVec
	sessionBytes     *prometheus.CounterVec
	echoPackets      prometheus.Counter
	testsTotal       *prometheus.CounterVec
	lastThroughput   *prometheus.GaugeVec
	lastLatency      *prometheus.GaugeVec
	devicesByMedium  *prometheus.GaugeVec
	scansTotal       *prometheus.CounterVec
	scanDuration     prometheus.Histogram
	measurementsSeen prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Throughput sessions currently admitted",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "Throughput sessions by outcome",
		}, []string{"outcome"}),
		sessionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rejects_total",
			Help:      "Rejected handshakes by code",
		}, []string{"code"}),
		sessionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "bytes_total",
			Help:      "Payload bytes moved by throughput sessions",
		}, []string{"direction"}),
		echoPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "echo_packets_total",
			Help:      "Latency probes echoed",
		}),
		testsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "test",
			Name:      "runs_total",
			Help:      "Orchestrated test runs by outcome",
		}, []string{"outcome"}),
		lastThroughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "test",
			Name:      "last_throughput_mbps",
			Help:      "Throughput of the last completed test",
		}, []string{"direction"}),
		lastLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "test",
			Name:      "last_latency_ms",
			Help:      "Latency figures of the last completed test",
		}, []string{"kind"}),
		devicesByMedium: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "devices",
			Help:      "Known devices by connection medium",
		}, []string{"medium"}),
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scans_total",
			Help:      "Discovery scans by result",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "scan_duration_seconds",
			Help:      "Wall time of discovery scans",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		measurementsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "measurements_saved_total",
			Help:      "Measurement results persisted",
		}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionRejects,
		m.sessionBytes,
		m.echoPackets,
		m.testsTotal,
		m.lastThroughput,
		m.lastLatency,
		m.devicesByMedium,
		m.scansTotal,
		m.scanDuration,
		m.measurementsSeen,
		newProcessCollector(time.Now()),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionFinished(outcome string, downloadBytes, uploadBytes int64) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	if downloadBytes > 0 {
		m.sessionBytes.WithLabelValues("download").Add(float64(downloadBytes))
	}
	if uploadBytes > 0 {
		m.sessionBytes.WithLabelValues("upload").Add(float64(uploadBytes))
	}
}

func (m *Metrics) SessionRejected(code string) {
	if m == nil {
		return
	}
	m.sessionRejects.WithLabelValues(code).Inc()
}

func (m *Metrics) EchoHandled() {
	if m == nil {
		return
	}
	m.echoPackets.Inc()
}

// TestFinished records a run outcome. Nil figures leave the previous gauge
// value untouched.
func (m *Metrics) TestFinished(outcome string, download, upload, ping, jitter *float64) {
	if m == nil {
		return
	}
	m.testsTotal.WithLabelValues(outcome).Inc()
	setIf(m.lastThroughput.WithLabelValues("download"), download)
	setIf(m.lastThroughput.WithLabelValues("upload"), upload)
	setIf(m.lastLatency.WithLabelValues("ping"), ping)
	setIf(m.lastLatency.WithLabelValues("jitter"), jitter)
}

func (m *Metrics) SetDevices(counts map[string]int) {
	if m == nil {
		return
	}
	m.devicesByMedium.Reset()
	for medium, n := range counts {
		m.devicesByMedium.WithLabelValues(medium).Set(float64(n))
	}
}

func (m *Metrics) ScanFinished(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.scansTotal.WithLabelValues(result).Inc()
	m.scanDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) MeasurementSaved() {
	if m == nil {
		return
	}
	m.measurementsSeen.Inc()
}

func setIf(g prometheus.Gauge, v *float64) {
	if v != nil {
		g.Set(*v)
	}
}

type processCollector struct {
	start  time.Time
	uptime *prometheus.Desc
	alloc  *prometheus.Desc
}

func newProcessCollector(start time.Time) *processCollector {
	return &processCollector{
		start: start,
		uptime: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
		alloc: prometheus.NewDesc(
			namespace+"_memory_alloc_bytes",
			"Bytes of allocated heap objects",
			nil, nil,
		),
	}
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptime
	ch <- c.alloc
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.start).Seconds())
	ch <- prometheus.MustNewConstMetric(c.alloc, prometheus.GaugeValue, float64(mem.Alloc))
}
