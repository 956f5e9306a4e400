package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-registry/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// registry domain metrics
	publishesTotal     prometheus.Counter
	conflictsTotal     prometheus.Counter
	safetyRejectsTotal prometheus.Counter
	downloadsTotal     prometheus.Counter
	removesTotal       prometheus.Counter

	// reconcile sweep metrics
	sweepOrphans       prometheus.Gauge
	sweepDangling      prometheus.Gauge
	sweepIntegrityErrs prometheus.Gauge
	sweepDuration      prometheus.Histogram
	sweepLastTs        prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		publishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_publishes_total",
			Help: "Total package versions published",
		}),
		conflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_publish_conflicts_total",
			Help: "Total publishes rejected because the version already exists",
		}),
		safetyRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_archive_rejects_total",
			Help: "Total uploads rejected by archive safety inspection",
		}),
		downloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_downloads_total",
			Help: "Total package archive downloads served",
		}),
		removesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "registry_removes_total",
			Help: "Total package versions removed",
		}),
		sweepOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_sweep_orphan_blobs",
			Help: "Orphan blobs found by the last reconcile sweep",
		}),
		sweepDangling: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_sweep_dangling_records",
			Help: "Dangling catalog records found by the last reconcile sweep",
		}),
		sweepIntegrityErrs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_sweep_integrity_failures",
			Help: "Checksum mismatches found by the last reconcile sweep",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "registry_sweep_duration_seconds",
			Help:    "Time to complete one reconcile sweep",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		sweepLastTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "registry_sweep_last_timestamp_seconds",
			Help: "Unix timestamp of the last completed reconcile sweep",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.publishesTotal,
		m.conflictsTotal,
		m.safetyRejectsTotal,
		m.downloadsTotal,
		m.removesTotal,
		m.sweepOrphans,
		m.sweepDangling,
		m.sweepIntegrityErrs,
		m.sweepDuration,
		m.sweepLastTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncPublish()      { m.publishesTotal.Inc() }
func (m *ServerMetrics) IncConflict()     { m.conflictsTotal.Inc() }
func (m *ServerMetrics) IncSafetyReject() { m.safetyRejectsTotal.Inc() }
func (m *ServerMetrics) IncDownload()     { m.downloadsTotal.Inc() }
func (m *ServerMetrics) IncRemove()       { m.removesTotal.Inc() }

// ObserveSweep records one reconcile sweep outcome.
func (m *ServerMetrics) ObserveSweep(orphans, dangling, integrityFailures int, d time.Duration) {
	m.sweepOrphans.Set(float64(orphans))
	m.sweepDangling.Set(float64(dangling))
	m.sweepIntegrityErrs.Set(float64(integrityFailures))
	m.sweepDuration.Observe(d.Seconds())
	m.sweepLastTs.Set(float64(time.Now().Unix()))
}
