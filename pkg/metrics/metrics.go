package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ensure metrics are only registered once
	once           sync.Once
	globalRegistry *prometheus.Registry

	// SIP metrics
	SIPRequestsTotal   *prometheus.CounterVec
	SIPResponsesTotal  *prometheus.CounterVec
	SIPRequestDuration *prometheus.HistogramVec

	// Sproutlet metrics
	SproutletDispatchesTotal *prometheus.CounterVec
	ActiveTransactionsGauge  prometheus.Gauge
	ForksTotal               *prometheus.CounterVec
	ForkCancelsTotal         prometheus.Counter
	TimerPopsTotal           prometheus.Counter
	PacketLeaksTotal         prometheus.Counter

	// Resolver metrics
	ResolverLookups       *prometheus.CounterVec
	ResolverLatency       prometheus.Histogram
	ResolverBlacklistSize prometheus.Gauge

	// Storage metrics
	StoreOperations *prometheus.CounterVec
	StoreCASRetries prometheus.Counter
	StoreLatency    *prometheus.HistogramVec

	// Timeout handler metrics
	TimeoutCallbacksTotal *prometheus.CounterVec

	// System metrics
	SystemInfo      *prometheus.GaugeVec
	ComponentHealth *prometheus.GaugeVec
)

// initMetrics initializes all metrics (called only once)
func initMetrics() {
	once.Do(func() {
		// Own registry to avoid conflicts with the default one
		globalRegistry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sip_requests_total",
				Help: "Total number of SIP requests processed",
			},
			[]string{"method", "service"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sip_responses_total",
				Help: "Total number of SIP responses forwarded upstream",
			},
			[]string{"class"},
		)

		SIPRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sip_request_duration_seconds",
				Help:    "Duration of SIP request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)

		SproutletDispatchesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sproutlet_dispatches_total",
				Help: "Requests dispatched into sproutlets, by service name",
			},
			[]string{"service"},
		)

		ActiveTransactionsGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_uas_transactions",
				Help: "Number of live UAS transactions",
			},
		)

		ForksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forks_total",
				Help: "Downstream forks created, by kind (sproutlet or uac)",
			},
			[]string{"kind"},
		)

		ForkCancelsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fork_cancels_total",
				Help: "CANCELs issued against downstream forks",
			},
		)

		TimerPopsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sproutlet_timer_pops_total",
				Help: "Sproutlet timers fired",
			},
		)

		PacketLeaksTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "packet_leaks_total",
				Help: "Messages still registered to a sproutlet at teardown",
			},
		)

		ResolverLookups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_lookups_total",
				Help: "SIP resolver lookups",
			},
			[]string{"result"},
		)

		ResolverLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "resolver_latency_seconds",
				Help:    "Time taken to resolve a SIP next-hop",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
		)

		ResolverBlacklistSize = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolver_blacklist_size",
				Help: "Number of blacklisted targets",
			},
		)

		StoreOperations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Data store operations",
			},
			[]string{"store", "operation", "result"},
		)

		StoreCASRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "store_cas_retries_total",
				Help: "Read-modify-write retries caused by CAS contention",
			},
		)

		StoreLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_latency_seconds",
				Help:    "Data store operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"store", "operation"},
		)

		TimeoutCallbacksTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeout_callbacks_total",
				Help: "Timer-service HTTP callbacks processed",
			},
			[]string{"handler", "status"},
		)

		SystemInfo = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "system_info",
				Help: "System build information",
			},
			[]string{"version", "build_time", "go_version"},
		)

		ComponentHealth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "component_health",
				Help: "Component health status (1 healthy, 0 unhealthy)",
			},
			[]string{"component"},
		)

		globalRegistry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			SIPRequestDuration,
			SproutletDispatchesTotal,
			ActiveTransactionsGauge,
			ForksTotal,
			ForkCancelsTotal,
			TimerPopsTotal,
			PacketLeaksTotal,
			ResolverLookups,
			ResolverLatency,
			ResolverBlacklistSize,
			StoreOperations,
			StoreCASRetries,
			StoreLatency,
			TimeoutCallbacksTotal,
			SystemInfo,
			ComponentHealth,
		)
	})
}

func init() {
	initMetrics()
}

// MetricsServer exposes the registry over HTTP
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics HTTP server
func NewMetricsServer(addr, path string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(globalRegistry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	return ms.server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// SetSystemInfo sets system information metrics
func SetSystemInfo(version, buildTime, goVersion string) {
	SystemInfo.WithLabelValues(version, buildTime, goVersion).Set(1)
}

// UpdateComponentHealth updates component health status
func UpdateComponentHealth(component string, healthy bool) {
	value := float64(0)
	if healthy {
		value = 1
	}
	ComponentHealth.WithLabelValues(component).Set(value)
}

// ResponseClass buckets a SIP status code for the responses counter.
func ResponseClass(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	case status < 600:
		return "5xx"
	default:
		return "6xx"
	}
}
