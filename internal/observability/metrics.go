package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "assign_attempts_total", Help: "Assignment attempts by outcome"},
		[]string{"outcome"},
	)
	AssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "smartline_dispatch",
		Name:      "assign_latency_seconds",
		Help:      "TryAssign latency distribution",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	DispatchesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "dispatches_total", Help: "Trips fanned out to drivers"})
	NoDriversTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "no_drivers_total", Help: "Trips with no eligible candidates"})
	TimeoutsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "timeouts_total", Help: "Dispatched trips that expired unassigned"})
	DriversNotified  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "smartline_dispatch", Name: "drivers_notified", Help: "Drivers notified per dispatch", Buckets: []float64{1, 2, 5, 10, 20, 50}})
	CandidateLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "smartline_dispatch", Name: "candidate_search_seconds", Help: "Candidate search latency", Buckets: prometheus.DefBuckets},
		[]string{"path"}, // grid or radius
	)

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "smartline_dispatch", Name: "drivers_online", Help: "Drivers currently online"})
	StaleEvicted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "stale_drivers_evicted_total", Help: "Stale geo members evicted during scans"})

	BridgeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "bridge_events_total", Help: "Event bridge messages by channel and direction"},
		[]string{"channel", "direction"},
	)
	SettingsReloads = promauto.NewCounter(prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "settings_reloads_total", Help: "Settings snapshot reloads"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "smartline_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smartline_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
