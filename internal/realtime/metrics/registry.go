package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realtime/internal/realtime"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Connection metrics
	connectionsActive *prometheus.GaugeVec
	admissionsTotal   *prometheus.CounterVec
	evictionsTotal    *prometheus.CounterVec

	// Dispatch metrics
	dispatchTotal      *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	dispatchRecipients *prometheus.HistogramVec
	sendsTotal         *prometheus.CounterVec

	// Client protocol metrics
	inboundMessagesTotal   *prometheus.CounterVec
	subscriptionOperations *prometheus.CounterVec

	// Access policy metrics
	policyReloadsTotal *prometheus.CounterVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_connections_active",
				Help: "Number of registered connections",
			},
			[]string{"role"},
		),

		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_admissions_total",
				Help: "Total number of connection admission attempts",
			},
			[]string{"status"}, // status: success, invalid_identity, credential, capacity, rate_limited, error
		),

		evictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connections_removed_total",
				Help: "Total number of connections removed from the registry",
			},
			[]string{"reason"}, // reason: closed, error, timeout, shutdown
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_dispatch_total",
				Help: "Total number of dispatched events",
			},
			[]string{"topic", "status"}, // status: success, error
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_dispatch_duration_seconds",
				Help:    "Time spent fanning out a single event",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"topic"},
		),

		dispatchRecipients: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_dispatch_recipients",
				Help:    "Number of eligible recipients per dispatched event",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"topic"},
		),

		sendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_sends_total",
				Help: "Total number of per-recipient sends",
			},
			[]string{"status"}, // status: delivered, failed
		),

		inboundMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_inbound_messages_total",
				Help: "Total number of client frames received",
			},
			[]string{"type"},
		),

		subscriptionOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_subscription_operations_total",
				Help: "Total number of subscribe and unsubscribe requests",
			},
			[]string{"operation", "status"},
		),

		policyReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_policy_reloads_total",
				Help: "Total number of access policy reloads",
			},
			[]string{"status"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.connectionsActive,
		r.admissionsTotal,
		r.evictionsTotal,
		r.dispatchTotal,
		r.dispatchDuration,
		r.dispatchRecipients,
		r.sendsTotal,
		r.inboundMessagesTotal,
		r.subscriptionOperations,
		r.policyReloadsTotal,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordAdmission records a connection admission attempt
func (r *Registry) RecordAdmission(err error) {
	r.admissionsTotal.WithLabelValues(admissionStatus(err)).Inc()
}

func admissionStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, realtime.ErrInvalidIdentity):
		return "invalid_identity"
	case errors.Is(err, realtime.ErrInvalidCredential):
		return "credential"
	case errors.Is(err, realtime.ErrCapacityExceeded):
		return "capacity"
	default:
		return "error"
	}
}

// RecordRateLimited records an admission refused by the per-client limiter
func (r *Registry) RecordRateLimited() {
	r.admissionsTotal.WithLabelValues("rate_limited").Inc()
}

// RecordRemoval records a connection leaving the registry
func (r *Registry) RecordRemoval(reason string) {
	r.evictionsTotal.WithLabelValues(reason).Inc()
}

// UpdateConnections replaces the per-role connection gauge
func (r *Registry) UpdateConnections(byRole map[realtime.Role]int) {
	r.connectionsActive.Reset()
	for _, role := range realtime.Roles {
		r.connectionsActive.WithLabelValues(string(role)).Set(0)
	}
	for role, n := range byRole {
		r.connectionsActive.WithLabelValues(string(role)).Set(float64(n))
	}
}

// RecordDispatch records a dispatch operation
func (r *Registry) RecordDispatch(topic string, result realtime.DispatchResult, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.dispatchTotal.WithLabelValues(topic, status).Inc()
	r.dispatchDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if err == nil {
		r.dispatchRecipients.WithLabelValues(topic).Observe(float64(result.Attempted))
		r.sendsTotal.WithLabelValues("delivered").Add(float64(result.Delivered))
		r.sendsTotal.WithLabelValues("failed").Add(float64(result.Failed))
	}
}

// RecordInbound records a client frame by type
func (r *Registry) RecordInbound(messageType string) {
	r.inboundMessagesTotal.WithLabelValues(messageType).Inc()
}

// RecordSubscription records a subscribe or unsubscribe request
func (r *Registry) RecordSubscription(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.subscriptionOperations.WithLabelValues(operation, status).Inc()
}

// RecordPolicyReload records an access policy reload
func (r *Registry) RecordPolicyReload(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.policyReloadsTotal.WithLabelValues(status).Inc()
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}
