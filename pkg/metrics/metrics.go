package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pdd/pkg/dhcpv6"
)

// PoolSource supplies prefix pool statistics for collection.
type PoolSource interface {
	Stats() dhcpv6.PoolStats
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// DHCPv6 metrics
	messagesTotal  *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec

	// Pool metrics
	poolSize        prometheus.Gauge
	poolAllocated   prometheus.Gauge
	poolAvailable   prometheus.Gauge
	poolUtilization prometheus.Gauge

	// Route metrics
	routeOperations *prometheus.CounterVec
	routesActive    prometheus.Gauge

	// RADIUS metrics
	radiusRequests *prometheus.CounterVec
	radiusLatency  *prometheus.HistogramVec

	pool   PoolSource
	logger *zap.Logger
}

// New creates a new Metrics instance
func New(pool PoolSource, logger *zap.Logger) *Metrics {
	return &Metrics{
		pool:   pool,
		logger: logger,

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdd_dhcpv6_messages_total",
				Help: "Total DHCPv6 messages handled by outcome",
			},
			[]string{"outcome"},
		),

		handleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdd_dhcpv6_handle_duration_seconds",
				Help:    "DHCPv6 message handling latency by outcome",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"outcome"},
		),

		poolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdd_pool_size_prefixes",
				Help: "Number of prefixes the pool can delegate",
			},
		),

		poolAllocated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdd_pool_allocated_prefixes",
				Help: "Prefixes currently delegated",
			},
		),

		poolAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdd_pool_available_prefixes",
				Help: "Prefixes still available for delegation",
			},
		),

		poolUtilization: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdd_pool_utilization_ratio",
				Help: "Prefix pool utilization ratio (0-1)",
			},
		),

		routeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdd_route_operations_total",
				Help: "Delegated prefix route operations by operation and result",
			},
			[]string{"operation", "result"},
		),

		routesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdd_routes_active",
				Help: "Routes installed for delegated prefixes",
			},
		),

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdd_radius_requests_total",
				Help: "Total RADIUS accounting requests by status type and result",
			},
			[]string{"type", "result"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdd_radius_latency_seconds",
				Help:    "RADIUS accounting request latency",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),
	}
}

// Register registers all metrics with the default Prometheus registerer
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		// DHCPv6 metrics
		m.messagesTotal,
		m.handleDuration,
		// Pool metrics
		m.poolSize,
		m.poolAllocated,
		m.poolAvailable,
		m.poolUtilization,
		// Route metrics
		m.routeOperations,
		m.routesActive,
		// RADIUS metrics
		m.radiusRequests,
		m.radiusLatency,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordMessage records the outcome of one handled DHCPv6 message.
func (m *Metrics) RecordMessage(outcome string, elapsed time.Duration) {
	m.messagesTotal.WithLabelValues(outcome).Inc()
	m.handleDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordRouteOperation records a route add or delete.
func (m *Metrics) RecordRouteOperation(operation string, err error) {
	m.routeOperations.WithLabelValues(operation, result(err)).Inc()
}

// SetRoutesActive sets the count of installed delegated prefix routes.
func (m *Metrics) SetRoutesActive(count int) {
	m.routesActive.Set(float64(count))
}

// RecordRADIUSRequest records a RADIUS accounting request.
func (m *Metrics) RecordRADIUSRequest(statusType string, err error, latency time.Duration) {
	m.radiusRequests.WithLabelValues(statusType, result(err)).Inc()
	m.radiusLatency.WithLabelValues(statusType).Observe(latency.Seconds())
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates pool gauges from the prefix pool
func (m *Metrics) Collect() {
	if m.pool == nil {
		return
	}

	stats := m.pool.Stats()
	m.poolSize.Set(float64(stats.Size))
	m.poolAllocated.Set(float64(stats.Allocated))
	m.poolAvailable.Set(float64(stats.Available))
	m.poolUtilization.Set(stats.Utilization)
}

// StartCollector starts a background goroutine that collects metrics
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	m.Collect()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Serve exposes /metrics on addr until stopCh is closed.
func (m *Metrics) Serve(addr string, stopCh <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-stopCh
		srv.Close()
	}()

	m.logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
