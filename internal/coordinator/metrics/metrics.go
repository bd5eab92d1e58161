package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is what the dispatcher, registry and pool emit into. Tests substitute
// the in-memory implementation.
type Sink interface {
	JobResolved(agent, method string, status int, elapsed time.Duration, responseBytes int)
	JobFailed(agent, errorType string)
	AgentConnected()
	AgentDisconnected()
	SetAgentsTotal(n int)
	SetPoolSize(size, available int)
	SetQueueDepth(agent string, depth int)
}

// PrometheusSink exposes the wire-stable http_dispatcher_* metric family on a
// private registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestErrors    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	agentsConnected  prometheus.Gauge
	agentsTotal      prometheus.Gauge
	poolSize         prometheus.Gauge
	poolAvailable    prometheus.Gauge
	wsConnections    prometheus.Gauge
	agentRequests    *prometheus.CounterVec
	responseSize     *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
}

func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_dispatcher_requests_total",
				Help: "Total number of resolved dispatch jobs",
			},
			[]string{"agent", "status", "method"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_dispatcher_request_errors_total",
				Help: "Total number of failed dispatch jobs",
			},
			[]string{"agent", "error_type"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_dispatcher_request_duration_seconds",
				Help:    "Duration of dispatched requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent", "method"},
		),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_dispatcher_agents_connected",
			Help: "Number of currently connected agents",
		}),
		agentsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_dispatcher_agents_total",
			Help: "Number of agents known to the registry",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_dispatcher_ip_pool_size",
			Help: "Number of source IPs in the pool",
		}),
		poolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_dispatcher_ip_pool_available",
			Help: "Number of source IPs currently selectable",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_dispatcher_websocket_connections",
			Help: "Number of open agent WebSocket connections",
		}),
		agentRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_dispatcher_agent_requests_total",
				Help: "Total number of successfully completed jobs per agent",
			},
			[]string{"agent"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_dispatcher_response_size_bytes",
				Help:    "Response body sizes of dispatched requests",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"agent"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_dispatcher_queue_depth",
				Help: "In-flight jobs per agent",
			},
			[]string{"agent"},
		),
	}

	started := time.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "http_dispatcher_uptime_seconds",
		Help: "Seconds since coordinator start",
	}, func() float64 {
		return time.Since(started).Seconds()
	})

	s.registry.MustRegister(
		s.requestsTotal,
		s.requestErrors,
		s.requestDuration,
		s.agentsConnected,
		s.agentsTotal,
		s.poolSize,
		s.poolAvailable,
		s.wsConnections,
		s.agentRequests,
		s.responseSize,
		s.queueDepth,
		uptime,
	)

	return s
}

// Handler returns the /metrics exposition handler.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *PrometheusSink) JobResolved(agent, method string, status int, elapsed time.Duration, responseBytes int) {
	s.requestsTotal.WithLabelValues(agent, strconv.Itoa(status), method).Inc()
	s.requestDuration.WithLabelValues(agent, method).Observe(elapsed.Seconds())
	s.agentRequests.WithLabelValues(agent).Inc()
	s.responseSize.WithLabelValues(agent).Observe(float64(responseBytes))
}

func (s *PrometheusSink) JobFailed(agent, errorType string) {
	s.requestErrors.WithLabelValues(agent, errorType).Inc()
}

func (s *PrometheusSink) AgentConnected() {
	s.agentsConnected.Inc()
	s.wsConnections.Inc()
}

func (s *PrometheusSink) AgentDisconnected() {
	s.agentsConnected.Dec()
	s.wsConnections.Dec()
}

func (s *PrometheusSink) SetAgentsTotal(n int) {
	s.agentsTotal.Set(float64(n))
}

func (s *PrometheusSink) SetPoolSize(size, available int) {
	s.poolSize.Set(float64(size))
	s.poolAvailable.Set(float64(available))
}

func (s *PrometheusSink) SetQueueDepth(agent string, depth int) {
	s.queueDepth.WithLabelValues(agent).Set(float64(depth))
}
