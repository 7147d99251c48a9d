package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	// Session engine metrics
	SessionsStarted   prometheus.Counter
	SessionsEnded     *prometheus.CounterVec
	PointsRecalled    prometheus.Counter
	TurnLatency       prometheus.Histogram
	EngineErrors      *prometheus.CounterVec

	// Tangent metrics
	TangentsOpened prometheus.Counter
	TangentsClosed *prometheus.CounterVec

	// Connection manager reference for dynamic metrics
	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		connManager: connManager,

		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "recollect_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		// WebSocket messages by type (counter - only goes up)
		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recollect_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recollect_sessions_started_total",
			Help: "Total number of recall sessions started",
		}),

		// Ended sessions by final status: completed, paused, abandoned
		SessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recollect_sessions_ended_total",
			Help: "Total number of recall sessions ended by final status",
		}, []string{"status"}),

		PointsRecalled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recollect_points_recalled_total",
			Help: "Total number of recall points marked recalled",
		}),

		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recollect_turn_duration_seconds",
			Help:    "User-message turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		EngineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recollect_engine_errors_total",
			Help: "Total number of session engine errors by type",
		}, []string{"error_type"}),

		TangentsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "recollect_tangents_opened_total",
			Help: "Total number of rabbitholes detected",
		}),

		// Closed tangents by outcome: returned or abandoned
		TangentsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recollect_tangents_closed_total",
			Help: "Total number of rabbitholes closed by outcome",
		}, []string{"outcome"}),
	}

	// Register a collector that reads the live count from ConnectionManager
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "recollect_websocket_connections_current",
			Help: "Current number of active WebSocket connections (from connection manager)",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

// RecordSessionStarted records a session start
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionEnded records a session ending with its final status
func (m *Metrics) RecordSessionEnded(status string) {
	m.SessionsEnded.WithLabelValues(status).Inc()
}

// RecordPointRecalled records a recall point being marked recalled
func (m *Metrics) RecordPointRecalled() {
	m.PointsRecalled.Inc()
}

// RecordTurnLatency records a user-message turn latency
func (m *Metrics) RecordTurnLatency(seconds float64) {
	m.TurnLatency.Observe(seconds)
}

// RecordEngineError records a session engine error
func (m *Metrics) RecordEngineError(errorType string) {
	m.EngineErrors.WithLabelValues(errorType).Inc()
}

// RecordTangentOpened records a detected rabbithole
func (m *Metrics) RecordTangentOpened() {
	m.TangentsOpened.Inc()
}

// RecordTangentClosed records a rabbithole closing with its outcome
func (m *Metrics) RecordTangentClosed(outcome string) {
	m.TangentsClosed.WithLabelValues(outcome).Inc()
}
