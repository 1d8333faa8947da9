// Package metrics exposes the service's Prometheus instrumentation and
// the /metrics HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Stream metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_messages_total",
			Help: "Total number of frames received per venue and channel",
		},
		[]string{"venue", "channel"},
	)

	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_bytes_total",
			Help: "Total payload bytes received per venue",
		},
		[]string{"venue"},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_parse_failures_total",
			Help: "Total frames dropped because the venue payload did not parse",
		},
		[]string{"venue"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_processing_duration_seconds",
			Help:    "Time spent decoding one frame",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"venue"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"venue"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"venue"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"venue", "error_type"},
	)

	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_subscriptions_active",
			Help: "Number of active subscriptions per venue and channel",
		},
		[]string{"venue", "channel"},
	)

	// Order book metrics
	BookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_book_updates_total",
			Help: "Total number of order book updates applied",
		},
		[]string{"venue", "symbol"},
	)

	BookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_book_depth",
			Help: "Current order book depth (number of levels)",
		},
		[]string{"venue", "symbol", "side"},
	)

	BookCrossed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_book_crossed_total",
			Help: "Updates after which best bid >= best ask",
		},
		[]string{"venue", "symbol"},
	)

	// Trade metrics
	TradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_trades_total",
			Help: "Total number of trades received",
		},
		[]string{"venue", "symbol", "side"},
	)

	// Redis sink metrics
	RedisPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_redis_publish_duration_seconds",
			Help:    "Time to publish one record to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	RedisPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_redis_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)
)

// RecordMessage records one received frame.
func RecordMessage(venue, channel string, size int) {
	MessagesReceived.WithLabelValues(venue, channel).Inc()
	BytesReceived.WithLabelValues(venue).Add(float64(size))
}

// RecordParseFailure records a dropped frame.
func RecordParseFailure(venue string) {
	ParseFailures.WithLabelValues(venue).Inc()
}

// RecordConnectionStatus records connection status.
func RecordConnectionStatus(venue string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(venue).Set(status)
}

// RecordReconnect records a reconnection attempt.
func RecordReconnect(venue string) {
	ConnectionReconnects.WithLabelValues(venue).Inc()
}

// RecordConnectionError records a connection error by type.
func RecordConnectionError(venue, errorType string) {
	ConnectionErrors.WithLabelValues(venue, errorType).Inc()
}

// RecordBookUpdate records an applied order book update.
func RecordBookUpdate(venue, symbol string, bidDepth, askDepth int) {
	BookUpdates.WithLabelValues(venue, symbol).Inc()
	BookDepth.WithLabelValues(venue, symbol, "bid").Set(float64(bidDepth))
	BookDepth.WithLabelValues(venue, symbol, "ask").Set(float64(askDepth))
}

// RecordCrossedBook records a crossed ladder observation.
func RecordCrossedBook(venue, symbol string) {
	BookCrossed.WithLabelValues(venue, symbol).Inc()
}

// RecordTrade records a received trade.
func RecordTrade(venue, symbol, side string) {
	TradeCount.WithLabelValues(venue, symbol, side).Inc()
}

// Server is the Prometheus metrics HTTP server.
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}
