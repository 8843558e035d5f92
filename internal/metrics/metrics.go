// Package metrics provides Prometheus instrumentation for the spread engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/spread-engine/internal/model"
)

var (
	// TradesTotal counts committed market operations by kind (open, increase, close, settle).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_trades_total",
		Help: "Total number of committed market operations",
	}, []string{"kind", "market"})

	// TradeLatency tracks market operation latency, committed or not.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spread_trade_latency_seconds",
		Help:    "Market operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts rolled back market operations by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_trade_rejections_total",
		Help: "Market operations rejected and rolled back, by error kind",
	}, []string{"kind", "reason"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spread_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// OpenPositions tracks the number of live spread positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_open_positions",
		Help: "Number of currently open spread positions",
	})

	// PoolTokenPrice tracks the liquidity pool share price.
	PoolTokenPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_pool_token_price",
		Help: "Liquidity pool token price in quote",
	})

	// PoolValue tracks total pool value.
	PoolValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_pool_value",
		Help: "Total liquidity pool value in quote",
	})

	// PoolLockedLiquidity tracks collateral lent to the market.
	PoolLockedLiquidity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_pool_locked_liquidity",
		Help: "Quote lent to the option market as short collateral",
	})

	// PoolFreeLiquidity tracks liquidity available to lock or withdraw.
	PoolFreeLiquidity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_pool_free_liquidity",
		Help: "Quote available to lock or pay out",
	})

	// QueuedWithdrawals tracks withdrawals waiting in the queue.
	QueuedWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_pool_queued_withdrawals",
		Help: "Number of unprocessed queued withdrawals",
	})

	// EventPublishFailures counts trade events that failed to publish.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_event_publish_failures_total",
		Help: "Trade events that failed to publish, by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spread_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spread_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spread_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePool publishes a pool snapshot to the pool gauges.
func ObservePool(s model.PoolState) {
	PoolTokenPrice.Set(s.TokenPrice.InexactFloat64())
	PoolValue.Set(s.TotalPoolValue.InexactFloat64())
	PoolLockedLiquidity.Set(s.LockedLiquidity.InexactFloat64())
	PoolFreeLiquidity.Set(s.FreeLiquidity.InexactFloat64())
	pending := 0.0
	if s.QueueTail >= s.QueueHead {
		pending = float64(s.QueueTail - s.QueueHead + 1)
	}
	QueuedWithdrawals.Set(pending)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, to keep label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over connections behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
