// Package metrics provides engine metrics tracking and the Prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Cycle outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
)

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	TradesTotal     int64
	CyclesTotal     int64
	AlertsTotal     int64
	LastScore       float64
	LastBand        store.Band
	LastCycleAt     time.Time
	Uptime          time.Duration
	WebSocketStatus string
	RESTAPILastPoll time.Time
}

// MetricsTracker provides thread-safe metrics tracking. Every update is
// mirrored into Prometheus collectors on the tracker's own registry.
type MetricsTracker struct {
	mu           sync.RWMutex
	tradesTotal  int64
	cyclesTotal  int64
	alertsTotal  int64
	lastScore    float64
	lastBand     store.Band
	lastCycleAt  time.Time
	startTime    time.Time
	wsStatus     string
	restLastPoll time.Time

	registry         *prometheus.Registry
	tradesIngested   prometheus.Counter
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	riskScore        prometheus.Gauge
	riskBand         prometheus.Gauge
	riskFactors      *prometheus.GaugeVec
	clusters         prometheus.Gauge
	walletClusters   prometheus.Gauge
	anomalies        prometheus.Gauge
	skippedTrades    prometheus.Counter
	alerts           *prometheus.CounterVec
	alertsSuppressed prometheus.Counter
	wsConnected      prometheus.Gauge
}

// NewMetricsTracker creates a tracker with a fresh Prometheus registry.
func NewMetricsTracker() *MetricsTracker {
	m := &MetricsTracker{
		startTime: time.Now(),
		wsStatus:  "disconnected",
		registry:  prometheus.NewRegistry(),

		tradesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadowflow_trades_ingested_total",
			Help: "Trades accepted into the lookback buffer",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadowflow_cycles_total",
			Help: "Detection cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shadowflow_cycle_duration_seconds",
			Help:    "Wall time of completed detection cycles",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		riskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadowflow_risk_score",
			Help: "Composite risk score of the latest cycle (0-100)",
		}),
		riskBand: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadowflow_risk_band",
			Help: "Risk band of the latest cycle (0=LOW, 1=MEDIUM, 2=HIGH, 3=CRITICAL)",
		}),
		riskFactors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shadowflow_risk_factor",
			Help: "Normalized risk factors of the latest cycle (0-100)",
		}, []string{"factor"}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadowflow_sync_clusters",
			Help: "Sync clusters found in the latest cycle",
		}),
		walletClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadowflow_wallet_clusters",
			Help: "Wallet clusters found in the latest cycle",
		}),
		anomalies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadowflow_anomalous_trades",
			Help: "Trades flagged anomalous in the latest cycle",
		}),
		skippedTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadowflow_trades_skipped_total",
			Help: "Malformed or out-of-order trades skipped by detection",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shadowflow_alerts_fired_total",
			Help: "Alerts fired by band",
		}, []string{"band", "escalation"}),
		alertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shadowflow_alerts_suppressed_total",
			Help: "Breaches suppressed during cooldown",
		}),
		wsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shadowflow_websocket_connected",
			Help: "1 when the live trade websocket is connected",
		}),
	}

	m.registry.MustRegister(
		m.tradesIngested,
		m.cycles,
		m.cycleDuration,
		m.riskScore,
		m.riskBand,
		m.riskFactors,
		m.clusters,
		m.walletClusters,
		m.anomalies,
		m.skippedTrades,
		m.alerts,
		m.alertsSuppressed,
		m.wsConnected,
	)
	return m
}

// AddTrades counts trades accepted by the feed.
func (m *MetricsTracker) AddTrades(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.tradesTotal += int64(n)
	m.mu.Unlock()
	m.tradesIngested.Add(float64(n))
}

// ObserveCycle records a completed cycle.
func (m *MetricsTracker) ObserveCycle(r *store.Result, duration time.Duration) {
	a := r.Assessment

	m.mu.Lock()
	m.cyclesTotal++
	m.lastScore = a.Score
	m.lastBand = a.Band
	m.lastCycleAt = r.AsOf
	m.mu.Unlock()

	m.cycles.WithLabelValues(OutcomeCompleted).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.riskScore.Set(a.Score)
	m.riskBand.Set(float64(a.Band.Severity()))
	m.riskFactors.WithLabelValues("anomaly_pct").Set(a.Factors.AnomalyPct)
	m.riskFactors.WithLabelValues("wallet_cluster").Set(a.Factors.WalletClusterSignal)
	m.riskFactors.WithLabelValues("price_manipulation").Set(a.Factors.PriceManipulationSignal)
	m.riskFactors.WithLabelValues("temporal").Set(a.Factors.TemporalSignal)
	m.clusters.Set(float64(len(r.Clusters)))
	m.walletClusters.Set(float64(len(r.WalletClusters)))
	m.anomalies.Set(float64(a.Stats.AnomalyCount))
	m.skippedTrades.Add(float64(r.SkippedTrades))
}

// IncrementCycleOutcome counts a cycle that did not complete.
func (m *MetricsTracker) IncrementCycleOutcome(outcome string) {
	m.cycles.WithLabelValues(outcome).Inc()
}

// IncrementAlert counts a fired alert.
func (m *MetricsTracker) IncrementAlert(a *store.Alert) {
	m.mu.Lock()
	m.alertsTotal++
	m.mu.Unlock()
	m.alerts.WithLabelValues(string(a.Band), fmt.Sprintf("%t", a.Escalation)).Inc()
}

// IncrementSuppressed counts a breach swallowed by the cooldown.
func (m *MetricsTracker) IncrementSuppressed() {
	m.alertsSuppressed.Inc()
}

// SetWebSocketStatus sets the WebSocket connection status.
func (m *MetricsTracker) SetWebSocketStatus(status string) {
	m.mu.Lock()
	m.wsStatus = status
	m.mu.Unlock()
	if status == "connected" {
		m.wsConnected.Set(1)
	} else {
		m.wsConnected.Set(0)
	}
}

// SetRESTLastPoll sets the last REST API poll time.
func (m *MetricsTracker) SetRESTLastPoll(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restLastPoll = t
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *MetricsTracker) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		TradesTotal:     m.tradesTotal,
		CyclesTotal:     m.cyclesTotal,
		AlertsTotal:     m.alertsTotal,
		LastScore:       m.lastScore,
		LastBand:        m.lastBand,
		LastCycleAt:     m.lastCycleAt,
		Uptime:          time.Since(m.startTime),
		WebSocketStatus: m.wsStatus,
		RESTAPILastPoll: m.restLastPoll,
	}
}

// Handler serves the tracker's registry in the Prometheus text format.
func (m *MetricsTracker) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is cancelled.
func (m *MetricsTracker) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics_server_started", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
