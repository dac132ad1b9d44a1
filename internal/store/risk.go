package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Band is a qualitative risk tier.
type Band string

const (
	BandLow      Band = "LOW"
	BandMedium   Band = "MEDIUM"
	BandHigh     Band = "HIGH"
	BandCritical Band = "CRITICAL"
)

// Severity orders bands from LOW (0) to CRITICAL (3). Unknown bands rank below LOW.
func (b Band) Severity() int {
	switch b {
	case BandLow:
		return 0
	case BandMedium:
		return 1
	case BandHigh:
		return 2
	case BandCritical:
		return 3
	}
	return -1
}

// BandFor maps a 0-100 score to its band: [0,30) LOW, [30,60) MEDIUM,
// [60,80) HIGH, [80,100] CRITICAL.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandCritical
	case score >= 60:
		return BandHigh
	case score >= 30:
		return BandMedium
	default:
		return BandLow
	}
}

// RiskFactors holds the four normalized (0-100) inputs of the composite score.
type RiskFactors struct {
	AnomalyPct              float64 `json:"anomaly_pct"`
	WalletClusterSignal     float64 `json:"wallet_cluster_signal"`
	PriceManipulationSignal float64 `json:"price_manipulation_signal"`
	TemporalSignal          float64 `json:"temporal_signal"`
}

// WindowStats carries the raw counts an assessment was computed from.
type WindowStats struct {
	TradeCount         int             `json:"trade_count"`
	AnomalyCount       int             `json:"anomaly_count"`
	ClusterCount       int             `json:"cluster_count"`
	WalletClusterCount int             `json:"wallet_cluster_count"`
	WalletsInClusters  int             `json:"wallets_in_clusters"`
	TotalVolume        decimal.Decimal `json:"total_volume"`
	SuspiciousMarkets  int             `json:"suspicious_markets"`
	TimingCV           float64         `json:"timing_cv"`
}

// Manipulation patterns reported per market.
const (
	SignalPriceVolumeCorr = "high_price_volume_correlation"
	SignalPriceVolatility = "high_price_volatility"
	SignalLargeTradeRatio = "high_large_trade_ratio"
)

// SuspiciousTimingCV is the bucket-count variation above which trade timing
// is flagged.
const SuspiciousTimingCV = 1.5

// ManipulationSignal is one market whose price or size pattern looks pushed.
type ManipulationSignal struct {
	MarketID        string   `json:"market_id"`
	Signals         []string `json:"signals"`
	PriceVolumeCorr float64  `json:"price_volume_corr"`
	PriceVolatility float64  `json:"price_volatility"`
	LargeTradeRatio float64  `json:"large_trade_ratio"`
}

// RiskAssessment is the composite risk of one detection cycle.
// ContributingClusters holds IDs only; clusters may be superseded before a
// consumer reads them.
type RiskAssessment struct {
	Timestamp            time.Time   `json:"timestamp"`
	Score                float64     `json:"score"`
	Band                 Band        `json:"band"`
	Factors              RiskFactors `json:"factors"`
	Stats                WindowStats `json:"stats"`
	ContributingClusters []string    `json:"contributing_clusters"`

	ManipulationSignals []ManipulationSignal `json:"manipulation_signals,omitempty"`
	SuspiciousTiming    bool                 `json:"suspicious_timing"`
}

// Alert threshold kinds.
const (
	BreachRiskScore    = "risk_score"
	BreachAnomalyPct   = "anomaly_percentage"
	BreachClusterCount = "cluster_count"
	BreachVolumeSpike  = "volume_spike"

	BreachPriceManipulation  = "price_manipulation"
	BreachSuspiciousPatterns = "suspicious_patterns"
)

// Breach severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Breach records one threshold that an assessment crossed.
type Breach struct {
	Kind      string  `json:"kind"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
}

// Alert is the notification event emitted on each FIRED transition.
type Alert struct {
	ID                   string      `json:"id"`
	Band                 Band        `json:"band"`
	Score                float64     `json:"score"`
	Factors              RiskFactors `json:"factors"`
	Breaches             []Breach    `json:"breaches"`
	ContributingClusters []string    `json:"contributing_clusters"`
	Escalation           bool        `json:"escalation"`
	FiredAt              time.Time   `json:"fired_at"`
}

// AlertPhase is the AlertManager state.
type AlertPhase string

const (
	PhaseIdle     AlertPhase = "IDLE"
	PhaseArmed    AlertPhase = "ARMED"
	PhaseFired    AlertPhase = "FIRED"
	PhaseCooldown AlertPhase = "COOLDOWN"
)

// AlertState is the AlertManager's mutable state, copied out for readers.
type AlertState struct {
	Phase            AlertPhase      `json:"phase"`
	LastFiredBand    Band            `json:"last_fired_band,omitempty"`
	LastFiredAt      time.Time       `json:"last_fired_at"`
	ActiveThresholds []string        `json:"active_thresholds"`
	LastVolume       decimal.Decimal `json:"last_volume"`
	HasLastVolume    bool            `json:"has_last_volume"`
	FiredTotal       int             `json:"fired_total"`
	SuppressedTotal  int             `json:"suppressed_total"`
}
