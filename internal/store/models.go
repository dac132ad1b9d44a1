// Package store provides data models and result persistence.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a trade was placed on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is one of the two binary outcomes.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Trade represents a single normalized trade record.
// Trades are created by ingestion and never mutated afterwards.
type Trade struct {
	// ID is a unique identifier for this trade record
	ID string `json:"id"`

	// Wallet is the proxy wallet that placed the trade
	Wallet string `json:"wallet"`

	// MarketID is the market/condition ID
	MarketID string `json:"market_id"`

	// Side is the outcome traded (YES or NO)
	Side Side `json:"side"`

	// Amount is the trade size in USDC
	Amount decimal.Decimal `json:"amount"`

	// Price is the execution price (0-1 range for prediction markets)
	Price float64 `json:"price"`

	// Timestamp is when the trade occurred
	Timestamp time.Time `json:"timestamp"`

	// TransactionHash is the on-chain transaction hash (if available)
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// TimeWindow is a closed [Start, End] interval.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Span returns End - Start.
func (w TimeWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// WalletStats summarizes one wallet's participation in a cluster.
type WalletStats struct {
	TradeCount  int             `json:"trade_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	AvgPrice    float64         `json:"avg_price"`
}

// Cluster is a group of time-synchronized trades on one market/side.
type Cluster struct {
	ID             string                 `json:"id"`
	MarketID       string                 `json:"market_id"`
	Side           Side                   `json:"side"`
	TimeWindow     TimeWindow             `json:"time_window"`
	SpanSeconds    float64                `json:"span_seconds"`
	Wallets        []string               `json:"wallets"`
	Trades         []Trade                `json:"trades"`
	SyncScore      float64                `json:"sync_score"`
	TotalVolume    decimal.Decimal        `json:"total_volume"`
	AvgTradeSize   decimal.Decimal        `json:"avg_trade_size"`
	PerWalletStats map[string]WalletStats `json:"per_wallet_stats"`
}

// TradeCount returns the number of trades in the cluster.
func (c Cluster) TradeCount() int {
	return len(c.Trades)
}

// WalletCluster is a group of wallets linked by repeated co-occurrence in clusters.
type WalletCluster struct {
	ID             string   `json:"id"`
	MemberWallets  []string `json:"member_wallets"`
	CoreWallets    []string `json:"core_wallets"`
	SourceClusters []string `json:"source_clusters"`
	Density        float64  `json:"density"`
}

// AnomalyRecord is the outlier score for one trade.
type AnomalyRecord struct {
	TradeRef             string             `json:"trade_ref"`
	MarketID             string             `json:"market_id"`
	Timestamp            time.Time          `json:"timestamp"`
	AnomalyScore         float64            `json:"anomaly_score"`
	Anomalous            bool               `json:"anomalous"`
	ContributingFeatures map[string]float64 `json:"contributing_features"`
}

// ClusterSummary aggregates the clusters of one cycle.
type ClusterSummary struct {
	TotalClusters       int             `json:"total_clusters"`
	TotalWalletClusters int             `json:"total_wallet_clusters"`
	TotalUniqueWallets  int             `json:"total_unique_wallets"`
	TotalVolume         decimal.Decimal `json:"total_volume"`
	AvgSyncScore        float64         `json:"avg_sync_score"`
}

// Result is the complete output of one detection cycle.
// A Result is built once and never modified after it is published.
type Result struct {
	CycleID        uint64          `json:"cycle_id"`
	AsOf           time.Time       `json:"as_of"`
	TradeCount     int             `json:"trade_count"`
	SkippedTrades  int             `json:"skipped_trades"`
	Clusters       []Cluster       `json:"clusters"`
	WalletClusters []WalletCluster `json:"wallet_clusters"`
	Anomalies      []AnomalyRecord `json:"anomalies"`
	Assessment     RiskAssessment  `json:"assessment"`
	Summary        ClusterSummary  `json:"summary"`
}
