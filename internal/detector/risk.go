package detector

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

// AggregateInput is everything one assessment is computed from.
type AggregateInput struct {
	AsOf           time.Time
	Trades         []store.Trade
	Clusters       []store.Cluster
	WalletClusters []store.WalletCluster
	Anomalies      []store.AnomalyRecord
}

// Aggregate folds the stage outputs into a RiskAssessment. It is a pure
// function of its input: a stage that produced nothing contributes 0.
func Aggregate(in AggregateInput, cfg config.Detection) store.RiskAssessment {
	factors := store.RiskFactors{
		AnomalyPct:              anomalyPct(in.Anomalies, len(in.Trades)),
		WalletClusterSignal:     walletClusterSignal(in.WalletClusters, cfg.WalletClusterCap, cfg.WalletCap),
		PriceManipulationSignal: priceManipulationSignal(in.Trades, in.Clusters, cfg.PriceShockPct),
		TemporalSignal:          temporalSignal(in.Clusters),
	}
	score := Composite(factors, cfg.RiskWeights)

	ids := make([]string, len(in.Clusters))
	for i, c := range in.Clusters {
		ids[i] = c.ID
	}
	sort.Strings(ids)

	signals := ManipulationSignals(in.Trades)
	stats := windowStats(in)
	stats.SuspiciousMarkets = len(signals)
	stats.TimingCV = TimingCV(in.Trades)

	return store.RiskAssessment{
		Timestamp:            in.AsOf,
		Score:                score,
		Band:                 store.BandFor(score),
		Factors:              factors,
		Stats:                stats,
		ContributingClusters: ids,
		ManipulationSignals:  signals,
		SuspiciousTiming:     stats.TimingCV > store.SuspiciousTimingCV,
	}
}

// Composite is the weighted sum of the factors, clamped to [0,100].
func Composite(f store.RiskFactors, w config.RiskWeights) float64 {
	score := w.Anomalies*f.AnomalyPct +
		w.WalletClusters*f.WalletClusterSignal +
		w.PriceManipulation*f.PriceManipulationSignal +
		w.Temporal*f.TemporalSignal
	return clamp(score, 0, 100)
}

func anomalyPct(records []store.AnomalyRecord, tradeCount int) float64 {
	if tradeCount == 0 {
		return 0
	}
	return clamp(100*float64(CountAnomalous(records))/float64(tradeCount), 0, 100)
}

// walletClusterSignal saturates in both the number of wallet clusters and the
// number of wallets they cover. Each term reaches ~63% of its half at its cap.
func walletClusterSignal(clusters []store.WalletCluster, clusterCap, walletCap float64) float64 {
	if len(clusters) == 0 || clusterCap <= 0 || walletCap <= 0 {
		return 0
	}
	wallets := make(map[string]struct{})
	for _, c := range clusters {
		for _, w := range c.MemberWallets {
			wallets[w] = struct{}{}
		}
	}
	n := float64(len(clusters))
	w := float64(len(wallets))
	s := 0.5*(1-math.Exp(-n/clusterCap)) + 0.5*(1-math.Exp(-w/walletCap))
	return clamp(100*s, 0, 100)
}

// priceManipulationSignal correlates "this trade moved the price abnormally"
// with "this trade belongs to a sync cluster". A price move is abnormal when
// it differs from the previous trade on the same market and side by at least
// shockPct. Only positive correlation counts.
func priceManipulationSignal(trades []store.Trade, clusters []store.Cluster, shockPct float64) float64 {
	if len(clusters) == 0 || len(trades) < 2 {
		return 0
	}
	inCluster := make(map[string]struct{})
	for _, c := range clusters {
		for _, t := range c.Trades {
			inCluster[t.ID] = struct{}{}
		}
	}

	ordered := append([]store.Trade(nil), trades...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	var shocks, members []float64
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if prev.MarketID != cur.MarketID || prev.Side != cur.Side || prev.Price <= 0 {
			continue
		}
		shock := 0.0
		if math.Abs(cur.Price-prev.Price)/prev.Price >= shockPct {
			shock = 1
		}
		member := 0.0
		if _, ok := inCluster[cur.ID]; ok {
			member = 1
		}
		shocks = append(shocks, shock)
		members = append(members, member)
	}

	return clamp(100*pearson(shocks, members), 0, 100)
}

// temporalSignal measures how evenly spaced trades are inside clusters. For
// each cluster with at least three trades, regularity is 1 - min(CV, 1) of
// its inter-trade gaps; clusters are weighted by trade count.
func temporalSignal(clusters []store.Cluster) float64 {
	var weighted, weight float64
	for _, c := range clusters {
		if len(c.Trades) < 3 {
			continue
		}
		gaps := make([]float64, len(c.Trades)-1)
		for i := 1; i < len(c.Trades); i++ {
			gaps[i-1] = c.Trades[i].Timestamp.Sub(c.Trades[i-1].Timestamp).Seconds()
		}
		mean, std := meanStd(gaps)
		regularity := 1.0
		if mean > 0 {
			regularity = 1 - math.Min(std/mean, 1)
		}
		n := float64(len(c.Trades))
		weighted += regularity * n
		weight += n
	}
	if weight == 0 {
		return 0
	}
	return clamp(100*weighted/weight, 0, 100)
}

func windowStats(in AggregateInput) store.WindowStats {
	volume := decimal.Zero
	for _, t := range in.Trades {
		volume = volume.Add(t.Amount)
	}
	wallets := make(map[string]struct{})
	for _, wc := range in.WalletClusters {
		for _, w := range wc.MemberWallets {
			wallets[w] = struct{}{}
		}
	}
	return store.WindowStats{
		TradeCount:         len(in.Trades),
		AnomalyCount:       CountAnomalous(in.Anomalies),
		ClusterCount:       len(in.Clusters),
		WalletClusterCount: len(in.WalletClusters),
		WalletsInClusters:  len(wallets),
		TotalVolume:        volume,
	}
}
