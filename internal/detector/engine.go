package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/feed"
	"github.com/polyinsider/shadowflow/internal/store"
)

// Engine runs one detection pass over a frozen trade snapshot.
// It holds no state between runs.
type Engine struct {
	cfg    config.Detection
	scorer Scorer
}

// NewEngine validates cfg and selects the configured anomaly model.
func NewEngine(cfg config.Detection) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scorer, err := NewScorer(cfg.AnomalyModel)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, scorer: scorer}, nil
}

// NewEngineWithScorer is NewEngine with an explicit anomaly model.
func NewEngineWithScorer(cfg config.Detection, scorer Scorer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		return nil, &config.ConfigError{Field: "anomaly_model", Reason: "nil scorer"}
	}
	return &Engine{cfg: cfg, scorer: scorer}, nil
}

// Config returns the detection parameters the engine was built with.
func (e *Engine) Config() config.Detection {
	return e.cfg
}

// Scorer returns the active anomaly model.
func (e *Engine) Scorer() Scorer {
	return e.scorer
}

// Run executes the pipeline. Sync clustering and anomaly scoring only depend
// on the trades, so they run concurrently; wallet clustering and aggregation
// wait for both.
//
// Either a complete Result is returned or an error. If ctx is cancelled
// before the result is assembled, Run returns ErrStaleSnapshot.
func (e *Engine) Run(ctx context.Context, snap feed.Snapshot) (*store.Result, error) {
	start := time.Now()
	trades, skipped := Sanitize(snap.Trades)

	var (
		clusters  []store.Cluster
		anomalies []store.AnomalyRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clusters = BuildClusters(trades, e.cfg)
		return gctx.Err()
	})
	g.Go(func() error {
		records, err := e.scorer.Score(trades, e.cfg)
		var insufficient *InsufficientDataError
		switch {
		case errors.As(err, &insufficient):
			slog.Debug("anomaly_scoring_skipped", "model", e.scorer.Name(), "have", insufficient.Have, "need", insufficient.Need)
		case err != nil:
			return fmt.Errorf("score anomalies: %w", err)
		default:
			anomalies = records
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ErrStaleSnapshot
		}
		return nil, err
	}

	walletClusters := ClusterWallets(clusters, e.cfg)
	if ctx.Err() != nil {
		return nil, ErrStaleSnapshot
	}

	assessment := Aggregate(AggregateInput{
		AsOf:           snap.AsOf,
		Trades:         trades,
		Clusters:       clusters,
		WalletClusters: walletClusters,
		Anomalies:      anomalies,
	}, e.cfg)

	result := &store.Result{
		AsOf:           snap.AsOf,
		TradeCount:     len(trades),
		SkippedTrades:  len(skipped),
		Clusters:       clusters,
		WalletClusters: walletClusters,
		Anomalies:      anomalies,
		Assessment:     assessment,
		Summary:        Summarize(clusters, walletClusters),
	}

	slog.Debug("detection_run_completed",
		"trades", len(trades),
		"skipped", len(skipped),
		"clusters", len(clusters),
		"wallet_clusters", len(walletClusters),
		"anomalies", assessment.Stats.AnomalyCount,
		"score", fmt.Sprintf("%.1f", assessment.Score),
		"band", assessment.Band,
		"duration", time.Since(start),
	)
	return result, nil
}

// Summarize reports cluster totals for one cycle.
func Summarize(clusters []store.Cluster, walletClusters []store.WalletCluster) store.ClusterSummary {
	s := store.ClusterSummary{
		TotalClusters:       len(clusters),
		TotalWalletClusters: len(walletClusters),
		TotalVolume:         decimal.Zero,
	}
	wallets := make(map[string]struct{})
	syncTotal := 0.0
	for _, c := range clusters {
		s.TotalVolume = s.TotalVolume.Add(c.TotalVolume)
		syncTotal += c.SyncScore
		for _, w := range c.Wallets {
			wallets[w] = struct{}{}
		}
	}
	s.TotalUniqueWallets = len(wallets)
	if len(clusters) > 0 {
		s.AvgSyncScore = syncTotal / float64(len(clusters))
	}
	return s
}
