package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/feed"
	"github.com/polyinsider/shadowflow/internal/store"
)

// snapshot builds a realistic window: two coordinated bursts by the same
// three wallets plus a background of unrelated trades.
func snapshot(t *testing.T) feed.Snapshot {
	t.Helper()
	buf := feed.NewBuffer(2 * time.Hour)
	buf.AddBatch(coordinated("m1", 10*time.Minute))
	buf.AddBatch(coordinated("m2", 40*time.Minute))
	for i := 0; i < 30; i++ {
		buf.Add(mkTrade(
			fmt.Sprintf("bg%02d", i),
			fmt.Sprintf("bg-wallet-%d", i%11),
			fmt.Sprintf("m%d", 1+i%3),
			store.SideNo,
			int64(40+(i*13)%60),
			0.45,
			time.Duration(i)*4*time.Minute,
		))
	}
	return buf.Snapshot(t0.Add(2 * time.Hour))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultDetection()
	cfg.RiskWeights.Temporal = 0.5

	_, err := NewEngine(cfg)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	cfg = config.DefaultDetection()
	cfg.AnomalyModel = "nope"
	_, err = NewEngine(cfg)
	require.ErrorAs(t, err, &cfgErr)
}

func TestEngineRun(t *testing.T) {
	engine, err := NewEngine(config.DefaultDetection())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), snapshot(t))
	require.NoError(t, err)

	assert.Equal(t, 42, result.TradeCount)
	assert.Equal(t, 0, result.SkippedTrades)
	require.Len(t, result.Clusters, 2)
	require.Len(t, result.WalletClusters, 1)
	assert.Equal(t, []string{"A", "B", "C"}, result.WalletClusters[0].MemberWallets)
	assert.Len(t, result.Anomalies, 42)
	assert.Equal(t, 4, result.Assessment.Stats.AnomalyCount)

	assert.Equal(t, 2, result.Summary.TotalClusters)
	assert.Equal(t, 3, result.Summary.TotalUniqueWallets)
	assert.Equal(t, "1480", result.Summary.TotalVolume.String())

	assert.Greater(t, result.Assessment.Score, 0.0)
	assert.Equal(t, store.BandFor(result.Assessment.Score), result.Assessment.Band)
	assert.Len(t, result.Assessment.ContributingClusters, 2)
}

func TestEngineRunIsDeterministic(t *testing.T) {
	for _, model := range []string{config.ModelIsolationForest, config.ModelZScore} {
		cfg := config.DefaultDetection()
		cfg.AnomalyModel = model
		engine, err := NewEngine(cfg)
		require.NoError(t, err)

		first, err := engine.Run(context.Background(), snapshot(t))
		require.NoError(t, err)
		second, err := engine.Run(context.Background(), snapshot(t))
		require.NoError(t, err)

		a, err := json.Marshal(first)
		require.NoError(t, err)
		b, err := json.Marshal(second)
		require.NoError(t, err)
		assert.JSONEq(t, string(a), string(b), model)
		assert.Equal(t, string(a), string(b), model)
	}
}

func TestEngineRunSmallWindowSkipsAnomalies(t *testing.T) {
	engine, err := NewEngine(config.DefaultDetection())
	require.NoError(t, err)

	trades := coordinated("m1", 0)
	trades = append(trades, store.Trade{ID: "junk", Timestamp: t0.Add(time.Minute)})

	result, err := engine.Run(context.Background(), feed.Snapshot{AsOf: t0.Add(time.Minute), Trades: trades})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedTrades)
	assert.Empty(t, result.Anomalies)
	assert.Len(t, result.Clusters, 1)
	assert.Equal(t, 0.0, result.Assessment.Factors.AnomalyPct)
}

func TestEngineRunEmptySnapshot(t *testing.T) {
	engine, err := NewEngine(config.DefaultDetection())
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), feed.Snapshot{AsOf: t0})
	require.NoError(t, err)
	assert.Empty(t, result.Clusters)
	assert.Empty(t, result.WalletClusters)
	assert.Equal(t, store.BandLow, result.Assessment.Band)
}

func TestEngineRunCancelled(t *testing.T) {
	engine, err := NewEngine(config.DefaultDetection())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx, snapshot(t))
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrStaleSnapshot))
}

type failingScorer struct{}

func (failingScorer) Name() string { return "failing" }

func (failingScorer) Score([]store.Trade, config.Detection) ([]store.AnomalyRecord, error) {
	return nil, errors.New("model exploded")
}

func TestEngineRunScorerFailure(t *testing.T) {
	engine, err := NewEngineWithScorer(config.DefaultDetection(), failingScorer{})
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), snapshot(t))
	assert.Nil(t, result)
	assert.ErrorContains(t, err, "model exploded")
}
