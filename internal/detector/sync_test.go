package detector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

func TestBuildClustersTightGroup(t *testing.T) {
	cfg := config.DefaultDetection()

	clusters := BuildClusters(coordinated("m1", 0), cfg)

	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, 6, c.TradeCount())
	assert.Equal(t, []string{"A", "B", "C"}, c.Wallets)
	assert.True(t, c.TotalVolume.Equal(decimal.NewFromInt(740)), "total volume %s", c.TotalVolume)
	assert.InDelta(t, 740.0/6, c.AvgTradeSize.InexactFloat64(), 1e-9)
	assert.InDelta(t, 100*(1-10.0/180.0), c.SyncScore, 1e-9)
	assert.Greater(t, c.SyncScore, 90.0)
	assert.Equal(t, 10.0, c.SpanSeconds)

	a := c.PerWalletStats["A"]
	assert.Equal(t, 2, a.TradeCount)
	assert.True(t, a.TotalAmount.Equal(decimal.NewFromInt(190)))
	assert.InDelta(t, 0.55, a.AvgPrice, 1e-9)
}

func TestBuildClustersWideSpreadYieldsNothing(t *testing.T) {
	cfg := config.DefaultDetection()
	trades := []store.Trade{
		mkTrade("t1", "A", "m1", store.SideYes, 10, 0.5, 0),
		mkTrade("t2", "B", "m1", store.SideYes, 10, 0.5, 133*time.Second),
		mkTrade("t3", "C", "m1", store.SideYes, 10, 0.5, 266*time.Second),
		mkTrade("t4", "D", "m1", store.SideYes, 10, 0.5, 400*time.Second),
	}
	assert.Empty(t, BuildClusters(trades, cfg))

	// Even with a two-trade minimum, trades 200s apart never share a window.
	cfg.MinTradesPerCluster = 2
	spaced := []store.Trade{
		mkTrade("s1", "A", "m1", store.SideYes, 10, 0.5, 0),
		mkTrade("s2", "B", "m1", store.SideYes, 10, 0.5, 200*time.Second),
		mkTrade("s3", "C", "m1", store.SideYes, 10, 0.5, 400*time.Second),
		mkTrade("s4", "D", "m1", store.SideYes, 10, 0.5, 600*time.Second),
	}
	assert.Empty(t, BuildClusters(spaced, cfg))
}

func TestBuildClustersRequiresTwoWallets(t *testing.T) {
	cfg := config.DefaultDetection()
	var trades []store.Trade
	for i := 0; i < 6; i++ {
		trades = append(trades, mkTrade(fmt.Sprintf("t%d", i), "solo", "m1", store.SideYes, 10, 0.5, time.Duration(i)*time.Second))
	}
	assert.Empty(t, BuildClusters(trades, cfg))
}

func TestBuildClustersPartitionsBySide(t *testing.T) {
	cfg := config.DefaultDetection()
	trades := coordinated("m1", 0)
	// flip every other trade so neither side reaches five trades
	for i := range trades {
		if i%2 == 1 {
			trades[i].Side = store.SideNo
		}
	}
	assert.Empty(t, BuildClusters(trades, cfg))
}

func TestBuildClustersSkipsMalformedTrades(t *testing.T) {
	cfg := config.DefaultDetection()
	trades := coordinated("m1", 0)
	trades = append(trades, store.Trade{ID: "broken", MarketID: "m1", Side: store.SideYes})

	clusters := BuildClusters(trades, cfg)
	require.Len(t, clusters, 1)
	assert.Equal(t, 6, clusters[0].TradeCount())
}

func TestBuildClustersOrdering(t *testing.T) {
	cfg := config.DefaultDetection()
	loose := coordinated("m2", 0)
	for i := range loose {
		loose[i].Timestamp = t0.Add(time.Duration(i) * 20 * time.Second)
	}
	trades := append(loose, coordinated("m1", time.Hour)...)

	clusters := BuildClusters(trades, cfg)
	require.Len(t, clusters, 2)
	assert.Equal(t, "m1", clusters[0].MarketID)
	assert.Greater(t, clusters[0].SyncScore, clusters[1].SyncScore)
}

// randomTrades is a noisy feed over a handful of markets and wallets.
func randomTrades(seed int64, n int) []store.Trade {
	rng := rand.New(rand.NewSource(seed))
	markets := []string{"m1", "m2", "m3"}
	sides := []store.Side{store.SideYes, store.SideNo}
	out := make([]store.Trade, n)
	offset := time.Duration(0)
	for i := range out {
		offset += time.Duration(rng.Intn(40)) * time.Second
		out[i] = mkTrade(
			fmt.Sprintf("r%03d", i),
			fmt.Sprintf("w%d", rng.Intn(8)),
			markets[rng.Intn(len(markets))],
			sides[rng.Intn(len(sides))],
			int64(10+rng.Intn(500)),
			0.2+0.6*rng.Float64(),
			offset,
		)
	}
	return out
}

func TestBuildClustersStrayLeadingTrade(t *testing.T) {
	cfg := config.DefaultDetection()
	trades := []store.Trade{mkTrade("z", "Z", "m1", store.SideYes, 10, 0.5, 0)}
	wallets := []string{"A", "B", "C", "A", "B", "C"}
	for i, w := range wallets {
		offset := 170*time.Second + time.Duration(6*i)*time.Second
		trades = append(trades, mkTrade(fmt.Sprintf("b%d", i), w, "m1", store.SideYes, 50, 0.6, offset))
	}

	clusters := BuildClusters(trades, cfg)

	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, 6, c.TradeCount())
	assert.Equal(t, []string{"A", "B", "C"}, c.Wallets)
	assert.Equal(t, t0.Add(170*time.Second), c.TimeWindow.Start)
	for _, tr := range c.Trades {
		assert.NotEqual(t, "z", tr.ID)
	}
}

func TestBuildClustersInvariants(t *testing.T) {
	cfg := config.DefaultDetection()
	cfg.MinTradesPerCluster = 3

	for seed := int64(1); seed <= 5; seed++ {
		clusters := BuildClusters(randomTrades(seed, 300), cfg)
		require.NotEmpty(t, clusters, "seed %d", seed)

		used := make(map[string]string)
		for _, c := range clusters {
			assert.LessOrEqual(t, c.TimeWindow.Span(), cfg.SyncWindow())
			assert.GreaterOrEqual(t, c.TradeCount(), cfg.MinTradesPerCluster)
			assert.GreaterOrEqual(t, len(c.Wallets), 2)
			assert.GreaterOrEqual(t, c.SyncScore, 0.0)
			assert.LessOrEqual(t, c.SyncScore, 100.0)
			for _, tr := range c.Trades {
				assert.Equal(t, c.MarketID, tr.MarketID)
				assert.Equal(t, c.Side, tr.Side)
				prev, dup := used[tr.ID]
				assert.False(t, dup, "trade %s in clusters %s and %s", tr.ID, prev, c.ID)
				used[tr.ID] = c.ID
			}
		}
	}
}

func TestBuildClustersDeterministic(t *testing.T) {
	cfg := config.DefaultDetection()
	cfg.MinTradesPerCluster = 3
	trades := randomTrades(7, 200)

	shuffled := append([]store.Trade(nil), trades...)
	rand.New(rand.NewSource(99)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	first, err := json.Marshal(BuildClusters(trades, cfg))
	require.NoError(t, err)
	second, err := json.Marshal(BuildClusters(shuffled, cfg))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSyncScoreClamped(t *testing.T) {
	assert.Equal(t, 100.0, syncScore(0, 3*time.Minute))
	assert.Equal(t, 0.0, syncScore(4*time.Minute, 3*time.Minute))
	assert.Equal(t, 50.0, syncScore(90*time.Second, 3*time.Minute))
}
