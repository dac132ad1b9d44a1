package detector

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

// clusterNamespace seeds the name-based cluster IDs, so identical runs yield identical IDs.
var clusterNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shadowflow:sync-cluster"))

type partitionKey struct {
	market string
	side   store.Side
}

// BuildClusters groups trades on the same market and side into
// time-synchronized clusters.
//
// Within a partition, trades are walked in time order and a run grows while
// every trade stays within SyncWindow of the run's first trade. When the next
// trade falls outside, the run is checked: it becomes a Cluster if it has at
// least MinTradesPerCluster trades from at least two wallets, and the next run
// starts at that trade, so clusters never share trades. A run that does not
// qualify drops trades from its front until the next trade fits the window
// again, so a stray early trade cannot hide a burst that follows it.
func BuildClusters(trades []store.Trade, cfg config.Detection) []store.Cluster {
	window := cfg.SyncWindow()
	partitions := make(map[partitionKey][]store.Trade)

	for _, t := range trades {
		if err := validateTrade(t); err != nil {
			slog.Warn("trade_skipped", "stage", "sync_clusters", "error", err)
			continue
		}
		key := partitionKey{market: t.MarketID, side: t.Side}
		partitions[key] = append(partitions[key], t)
	}

	keys := make([]partitionKey, 0, len(partitions))
	for k := range partitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].market != keys[j].market {
			return keys[i].market < keys[j].market
		}
		return keys[i].side < keys[j].side
	})

	var clusters []store.Cluster
	for _, key := range keys {
		part := partitions[key]
		sort.SliceStable(part, func(i, j int) bool {
			if !part[i].Timestamp.Equal(part[j].Timestamp) {
				return part[i].Timestamp.Before(part[j].Timestamp)
			}
			return part[i].ID < part[j].ID
		})

		start := 0
		for i := 1; i <= len(part); i++ {
			if i < len(part) && part[i].Timestamp.Sub(part[start].Timestamp) <= window {
				continue
			}
			if c, ok := newCluster(key, part[start:i], window, cfg.MinTradesPerCluster); ok {
				clusters = append(clusters, c)
				start = i
				continue
			}
			if i == len(part) {
				break
			}
			for part[i].Timestamp.Sub(part[start].Timestamp) > window {
				start++
			}
		}
	}

	sortClusters(clusters)
	return clusters
}

// newCluster builds a Cluster from one closed run, or reports false if the
// run is too small or involves a single wallet.
func newCluster(key partitionKey, run []store.Trade, window time.Duration, minTrades int) (store.Cluster, bool) {
	if len(run) < minTrades {
		return store.Cluster{}, false
	}

	stats := make(map[string]store.WalletStats)
	priceSums := make(map[string]float64)
	total := decimal.Zero
	for _, t := range run {
		s := stats[t.Wallet]
		s.TradeCount++
		s.TotalAmount = s.TotalAmount.Add(t.Amount)
		stats[t.Wallet] = s
		priceSums[t.Wallet] += t.Price
		total = total.Add(t.Amount)
	}
	if len(stats) < 2 {
		return store.Cluster{}, false
	}

	wallets := make([]string, 0, len(stats))
	for w, s := range stats {
		s.AvgPrice = priceSums[w] / float64(s.TradeCount)
		stats[w] = s
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)

	tw := store.TimeWindow{Start: run[0].Timestamp, End: run[len(run)-1].Timestamp}
	members := append([]store.Trade(nil), run...)

	return store.Cluster{
		ID:             clusterID(key, members),
		MarketID:       key.market,
		Side:           key.side,
		TimeWindow:     tw,
		SpanSeconds:    tw.Span().Seconds(),
		Wallets:        wallets,
		Trades:         members,
		SyncScore:      syncScore(tw.Span(), window),
		TotalVolume:    total,
		AvgTradeSize:   total.Div(decimal.NewFromInt(int64(len(run)))),
		PerWalletStats: stats,
	}, true
}

// syncScore is 100 × (1 − span/window), clamped to [0,100].
func syncScore(span, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return clamp(100*(1-span.Seconds()/window.Seconds()), 0, 100)
}

func clusterID(key partitionKey, trades []store.Trade) string {
	var b strings.Builder
	b.WriteString(key.market)
	b.WriteByte('|')
	b.WriteString(string(key.side))
	for _, t := range trades {
		b.WriteByte('|')
		b.WriteString(t.ID)
		b.WriteByte('@')
		b.WriteString(t.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return uuid.NewSHA1(clusterNamespace, []byte(b.String())).String()
}

// sortClusters orders by sync score (tightest first); equal scores favour the
// cluster with more trades, then fall back to stable identity fields.
func sortClusters(clusters []store.Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.SyncScore != b.SyncScore {
			return a.SyncScore > b.SyncScore
		}
		if a.TradeCount() != b.TradeCount() {
			return a.TradeCount() > b.TradeCount()
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		if !a.TimeWindow.Start.Equal(b.TimeWindow.Start) {
			return a.TimeWindow.Start.Before(b.TimeWindow.Start)
		}
		return a.ID < b.ID
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
