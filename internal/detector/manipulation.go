package detector

import (
	"math"
	"sort"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Per-market manipulation limits.
const (
	minManipulationTrades = 10
	minMarketTrades       = 5
	priceVolumeCorrLimit  = 0.7
	priceVolatilityLimit  = 0.3
	largeTradeRatioLimit  = 0.3
	largeTradePercentile  = 90
)

// ManipulationSignals scans each market with at least five trades for the
// store.Signal* patterns. Only markets with at least one pattern are returned,
// ordered by market ID. Windows with fewer than ten trades are not scanned.
func ManipulationSignals(trades []store.Trade) []store.ManipulationSignal {
	if len(trades) < minManipulationTrades {
		return nil
	}

	byMarket := make(map[string][]store.Trade)
	for _, t := range trades {
		byMarket[t.MarketID] = append(byMarket[t.MarketID], t)
	}
	markets := make([]string, 0, len(byMarket))
	for m, ts := range byMarket {
		if len(ts) >= minMarketTrades {
			markets = append(markets, m)
		}
	}
	sort.Strings(markets)

	var out []store.ManipulationSignal
	for _, m := range markets {
		if s, ok := marketSignal(m, byMarket[m]); ok {
			out = append(out, s)
		}
	}
	return out
}

func marketSignal(market string, trades []store.Trade) (store.ManipulationSignal, bool) {
	ordered := append([]store.Trade(nil), trades...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	prices := make([]float64, len(ordered))
	amounts := make([]float64, len(ordered))
	for i, t := range ordered {
		prices[i] = t.Price
		amounts[i] = t.Amount.InexactFloat64()
	}

	s := store.ManipulationSignal{MarketID: market}
	s.PriceVolumeCorr = math.Abs(pearson(prices, amounts))
	if mean, std := meanStd(prices); mean > 0 {
		s.PriceVolatility = std / mean
	}
	cut := percentile(amounts, largeTradePercentile)
	large := 0
	for _, a := range amounts {
		if a > cut {
			large++
		}
	}
	s.LargeTradeRatio = float64(large) / float64(len(amounts))

	if s.PriceVolumeCorr > priceVolumeCorrLimit {
		s.Signals = append(s.Signals, store.SignalPriceVolumeCorr)
	}
	if s.PriceVolatility > priceVolatilityLimit {
		s.Signals = append(s.Signals, store.SignalPriceVolatility)
	}
	if s.LargeTradeRatio > largeTradeRatioLimit {
		s.Signals = append(s.Signals, store.SignalLargeTradeRatio)
	}
	return s, len(s.Signals) > 0
}

// TimingCV buckets trades by UTC hour of day and by weekday and returns the
// larger coefficient of variation of the bucket counts. Empty buckets are
// not counted.
func TimingCV(trades []store.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	hours := make(map[int]float64)
	days := make(map[int]float64)
	for _, t := range trades {
		ts := t.Timestamp.UTC()
		hours[ts.Hour()]++
		days[int(ts.Weekday())]++
	}
	return math.Max(bucketCV(hours), bucketCV(days))
}

func bucketCV(buckets map[int]float64) float64 {
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	counts := make([]float64, len(keys))
	for i, k := range keys {
		counts[i] = buckets[k]
	}
	mean, std := meanStd(counts)
	if mean == 0 {
		return 0
	}
	return std / mean
}

// percentile interpolates linearly between the closest ranks.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}
