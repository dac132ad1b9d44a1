package detector

import (
	"math"
	"sort"
	"time"

	"github.com/polyinsider/shadowflow/internal/store"
)

// Feature names recorded in AnomalyRecord.ContributingFeatures.
const (
	FeatureSizeZScore   = "size_zscore"
	FeaturePriceDev     = "price_deviation"
	FeatureInterArrival = "inter_arrival_seconds"
)

// tradeFeatures are the raw per-trade inputs to the anomaly models.
type tradeFeatures struct {
	sizeZ        float64
	priceDev     float64
	interArrival float64
}

func (f tradeFeatures) contributing() map[string]float64 {
	return map[string]float64{
		FeatureSizeZScore:   f.sizeZ,
		FeaturePriceDev:     f.priceDev,
		FeatureInterArrival: f.interArrival,
	}
}

// vector is the model input. Inter-arrival times are heavy tailed, so they
// enter on a log scale.
func (f tradeFeatures) vector() []float64 {
	return []float64{f.sizeZ, f.priceDev, math.Log1p(f.interArrival)}
}

// yesPrice expresses a trade's price as the YES-outcome probability so both
// sides of a binary market share one mid-price.
func yesPrice(t store.Trade) float64 {
	if t.Side == store.SideNo {
		return 1 - t.Price
	}
	return t.Price
}

// extractFeatures computes features for trades, returned in input order.
//
//   - size_zscore: the trade amount as a z-score within its market.
//   - price_deviation: distance of the trade's YES-equivalent price from the
//     market's volume-weighted price of all earlier trades in the window. The
//     first trade in a market has deviation 0.
//   - inter_arrival_seconds: time since the same wallet's previous trade. A
//     wallet's first trade gets the full window span.
func extractFeatures(trades []store.Trade) []tradeFeatures {
	out := make([]tradeFeatures, len(trades))
	if len(trades) == 0 {
		return out
	}

	order := make([]int, len(trades))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := trades[order[a]], trades[order[b]]
		if !ta.Timestamp.Equal(tb.Timestamp) {
			return ta.Timestamp.Before(tb.Timestamp)
		}
		return ta.ID < tb.ID
	})

	span := trades[order[len(order)-1]].Timestamp.Sub(trades[order[0]].Timestamp)

	amounts := make(map[string][]float64)
	for _, t := range trades {
		amounts[t.MarketID] = append(amounts[t.MarketID], t.Amount.InexactFloat64())
	}
	type moments struct{ mean, std float64 }
	marketMoments := make(map[string]moments, len(amounts))
	for m, xs := range amounts {
		mean, std := meanStd(xs)
		marketMoments[m] = moments{mean, std}
	}

	type vwap struct{ notional, volume float64 }
	running := make(map[string]vwap)
	lastSeen := make(map[string]time.Time)

	for _, i := range order {
		t := trades[i]
		amount := t.Amount.InexactFloat64()
		price := yesPrice(t)

		var f tradeFeatures
		if mm := marketMoments[t.MarketID]; mm.std > 0 {
			f.sizeZ = (amount - mm.mean) / mm.std
		}

		v := running[t.MarketID]
		if v.volume > 0 {
			f.priceDev = math.Abs(price - v.notional/v.volume)
		}
		v.notional += price * amount
		v.volume += amount
		running[t.MarketID] = v

		if prev, ok := lastSeen[t.Wallet]; ok {
			f.interArrival = t.Timestamp.Sub(prev).Seconds()
		} else {
			f.interArrival = span.Seconds()
		}
		lastSeen[t.Wallet] = t.Timestamp

		out[i] = f
	}
	return out
}
