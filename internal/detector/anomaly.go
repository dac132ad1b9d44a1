package detector

import (
	"fmt"
	"math"
	"sort"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

// Scorer assigns every trade in a window an anomaly score and marks roughly
// ContaminationRate of them anomalous. Implementations must be deterministic.
type Scorer interface {
	Name() string
	Score(trades []store.Trade, cfg config.Detection) ([]store.AnomalyRecord, error)
}

// NewScorer returns the scorer registered under name.
func NewScorer(name string) (Scorer, error) {
	switch name {
	case config.ModelIsolationForest:
		return NewIsolationForest(), nil
	case config.ModelZScore:
		return ZScore{}, nil
	}
	return nil, &config.ConfigError{Field: "anomaly_model", Reason: fmt.Sprintf("unknown model %q", name)}
}

// scoreFunc turns standardized feature rows into one score per row.
type scoreFunc func(rows [][]float64) []float64

// scoreWindow is the shared skeleton of every Scorer: check the sample size,
// extract features, score, then mark the top fraction.
func scoreWindow(stage string, trades []store.Trade, cfg config.Detection, fn scoreFunc) ([]store.AnomalyRecord, error) {
	if len(trades) < cfg.MinAnomalySamples {
		return nil, &InsufficientDataError{Stage: stage, Have: len(trades), Need: cfg.MinAnomalySamples}
	}

	features := extractFeatures(trades)
	rows := make([][]float64, len(features))
	for i, f := range features {
		rows[i] = f.vector()
	}
	standardize(rows)
	scores := fn(rows)

	records := make([]store.AnomalyRecord, len(trades))
	for i, t := range trades {
		records[i] = store.AnomalyRecord{
			TradeRef:             t.ID,
			MarketID:             t.MarketID,
			Timestamp:            t.Timestamp,
			AnomalyScore:         scores[i],
			ContributingFeatures: features[i].contributing(),
		}
	}
	markAnomalous(records, cfg.ContaminationRate)
	return records, nil
}

// markAnomalous flags the top max(1, round(rate*n)) records. Ranking is score
// descending, then timestamp ascending, then trade ref, so the cutoff is
// deterministic under ties.
func markAnomalous(records []store.AnomalyRecord, rate float64) {
	if len(records) == 0 {
		return
	}
	k := int(math.Round(rate * float64(len(records))))
	if k < 1 {
		k = 1
	}
	if k > len(records) {
		k = len(records)
	}

	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := records[idx[a]], records[idx[b]]
		if ra.AnomalyScore != rb.AnomalyScore {
			return ra.AnomalyScore > rb.AnomalyScore
		}
		if !ra.Timestamp.Equal(rb.Timestamp) {
			return ra.Timestamp.Before(rb.Timestamp)
		}
		return ra.TradeRef < rb.TradeRef
	})
	for _, i := range idx[:k] {
		records[i].Anomalous = true
	}
}

// CountAnomalous returns how many records are flagged.
func CountAnomalous(records []store.AnomalyRecord) int {
	n := 0
	for _, r := range records {
		if r.Anomalous {
			n++
		}
	}
	return n
}
