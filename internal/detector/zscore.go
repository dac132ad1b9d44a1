package detector

import (
	"math"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

// ZScore scores a trade by its largest absolute standardized feature.
type ZScore struct{}

func (ZScore) Name() string { return config.ModelZScore }

func (ZScore) Score(trades []store.Trade, cfg config.Detection) ([]store.AnomalyRecord, error) {
	return scoreWindow("anomaly_zscore", trades, cfg, func(rows [][]float64) []float64 {
		scores := make([]float64, len(rows))
		for i, row := range rows {
			for _, v := range row {
				scores[i] = math.Max(scores[i], math.Abs(v))
			}
		}
		return scores
	})
}
