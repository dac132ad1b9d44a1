package detector

import "math"

// meanStd returns the mean and population standard deviation of data.
func meanStd(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))
	if len(data) == 1 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range data {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(data)))
}

// pearson returns the correlation coefficient of x and y, or 0 when either
// series is constant or too short.
func pearson(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0
	}
	_, stdX := meanStd(x)
	_, stdY := meanStd(y)
	if stdX == 0 || stdY == 0 {
		return 0
	}

	n := float64(len(x))
	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	num := n*sumXY - sumX*sumY
	den := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if den == 0 {
		return 0
	}
	r := num / den
	if math.IsNaN(r) {
		return 0
	}
	return clamp(r, -1, 1)
}

// standardize rewrites each column of rows as a z-score. Constant columns
// become zero.
func standardize(rows [][]float64) {
	if len(rows) == 0 {
		return
	}
	col := make([]float64, len(rows))
	for j := range rows[0] {
		for i := range rows {
			col[i] = rows[i][j]
		}
		mean, std := meanStd(col)
		for i := range rows {
			if std == 0 {
				rows[i][j] = 0
				continue
			}
			rows[i][j] = (rows[i][j] - mean) / std
		}
	}
}
