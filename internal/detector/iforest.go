package detector

import (
	"math"
	"math/rand"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

const eulerGamma = 0.5772156649015329

// IsolationForest is an ensemble outlier model. Trades that random
// axis-aligned splits isolate quickly score close to 1.
//
// The forest is refit from a fixed seed on every window, so identical inputs
// always produce identical scores.
type IsolationForest struct {
	Trees      int
	SampleSize int
	Seed       int64
}

// NewIsolationForest returns a forest with the conventional parameters.
func NewIsolationForest() IsolationForest {
	return IsolationForest{Trees: 100, SampleSize: 256, Seed: 42}
}

func (f IsolationForest) Name() string { return config.ModelIsolationForest }

func (f IsolationForest) Score(trades []store.Trade, cfg config.Detection) ([]store.AnomalyRecord, error) {
	return scoreWindow("anomaly_isolation_forest", trades, cfg, f.fitScore)
}

type iNode struct {
	feature     int
	split       float64
	left, right *iNode
	size        int
}

func (f IsolationForest) fitScore(rows [][]float64) []float64 {
	n := len(rows)
	psi := f.SampleSize
	if psi <= 0 || psi > n {
		psi = n
	}
	trees := f.Trees
	if trees <= 0 {
		trees = 100
	}
	limit := int(math.Ceil(math.Log2(float64(psi))))

	rng := rand.New(rand.NewSource(f.Seed))
	forest := make([]*iNode, trees)
	for t := range forest {
		sample := make([][]float64, psi)
		for i, j := range rng.Perm(n)[:psi] {
			sample[i] = rows[j]
		}
		forest[t] = growTree(rng, sample, 0, limit)
	}

	norm := averagePathLength(psi)
	scores := make([]float64, n)
	for i, row := range rows {
		total := 0.0
		for _, tree := range forest {
			total += pathLength(tree, row, 0)
		}
		if norm == 0 {
			continue
		}
		scores[i] = math.Pow(2, -(total/float64(trees))/norm)
	}
	return scores
}

func growTree(rng *rand.Rand, sample [][]float64, depth, limit int) *iNode {
	if depth >= limit || len(sample) <= 1 {
		return &iNode{size: len(sample)}
	}

	// Only features that still vary in this sample can split it.
	dims := len(sample[0])
	var candidates []int
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for d := 0; d < dims; d++ {
		lo[d], hi[d] = sample[0][d], sample[0][d]
		for _, row := range sample[1:] {
			lo[d] = math.Min(lo[d], row[d])
			hi[d] = math.Max(hi[d], row[d])
		}
		if hi[d] > lo[d] {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return &iNode{size: len(sample)}
	}

	d := candidates[rng.Intn(len(candidates))]
	split := lo[d] + rng.Float64()*(hi[d]-lo[d])

	var left, right [][]float64
	for _, row := range sample {
		if row[d] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &iNode{
		feature: d,
		split:   split,
		left:    growTree(rng, left, depth+1, limit),
		right:   growTree(rng, right, depth+1, limit),
	}
}

func pathLength(node *iNode, row []float64, depth int) float64 {
	if node.left == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if row[node.feature] < node.split {
		return pathLength(node.left, row, depth+1)
	}
	return pathLength(node.right, row, depth+1)
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n > 2:
		h := math.Log(float64(n-1)) + eulerGamma
		return 2*h - 2*float64(n-1)/float64(n)
	case n == 2:
		return 1
	default:
		return 0
	}
}
