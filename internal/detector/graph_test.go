package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

func TestPartitionExcludesNoise(t *testing.T) {
	g := NewWalletGraph()
	g.AddEdge("A", "B", 5, "c1")
	g.AddEdge("B", "C", 4, "c2")
	g.AddEdge("C", "D", 1, "c3")

	wcs := g.Partition(2, 3)

	require.Len(t, wcs, 1)
	wc := wcs[0]
	assert.Equal(t, []string{"A", "B", "C"}, wc.MemberWallets)
	assert.Equal(t, []string{"A", "B", "C"}, wc.CoreWallets)
	assert.Equal(t, []string{"c1", "c2"}, wc.SourceClusters)
	assert.InDelta(t, 4.5, wc.Density, 1e-9)
	assert.NotContains(t, wc.MemberWallets, "D")
}

func TestPartitionAttachesBorderWallets(t *testing.T) {
	g := NewWalletGraph()
	g.AddEdge("A", "B", 5, "c1")
	g.AddEdge("A", "E", 3, "c2")
	g.AddEdge("E", "F", 1, "c3")

	// A (8) and B (5) are core; E (4) is not but reaches A with weight 3.
	wcs := g.Partition(5, 3)

	require.Len(t, wcs, 1)
	assert.Equal(t, []string{"A", "B", "E"}, wcs[0].MemberWallets)
	assert.Equal(t, []string{"A", "B"}, wcs[0].CoreWallets)
}

func TestPartitionBorderJoinsHeaviestGroup(t *testing.T) {
	g := NewWalletGraph()
	g.AddEdge("A", "B", 8, "")
	g.AddEdge("X", "Y", 8, "")
	g.AddEdge("E", "A", 3, "")
	g.AddEdge("E", "X", 4, "")

	// E (7) is the only non-core wallet and touches both groups.
	wcs := g.Partition(8, 3)

	require.Len(t, wcs, 2)
	assert.Equal(t, []string{"E", "X", "Y"}, wcs[0].MemberWallets)
	assert.Equal(t, []string{"X", "Y"}, wcs[0].CoreWallets)
	assert.Equal(t, []string{"A", "B"}, wcs[1].MemberWallets)
}

func TestPartitionIsOrderIndependent(t *testing.T) {
	edges := []struct {
		a, b string
		w    int
	}{
		{"w1", "w2", 3}, {"w2", "w3", 2}, {"w3", "w4", 5}, {"w5", "w6", 2},
		{"w6", "w7", 1}, {"w4", "w8", 2}, {"w9", "w1", 1},
	}

	forward := NewWalletGraph()
	for _, e := range edges {
		forward.AddEdge(e.a, e.b, e.w, "")
	}
	backward := NewWalletGraph()
	for i := len(edges) - 1; i >= 0; i-- {
		backward.AddEdge(edges[i].b, edges[i].a, edges[i].w, "")
	}

	assert.Equal(t, forward.Partition(2, 2), backward.Partition(2, 2))
}

func TestPartitionEmptyGraph(t *testing.T) {
	assert.Empty(t, NewWalletGraph().Partition(2, 2))
	assert.Empty(t, ClusterWallets(nil, config.DefaultDetection()))
}

func TestPartitionMembersReachCore(t *testing.T) {
	g := BuildWalletGraph(BuildClusters(randomTrades(3, 400), func() config.Detection {
		cfg := config.DefaultDetection()
		cfg.MinTradesPerCluster = 3
		return cfg
	}()))

	for _, wc := range g.Partition(2, 2) {
		require.NotEmpty(t, wc.CoreWallets)
		for _, m := range wc.MemberWallets {
			if contains(wc.CoreWallets, m) {
				continue
			}
			reached := false
			for _, c := range wc.CoreWallets {
				if g.Weight(m, c) >= 2 {
					reached = true
				}
			}
			assert.True(t, reached, "border wallet %s has no strong edge to a core", m)
		}
	}
}

func TestBuildWalletGraphCountsCoOccurrence(t *testing.T) {
	cfg := config.DefaultDetection()
	var trades []store.Trade
	trades = append(trades, coordinated("m1", 0)...)
	trades = append(trades, coordinated("m2", 0)...)
	trades = append(trades, coordinated("m3", time.Hour)...)

	clusters := BuildClusters(trades, cfg)
	require.Len(t, clusters, 3)

	g := BuildWalletGraph(clusters)
	assert.Equal(t, 3, g.Weight("A", "B"))
	assert.Equal(t, 3, g.Weight("C", "B"))
	assert.Equal(t, 6, g.Degree("A"))
	assert.Equal(t, []string{"A", "B", "C"}, g.Wallets())

	wcs := ClusterWallets(clusters, cfg)
	require.Len(t, wcs, 1)
	assert.Equal(t, []string{"A", "B", "C"}, wcs[0].MemberWallets)
	assert.Len(t, wcs[0].SourceClusters, 3)
	assert.InDelta(t, 3.0, wcs[0].Density, 1e-9)
}

func TestAddEdgeIgnoresSelfLoops(t *testing.T) {
	g := NewWalletGraph()
	g.AddEdge("A", "A", 4, "c1")
	assert.Empty(t, g.Wallets())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
