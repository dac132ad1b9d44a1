package detector

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/polyinsider/shadowflow/internal/config"
	"github.com/polyinsider/shadowflow/internal/store"
)

var walletClusterNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shadowflow:wallet-cluster"))

// edgeKey is an undirected wallet pair with a < b.
type edgeKey struct {
	a, b string
}

func newEdgeKey(x, y string) edgeKey {
	if x > y {
		x, y = y, x
	}
	return edgeKey{a: x, b: y}
}

type edge struct {
	weight  int
	sources map[string]struct{}
}

// WalletGraph is the undirected co-occurrence graph of wallets. An edge's
// weight is the number of clusters both endpoints appear in.
type WalletGraph struct {
	edges     map[edgeKey]*edge
	neighbors map[string]map[string]struct{}
}

// NewWalletGraph returns an empty graph.
func NewWalletGraph() *WalletGraph {
	return &WalletGraph{
		edges:     make(map[edgeKey]*edge),
		neighbors: make(map[string]map[string]struct{}),
	}
}

// BuildWalletGraph links every pair of wallets that co-appear in a cluster.
func BuildWalletGraph(clusters []store.Cluster) *WalletGraph {
	g := NewWalletGraph()
	for _, c := range clusters {
		for i := 0; i < len(c.Wallets); i++ {
			for j := i + 1; j < len(c.Wallets); j++ {
				g.AddEdge(c.Wallets[i], c.Wallets[j], 1, c.ID)
			}
		}
	}
	return g
}

// AddEdge adds weight to the edge between x and y, recording the cluster the
// co-occurrence came from. Self-loops are ignored.
func (g *WalletGraph) AddEdge(x, y string, weight int, sourceCluster string) {
	if x == y || weight <= 0 {
		return
	}
	key := newEdgeKey(x, y)
	e, ok := g.edges[key]
	if !ok {
		e = &edge{sources: make(map[string]struct{})}
		g.edges[key] = e
		g.link(x, y)
		g.link(y, x)
	}
	e.weight += weight
	if sourceCluster != "" {
		e.sources[sourceCluster] = struct{}{}
	}
}

func (g *WalletGraph) link(from, to string) {
	n, ok := g.neighbors[from]
	if !ok {
		n = make(map[string]struct{})
		g.neighbors[from] = n
	}
	n[to] = struct{}{}
}

// Weight returns the co-occurrence count between x and y.
func (g *WalletGraph) Weight(x, y string) int {
	if e, ok := g.edges[newEdgeKey(x, y)]; ok {
		return e.weight
	}
	return 0
}

// Degree returns the weighted degree of a wallet.
func (g *WalletGraph) Degree(w string) int {
	total := 0
	for n := range g.neighbors[w] {
		total += g.Weight(w, n)
	}
	return total
}

// Wallets returns every node in ascending order.
func (g *WalletGraph) Wallets() []string {
	out := make([]string, 0, len(g.neighbors))
	for w := range g.neighbors {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func (g *WalletGraph) sortedNeighbors(w string) []string {
	out := make([]string, 0, len(g.neighbors[w]))
	for n := range g.neighbors[w] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Partition runs density-based clustering over the graph.
//
// A wallet is core when its weighted degree is at least minSamples. Cores
// joined by edges of weight >= threshold are merged transitively. A non-core
// wallet with such an edge to a core joins that core's group as a border
// member; if it touches several groups it joins the one reached through its
// heaviest edge. Everything else is noise. Groups with a single member are
// dropped since they carry no coordination signal.
func (g *WalletGraph) Partition(minSamples, threshold int) []store.WalletCluster {
	wallets := g.Wallets()
	if len(wallets) == 0 {
		return nil
	}

	isCore := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		isCore[w] = g.Degree(w) >= minSamples
	}

	group := make(map[string]int)
	var groups [][]string

	for _, w := range wallets {
		if !isCore[w] {
			continue
		}
		if _, done := group[w]; done {
			continue
		}
		idx := len(groups)
		group[w] = idx
		members := []string{w}
		queue := []string{w}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, n := range g.sortedNeighbors(cur) {
				if !isCore[n] || g.Weight(cur, n) < threshold {
					continue
				}
				if _, done := group[n]; done {
					continue
				}
				group[n] = idx
				members = append(members, n)
				queue = append(queue, n)
			}
		}
		groups = append(groups, members)
	}

	for _, w := range wallets {
		if isCore[w] {
			continue
		}
		best, bestWeight := -1, 0
		for _, n := range g.sortedNeighbors(w) {
			if !isCore[n] {
				continue
			}
			weight := g.Weight(w, n)
			if weight < threshold {
				continue
			}
			idx := group[n]
			if weight > bestWeight || (weight == bestWeight && idx < best) {
				best, bestWeight = idx, weight
			}
		}
		if best >= 0 {
			groups[best] = append(groups[best], w)
		}
	}

	var out []store.WalletCluster
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		out = append(out, g.walletCluster(members, isCore))
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.MemberWallets) != len(b.MemberWallets) {
			return len(a.MemberWallets) > len(b.MemberWallets)
		}
		if a.Density != b.Density {
			return a.Density > b.Density
		}
		return a.MemberWallets[0] < b.MemberWallets[0]
	})
	return out
}

func (g *WalletGraph) walletCluster(members []string, isCore map[string]bool) store.WalletCluster {
	sort.Strings(members)

	var cores []string
	for _, m := range members {
		if isCore[m] {
			cores = append(cores, m)
		}
	}

	sources := make(map[string]struct{})
	totalWeight, edgeCount := 0, 0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			e, ok := g.edges[newEdgeKey(members[i], members[j])]
			if !ok {
				continue
			}
			totalWeight += e.weight
			edgeCount++
			for s := range e.sources {
				sources[s] = struct{}{}
			}
		}
	}

	sourceIDs := make([]string, 0, len(sources))
	for s := range sources {
		sourceIDs = append(sourceIDs, s)
	}
	sort.Strings(sourceIDs)

	density := 0.0
	if edgeCount > 0 {
		density = float64(totalWeight) / float64(edgeCount)
	}

	return store.WalletCluster{
		ID:             uuid.NewSHA1(walletClusterNamespace, []byte(strings.Join(members, ","))).String(),
		MemberWallets:  members,
		CoreWallets:    cores,
		SourceClusters: sourceIDs,
		Density:        density,
	}
}

// ClusterWallets builds the co-occurrence graph from clusters and partitions
// it. Membership is recomputed from scratch on every call.
func ClusterWallets(clusters []store.Cluster, cfg config.Detection) []store.WalletCluster {
	return BuildWalletGraph(clusters).Partition(cfg.MinSamples, cfg.CoOccurrenceThreshold)
}
