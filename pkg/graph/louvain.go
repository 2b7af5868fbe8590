package graph

import (
	"context"
	"math/rand/v2"
	"sort"
)

// WeightedGraph is an undirected weighted graph over nodes 0..n-1. Adj is
// symmetric; a self-loop of weight w is stored as Adj[i][i] = 2w so that
// every node degree is the row sum.
type WeightedGraph struct {
	Nodes []string
	Adj   []map[int]float64
}

func NewWeightedGraph(nodes []string) *WeightedGraph {
	adj := make([]map[int]float64, len(nodes))
	for i := range adj {
		adj[i] = make(map[int]float64)
	}
	return &WeightedGraph{Nodes: nodes, Adj: adj}
}

// AddEdge adds w to the edge between i and j.
func (g *WeightedGraph) AddEdge(i, j int, w float64) {
	if i == j {
		g.Adj[i][i] += 2 * w
		return
	}
	g.Adj[i][j] += w
	g.Adj[j][i] += w
}

// Hierarchy holds one community assignment per level. Levels[l][node] is
// the 1-based community number of node on level l. Level 0 is the finest
// level and every level-l community lies within exactly one level-(l+1)
// community.
type Hierarchy struct {
	Levels [][]int
}

// Detector finds hierarchical communities. Implementations must be
// deterministic for the same graph and parameters.
type Detector interface {
	Detect(ctx context.Context, g *WeightedGraph, params LeidenParams) (*Hierarchy, error)
}

// LouvainDetector is a hierarchical modularity optimiser. Each level runs
// local moving in a seeded shuffled node order until no node moves or
// MaxIterations sweeps are done, then aggregates the communities into the
// nodes of the next level.
type LouvainDetector struct{}

func (LouvainDetector) Detect(ctx context.Context, g *WeightedGraph, params LeidenParams) (*Hierarchy, error) {
	defaults := DefaultLeidenParams()
	if params.Resolution <= 0 {
		params.Resolution = defaults.Resolution
	}
	if params.MaxLevels <= 0 {
		params.MaxLevels = defaults.MaxLevels
	}
	if params.MaxIterations <= 0 {
		params.MaxIterations = defaults.MaxIterations
	}

	h := &Hierarchy{}
	n := len(g.Nodes)
	if n == 0 {
		return h, nil
	}

	rng := rand.New(rand.NewPCG(uint64(params.Seed), uint64(params.Seed)^0x9E3779B97F4A7C15))

	// membership maps every original node to its node on the current level.
	membership := make([]int, n)
	for i := range membership {
		membership[i] = i
	}
	adj := g.Adj

	for level := 0; level < params.MaxLevels; level++ {
		comm, err := localMoving(ctx, adj, params, rng)
		if err != nil {
			return nil, err
		}
		comm, k := compact(comm)
		if level > 0 && k == len(adj) {
			break
		}

		for i := range membership {
			membership[i] = comm[membership[i]]
		}
		h.Levels = append(h.Levels, numberCommunities(membership))

		if k == len(adj) || k == 1 {
			break
		}
		adj = aggregate(adj, comm, k)
	}
	return h, nil
}

func localMoving(ctx context.Context, adj []map[int]float64, params LeidenParams, rng *rand.Rand) ([]int, error) {
	n := len(adj)
	comm := make([]int, n)
	degree := make([]float64, n)
	tot := make([]float64, n)
	var m2 float64
	for i := range adj {
		comm[i] = i
		for _, w := range adj[i] {
			degree[i] += w
		}
		tot[i] = degree[i]
		m2 += degree[i]
	}
	if m2 == 0 {
		return comm, nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })

	for sweep := 0; sweep < params.MaxIterations; sweep++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		moved := 0
		for _, i := range order {
			current := comm[i]
			tot[current] -= degree[i]

			links := make(map[int]float64)
			for j, w := range adj[i] {
				if j == i {
					continue
				}
				links[comm[j]] += w
			}
			candidates := make([]int, 0, len(links)+1)
			for c := range links {
				candidates = append(candidates, c)
			}
			if _, ok := links[current]; !ok {
				candidates = append(candidates, current)
			}
			sort.Ints(candidates)

			best := current
			bestGain := links[current] - params.Resolution*tot[current]*degree[i]/m2
			for _, c := range candidates {
				gain := links[c] - params.Resolution*tot[c]*degree[i]/m2
				if gain > bestGain+1e-12 {
					best, bestGain = c, gain
				}
			}

			comm[i] = best
			tot[best] += degree[i]
			if best != current {
				moved++
			}
		}
		if moved == 0 {
			break
		}
	}
	return comm, nil
}

// compact renumbers community labels to 0..k-1 in order of first
// appearance.
func compact(comm []int) ([]int, int) {
	labels := make(map[int]int)
	out := make([]int, len(comm))
	for i, c := range comm {
		l, ok := labels[c]
		if !ok {
			l = len(labels)
			labels[c] = l
		}
		out[i] = l
	}
	return out, len(labels)
}

func aggregate(adj []map[int]float64, comm []int, k int) []map[int]float64 {
	out := make([]map[int]float64, k)
	for i := range out {
		out[i] = make(map[int]float64)
	}
	for i, row := range adj {
		for j, w := range row {
			out[comm[i]][comm[j]] += w
		}
	}
	return out
}

// numberCommunities maps labels to 1..N ordered by the lowest original
// node index of each community.
func numberCommunities(membership []int) []int {
	numbers := make(map[int]int)
	out := make([]int, len(membership))
	for i, c := range membership {
		num, ok := numbers[c]
		if !ok {
			num = len(numbers) + 1
			numbers[c] = num
		}
		out[i] = num
	}
	return out
}
