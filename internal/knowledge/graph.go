package knowledge

import (
	"fmt"
	"sort"
)

// Graph is the explicit relationship index: adjacency lists of typed,
// weighted, directed edges between entity keys. Immutable after build.
type Graph struct {
	adjacency map[string][]Edge
}

// TraversalOpts bounds one traversal call.
type TraversalOpts struct {
	StartKeys []string
	MaxHops   int     // traversal depth cap
	EdgeFloor float64 // edges below this relevance are not followed
	HopDecay  float64 // per-hop discount, applied as decay^(hops-1)
}

// ReachedEntity is one entity reached by traversal with its discounted
// explicit score and the route that produced it.
type ReachedEntity struct {
	Key   string
	Score float64
	Hops  int
	Via   string // "source -[connection_type]-> target" of the arriving edge
}

// DefaultTraversalOpts mirror the retrieval defaults.
func DefaultTraversalOpts() TraversalOpts {
	return TraversalOpts{
		MaxHops:   2,
		EdgeFloor: 0.3,
		HopDecay:  0.85,
	}
}

// newGraph builds adjacency from resolved edges.
func newGraph(adjacency map[string][]Edge) *Graph {
	if adjacency == nil {
		adjacency = make(map[string][]Edge)
	}
	return &Graph{adjacency: adjacency}
}

// Neighbors returns the outgoing edges of key.
func (g *Graph) Neighbors(key string) []Edge {
	return g.adjacency[key]
}

// EdgeCount returns the number of directed edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, edges := range g.adjacency {
		n += len(edges)
	}
	return n
}

// Traverse runs a level-order BFS from the start keys. The score of an
// entity is the best edge relevance seen along its path discounted by hop
// distance (decay^(hops-1)); when several same-level routes reach one
// entity the highest-scoring route wins. No entity is ever visited twice
// in one call, and start entities are excluded from the result.
func (g *Graph) Traverse(opts TraversalOpts) []ReachedEntity {
	if opts.MaxHops <= 0 {
		opts.MaxHops = 2
	}
	if opts.HopDecay <= 0 || opts.HopDecay > 1 {
		opts.HopDecay = 0.85
	}

	type pathState struct {
		key      string
		bestEdge float64 // max edge relevance along the path so far
	}

	visited := make(map[string]bool, len(opts.StartKeys))
	frontier := make([]pathState, 0, len(opts.StartKeys))
	for _, k := range opts.StartKeys {
		if visited[k] {
			continue
		}
		visited[k] = true
		frontier = append(frontier, pathState{key: k})
	}

	var reached []ReachedEntity
	discount := 1.0
	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		type candidate struct {
			pathState
			score float64
			via   string
		}
		best := make(map[string]candidate)

		for _, cur := range frontier {
			for _, e := range g.adjacency[cur.key] {
				if e.RelevanceScore < opts.EdgeFloor {
					continue
				}
				if visited[e.TargetKey] {
					continue
				}
				pathBest := cur.bestEdge
				if e.RelevanceScore > pathBest {
					pathBest = e.RelevanceScore
				}
				score := pathBest * discount
				if prev, ok := best[e.TargetKey]; ok && prev.score >= score {
					continue
				}
				best[e.TargetKey] = candidate{
					pathState: pathState{key: e.TargetKey, bestEdge: pathBest},
					score:     score,
					via:       fmt.Sprintf("%s -[%s]-> %s", e.SourceKey, e.ConnectionType, e.TargetKey),
				}
			}
		}

		frontier = frontier[:0]
		for key, c := range best {
			visited[key] = true
			reached = append(reached, ReachedEntity{
				Key:   key,
				Score: c.score,
				Hops:  hop,
				Via:   c.via,
			})
			frontier = append(frontier, c.pathState)
		}
		discount *= opts.HopDecay
	}

	sort.Slice(reached, func(i, j int) bool {
		if reached[i].Score != reached[j].Score {
			return reached[i].Score > reached[j].Score
		}
		return reached[i].Key < reached[j].Key
	})
	return reached
}
