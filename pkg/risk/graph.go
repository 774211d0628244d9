// Package risk evaluates merge intents: it builds a dependency graph
// from the change surface, computes four independent risk signals,
// detects structural failure patterns (bombs), and folds everything
// into composite scores consumed by the policy gates.
package risk

import "sort"

// Graph is a small directed graph with typed nodes and weighted edges,
// sized for per-change analysis (tens to hundreds of nodes).
type Graph struct {
	nodes map[string]NodeAttrs
	succ  map[string]map[string]EdgeAttrs
	pred  map[string]map[string]struct{}
	order []string // insertion order, for deterministic iteration
}

// NodeAttrs describes a graph node.
type NodeAttrs struct {
	Kind string // file, directory, scope, dependency, intent, branch
	Path string
}

// EdgeAttrs describes a directed edge.
type EdgeAttrs struct {
	Rel    string
	Weight float64
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: map[string]NodeAttrs{},
		succ:  map[string]map[string]EdgeAttrs{},
		pred:  map[string]map[string]struct{}{},
	}
}

// AddNode inserts a node, keeping existing attributes on re-add.
func (g *Graph) AddNode(id string, attrs NodeAttrs) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = attrs
	g.succ[id] = map[string]EdgeAttrs{}
	g.pred[id] = map[string]struct{}{}
	g.order = append(g.order, id)
}

// AddEdge inserts a directed edge, creating missing endpoints.
func (g *Graph) AddEdge(u, v string, attrs EdgeAttrs) {
	g.AddNode(u, NodeAttrs{})
	g.AddNode(v, NodeAttrs{})
	g.succ[u][v] = attrs
	g.pred[v][u] = struct{}{}
}

// HasNode reports whether id is in the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// HasEdge reports whether u→v exists.
func (g *Graph) HasEdge(u, v string) bool {
	_, ok := g.succ[u][v]
	return ok
}

// Node returns a node's attributes.
func (g *Graph) Node(id string) NodeAttrs { return g.nodes[id] }

// Len is the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// EdgeCount is the edge count.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, out := range g.succ {
		n += len(out)
	}
	return n
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// OutDegree returns the out-degree of a node.
func (g *Graph) OutDegree(id string) int { return len(g.succ[id]) }

// Density is the directed graph density: E / (N * (N-1)).
func (g *Graph) Density() float64 {
	n := len(g.nodes)
	if n <= 1 {
		return 0
	}
	return float64(g.EdgeCount()) / float64(n*(n-1))
}

// PageRank computes weighted PageRank with standard damping. Dangling
// mass is redistributed uniformly, matching the usual formulation.
func (g *Graph) PageRank() map[string]float64 {
	const (
		alpha   = 0.85
		maxIter = 100
		tol     = 1e-6
	)
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}
	}

	rank := make(map[string]float64, n)
	outWeight := make(map[string]float64, n)
	for _, id := range g.order {
		rank[id] = 1.0 / float64(n)
		for _, e := range g.succ[id] {
			outWeight[id] += e.Weight
		}
	}

	for iter := 0; iter < maxIter; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for _, id := range g.order {
			if outWeight[id] == 0 {
				dangling += rank[id]
			}
		}
		base := (1-alpha)/float64(n) + alpha*dangling/float64(n)
		for _, id := range g.order {
			next[id] = base
		}
		for _, u := range g.order {
			if outWeight[u] == 0 {
				continue
			}
			share := alpha * rank[u] / outWeight[u]
			for v, e := range g.succ[u] {
				next[v] += share * e.Weight
			}
		}
		delta := 0.0
		for _, id := range g.order {
			d := next[id] - rank[id]
			if d < 0 {
				d = -d
			}
			delta += d
		}
		rank = next
		if delta < tol*float64(n) {
			break
		}
	}
	return rank
}

// WeaklyConnectedComponents counts components of the undirected view.
func (g *Graph) WeaklyConnectedComponents() int {
	if len(g.nodes) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(g.nodes))
	count := 0
	for _, start := range g.order {
		if seen[start] {
			continue
		}
		count++
		stack := []string{start}
		seen[start] = true
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for v := range g.succ[u] {
				if !seen[v] {
					seen[v] = true
					stack = append(stack, v)
				}
			}
			for v := range g.pred[u] {
				if !seen[v] {
					seen[v] = true
					stack = append(stack, v)
				}
			}
		}
	}
	return count
}

// Descendants returns every node reachable from start, excluding start.
func (g *Graph) Descendants(start string) map[string]struct{} {
	out := map[string]struct{}{}
	stack := []string{start}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for v := range g.succ[u] {
			if _, ok := out[v]; !ok && v != start {
				out[v] = struct{}{}
				stack = append(stack, v)
			}
		}
	}
	return out
}

// IsDAG reports whether the graph is acyclic.
func (g *Graph) IsDAG() bool {
	_, ok := g.topoOrder()
	return ok
}

// LongestPathLength returns the longest path (in edges) of a DAG,
// 0 for cyclic or empty graphs.
func (g *Graph) LongestPathLength() int {
	topo, ok := g.topoOrder()
	if !ok {
		return 0
	}
	dist := make(map[string]int, len(topo))
	longest := 0
	for _, u := range topo {
		for v := range g.succ[u] {
			if dist[u]+1 > dist[v] {
				dist[v] = dist[u] + 1
				if dist[v] > longest {
					longest = dist[v]
				}
			}
		}
	}
	return longest
}

func (g *Graph) topoOrder() ([]string, bool) {
	indeg := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indeg[id] = len(g.pred[id])
	}
	var queue []string
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	var topo []string
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		topo = append(topo, u)
		for v := range g.succ[u] {
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	return topo, len(topo) == len(g.nodes)
}

// SimpleCycles enumerates elementary cycles of length >= 2 up to limit.
// Bounded DFS per start node in insertion order; each cycle is reported
// once, rooted at its smallest-index node.
func (g *Graph) SimpleCycles(limit int) [][]string {
	var cycles [][]string
	index := make(map[string]int, len(g.order))
	for i, id := range g.order {
		index[id] = i
	}

	var dfs func(start, u string, path []string, onPath map[string]bool) bool
	dfs = func(start, u string, path []string, onPath map[string]bool) bool {
		if len(cycles) >= limit {
			return true
		}
		succs := make([]string, 0, len(g.succ[u]))
		for v := range g.succ[u] {
			succs = append(succs, v)
		}
		sort.Slice(succs, func(i, j int) bool { return index[succs[i]] < index[succs[j]] })
		for _, v := range succs {
			if v == start {
				if len(path) >= 2 {
					cycle := make([]string, len(path))
					copy(cycle, path)
					cycles = append(cycles, cycle)
					if len(cycles) >= limit {
						return true
					}
				}
				continue
			}
			// Only explore nodes after start to avoid duplicate rotations.
			if index[v] <= index[start] || onPath[v] {
				continue
			}
			onPath[v] = true
			stop := dfs(start, v, append(path, v), onPath)
			delete(onPath, v)
			if stop {
				return true
			}
		}
		return false
	}

	for _, start := range g.order {
		if len(cycles) >= limit {
			break
		}
		dfs(start, start, []string{start}, map[string]bool{start: true})
	}
	return cycles
}
