package risk

import (
	"math"
	"path"
	"sort"
	"strings"

	"github.com/convergehq/converge/pkg/model"
)

// Coupling is a historical co-change pair fed in from archaeology.
type Coupling struct {
	FileA     string `json:"file_a"`
	FileB     string `json:"file_b"`
	CoChanges int    `json:"co_changes"`
	Source    string `json:"source,omitempty"`
	Freshness string `json:"freshness,omitempty"`
}

// BuildDependencyGraph constructs the change's dependency graph.
// Nodes: changed files, their directories, scopes, dependencies, the
// intent and its target branch. Edges carry the relation and a weight
// reflecting coupling strength.
func BuildDependencyGraph(intent model.Intent, sim model.Simulation, coupling []Coupling) *Graph {
	g := NewGraph()

	for _, f := range sim.FilesChanged {
		g.AddNode(f, NodeAttrs{Kind: "file", Path: f})
	}

	// Directory containment.
	for _, f := range sim.FilesChanged {
		if parent := parentDir(f); parent != "" {
			g.AddNode(parent, NodeAttrs{Kind: "directory"})
			g.AddEdge(f, parent, EdgeAttrs{Rel: "contained_in", Weight: 0.3})
		}
	}

	// Proximity coupling between files sharing a directory.
	dirFiles := map[string][]string{}
	for _, f := range sim.FilesChanged {
		parent := parentDir(f)
		if parent == "" {
			parent = "."
		}
		dirFiles[parent] = append(dirFiles[parent], f)
	}
	for _, files := range dirFiles {
		for i, f1 := range files {
			for _, f2 := range files[i+1:] {
				if !g.HasEdge(f1, f2) {
					g.AddEdge(f1, f2, EdgeAttrs{Rel: "co_located", Weight: 0.2})
				}
				if !g.HasEdge(f2, f1) {
					g.AddEdge(f2, f1, EdgeAttrs{Rel: "co_located", Weight: 0.2})
				}
			}
		}
	}

	// Scope hints fan out over every changed file; a name match is a
	// stronger tie than mere membership in the same change.
	for _, scope := range intent.ScopeHint() {
		g.AddNode(scope, NodeAttrs{Kind: "scope"})
		for _, f := range sim.FilesChanged {
			if strings.Contains(strings.ToLower(f), strings.ToLower(scope)) {
				g.AddEdge(scope, f, EdgeAttrs{Rel: "scope_contains", Weight: 0.5})
			} else {
				g.AddEdge(scope, f, EdgeAttrs{Rel: "scope_touches", Weight: 0.2})
			}
		}
	}

	for _, dep := range intent.Dependencies {
		g.AddNode(dep, NodeAttrs{Kind: "dependency"})
		g.AddEdge(intent.ID, dep, EdgeAttrs{Rel: "depends_on", Weight: 0.8})
	}

	g.AddNode(intent.ID, NodeAttrs{Kind: "intent"})
	if !g.HasNode(intent.Target) {
		g.AddNode(intent.Target, NodeAttrs{Kind: "branch"})
	}
	g.AddEdge(intent.ID, intent.Target, EdgeAttrs{Rel: "merge_target", Weight: 1.0})

	if len(coupling) > 0 {
		changed := map[string]bool{}
		for _, f := range sim.FilesChanged {
			changed[f] = true
		}
		for _, c := range coupling {
			if !changed[c.FileA] && !changed[c.FileB] {
				continue
			}
			co := c.CoChanges
			if co < 1 {
				co = 1
			}
			w := math.Min(1.0, float64(co)*0.1)
			if !g.HasNode(c.FileA) {
				g.AddNode(c.FileA, NodeAttrs{Kind: "file", Path: c.FileA})
			}
			if !g.HasNode(c.FileB) {
				g.AddNode(c.FileB, NodeAttrs{Kind: "file", Path: c.FileB})
			}
			g.AddEdge(c.FileA, c.FileB, EdgeAttrs{Rel: "co_change", Weight: w})
			g.AddEdge(c.FileB, c.FileA, EdgeAttrs{Rel: "co_change", Weight: w})
		}
	}

	return g
}

// GraphMetrics extracts the summary metrics persisted with every
// risk evaluation.
func GraphMetrics(g *Graph) map[string]any {
	if g.Len() == 0 {
		return map[string]any{
			"nodes": 0, "edges": 0, "pagerank_max": 0.0,
			"pagerank_top": []map[string]any{},
			"components":   0, "density": 0.0,
		}
	}

	pr := g.PageRank()
	type ranked struct {
		node string
		rank float64
	}
	all := make([]ranked, 0, len(pr))
	for n, r := range pr {
		all = append(all, ranked{n, r})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rank != all[j].rank {
			return all[i].rank > all[j].rank
		}
		return all[i].node < all[j].node
	})
	if len(all) > 10 {
		all = all[:10]
	}

	top := make([]map[string]any, 0, 5)
	for _, r := range all {
		if len(top) == 5 {
			break
		}
		top = append(top, map[string]any{"node": r.node, "rank": round4(r.rank)})
	}

	var criticalFiles []map[string]any
	for _, r := range all {
		if g.Node(r.node).Kind == "file" && len(criticalFiles) < 5 {
			criticalFiles = append(criticalFiles, map[string]any{
				"file": r.node, "pagerank": round4(r.rank),
			})
		}
	}
	if criticalFiles == nil {
		criticalFiles = []map[string]any{}
	}

	maxPR := 0.0
	if len(all) > 0 {
		maxPR = round4(all[0].rank)
	}
	return map[string]any{
		"nodes":          g.Len(),
		"edges":          g.EdgeCount(),
		"pagerank_max":   maxPR,
		"pagerank_top":   top,
		"critical_files": criticalFiles,
		"components":     g.WeaklyConnectedComponents(),
		"density":        round4(g.Density()),
	}
}

// BuildImpactEdges flattens the change's impact into directed edges.
func BuildImpactEdges(intent model.Intent, sim model.Simulation) []map[string]any {
	var edges []map[string]any
	edges = append(edges, map[string]any{
		"source": intent.Source, "target": intent.Target,
		"type": "merge_target", "weight": 1.0,
	})
	for _, dep := range intent.Dependencies {
		edges = append(edges, map[string]any{
			"source": intent.ID, "target": dep,
			"type": "depends_on", "weight": 0.8,
		})
	}
	for _, scope := range intent.ScopeHint() {
		edges = append(edges, map[string]any{
			"source": intent.ID, "target": scope,
			"type": "touches_scope", "weight": 0.5,
		})
	}
	files := sim.FilesChanged
	if len(files) > 20 {
		files = files[:20]
	}
	for _, f := range files {
		edges = append(edges, map[string]any{
			"source": intent.ID, "target": f,
			"type": "modifies_file", "weight": 0.3,
		})
	}
	return edges
}

// PropagationScore blends graph fan-out with impact edge weight.
func PropagationScore(g *Graph, edges []map[string]any) float64 {
	if g.Len() == 0 && len(edges) == 0 {
		return 0.0
	}

	var fileNodes []string
	for _, n := range g.Nodes() {
		if g.Node(n).Kind == "file" {
			fileNodes = append(fileNodes, n)
		}
	}
	graphComponent := 0.0
	if len(fileNodes) > 0 {
		totalOut := 0
		for _, n := range fileNodes {
			totalOut += g.OutDegree(n)
		}
		avgOut := float64(totalOut) / float64(len(fileNodes))
		graphComponent = math.Min(50.0, avgOut*10.0)
	}

	totalWeight := 0.0
	targets := map[string]bool{}
	for _, e := range edges {
		w, ok := e["weight"].(float64)
		if !ok {
			w = 0.5
		}
		totalWeight += w
		targets[model.Str(e["target"])] = true
	}
	edgeComponent := math.Min(50.0, totalWeight*3.0+float64(len(targets))*2.0)

	return math.Min(100.0, round1(graphComponent+edgeComponent))
}

// ContainmentScore measures how bounded the change is: 1.0 perfectly
// contained, falling with each boundary token crossed and each extra
// graph component.
func ContainmentScore(intent model.Intent, g *Graph, edges []map[string]any) float64 {
	if g.Len() == 0 && len(edges) == 0 {
		return 1.0
	}

	boundary := map[string]bool{}
	for _, e := range edges {
		boundary[model.Str(e["target"])] = true
	}
	for _, dep := range intent.Dependencies {
		boundary[dep] = true
	}
	for _, s := range intent.ScopeHint() {
		boundary[s] = true
	}
	crossings := len(boundary)
	if crossings == 0 {
		return 1.0
	}

	components := 1
	if g.Len() > 0 {
		components = g.WeaklyConnectedComponents()
	}
	penalty := float64(components-1) * 0.03

	return round2(math.Max(0.0, 1.0-float64(crossings)*0.05-penalty))
}

func parentDir(f string) string {
	dir := path.Dir(f)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
