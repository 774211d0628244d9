package risk

import (
	"fmt"

	"github.com/convergehq/converge/pkg/model"
)

// DetectBombs scans the graph for structural degradation patterns:
//
//   - cascade: high-centrality files with wide fan-out whose downstream
//     reach dwarfs the change itself
//   - spiral: circular dependencies in the graph
//   - thermal_death: several entropy indicators elevated at once
func DetectBombs(intent model.Intent, sim model.Simulation, g *Graph) []model.Bomb {
	bombs := []model.Bomb{}
	if g.Len() == 0 {
		return bombs
	}

	pr := g.PageRank()

	// Cascade: touched files whose centrality exceeds 1.5x uniform and
	// fan out to at least 3 successors.
	n := g.Len()
	if n < 1 {
		n = 1
	}
	threshold := 1.5 / float64(n)
	var highFanout []string
	for _, n := range g.Nodes() {
		if g.Node(n).Kind != "file" {
			continue
		}
		if pr[n] > threshold && g.OutDegree(n) >= 3 {
			highFanout = append(highFanout, n)
		}
	}
	if len(highFanout) > 0 {
		affected := map[string]struct{}{}
		for _, f := range highFanout {
			for d := range g.Descendants(f) {
				affected[d] = struct{}{}
			}
		}
		if float64(len(affected)) > float64(len(sim.FilesChanged))*1.5 {
			bombs = append(bombs, model.Bomb{
				Type:     "cascade",
				Severity: "high",
				Message: fmt.Sprintf("Change touches %d high-centrality node(s) with potential cascade to %d nodes",
					len(highFanout), len(affected)),
				Score: float64(len(affected)),
			})
		}
	}

	// Spiral: two or more elementary cycles.
	if !g.IsDAG() {
		cycles := g.SimpleCycles(10)
		if len(cycles) >= 2 {
			bombs = append(bombs, model.Bomb{
				Type:     "spiral",
				Severity: "medium",
				Message:  fmt.Sprintf("%d circular dependency cycle(s) detected", len(cycles)),
				Score:    float64(len(cycles)),
			})
		}
	}

	// Thermal death: three or more of five entropy indicators hot.
	filesCount := len(sim.FilesChanged)
	conflictCount := len(sim.Conflicts)
	depsCount := len(intent.Dependencies)
	components := g.WeaklyConnectedComponents()

	hot := 0
	if filesCount > 10 {
		hot++
	}
	if conflictCount > 0 {
		hot++
	}
	if depsCount > 3 {
		hot++
	}
	if components > 3 {
		hot++
	}
	if g.EdgeCount() > g.Len()*2 {
		hot++
	}
	if hot >= 3 {
		bombs = append(bombs, model.Bomb{
			Type:     "thermal_death",
			Severity: "critical",
			Message: fmt.Sprintf("%d/5 entropy indicators elevated: files=%d, conflicts=%d, deps=%d, components=%d, edge_density=%d/%d",
				hot, filesCount, conflictCount, depsCount, components, g.EdgeCount(), g.Len()),
			Score: float64(hot),
		})
	}

	return bombs
}
