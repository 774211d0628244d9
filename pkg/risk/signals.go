package risk

import (
	"math"
	"strings"

	"github.com/convergehq/converge/pkg/model"
)

var riskBonus = map[model.RiskLevel]float64{
	model.RiskLow:      0,
	model.RiskMedium:   5,
	model.RiskHigh:     15,
	model.RiskCritical: 30,
}

var coreTargets = map[string]bool{
	"main": true, "master": true, "release": true, "production": true, "prod": true,
}

var corePaths = []string{"src/", "lib/", "core/", "pkg/", "internal/", "app/"}

func isCorePath(f string) bool {
	for _, cp := range corePaths {
		if strings.HasPrefix(f, cp) {
			return true
		}
	}
	return false
}

// EntropicLoad scores the disorder a change introduces: file count,
// conflicts, dependency count, directory spread, and graph dispersion.
// 0-100.
func EntropicLoad(intent model.Intent, sim model.Simulation, g *Graph) float64 {
	dirs := map[string]bool{}
	for _, f := range sim.FilesChanged {
		if parent := parentDir(f); parent != "" {
			dirs[parent] = true
		}
	}

	components := 1
	if g.Len() > 0 {
		components = g.WeaklyConnectedComponents()
	}

	raw := float64(len(sim.FilesChanged))*2.0 +
		float64(len(sim.Conflicts))*15.0 +
		float64(len(intent.Dependencies))*6.0 +
		float64(len(dirs))*3.0 +
		float64(components-1)*5.0
	return math.Min(100.0, round1(raw))
}

// ContextualValue scores how important the touched files are: their
// PageRank centrality relative to uniform, core path membership, and
// target branch criticality. 0-100.
func ContextualValue(intent model.Intent, sim model.Simulation, g *Graph) float64 {
	if g.Len() == 0 {
		return 0.0
	}

	pr := g.PageRank()
	filePRSum := 0.0
	for _, f := range sim.FilesChanged {
		filePRSum += pr[f]
	}
	n := g.Len()
	if n < 1 {
		n = 1
	}
	expectedPerFile := 1.0 / float64(n)
	fileCount := len(sim.FilesChanged)
	if fileCount < 1 {
		fileCount = 1
	}
	importanceRatio := filePRSum / (expectedPerFile * float64(fileCount))

	coreTouches := 0
	for _, f := range sim.FilesChanged {
		if isCorePath(f) {
			coreTouches++
		}
	}
	coreRatio := float64(coreTouches) / float64(fileCount)

	targetBonus := 0.0
	if coreTargets[intent.Target] {
		targetBonus = 10.0
	}

	bonus, ok := riskBonus[intent.RiskLevel]
	if !ok {
		bonus = 5
	}

	raw := math.Min(importanceRatio*30.0, 60.0) + coreRatio*20.0 + targetBonus + bonus
	return math.Min(100.0, round1(raw))
}

// ComplexityDelta scores the net complexity change: graph density,
// edge-to-node ratio, cross-directory edges, and scope spread. 0-100.
func ComplexityDelta(intent model.Intent, sim model.Simulation, g *Graph) float64 {
	if g.Len() == 0 {
		return 0.0
	}

	density := g.Density()
	edgeNodeRatio := float64(g.EdgeCount()) / float64(g.Len())

	crossDir := 0
	for _, u := range g.Nodes() {
		if g.Node(u).Kind != "file" {
			continue
		}
		for v := range g.succ[u] {
			if g.Node(v).Kind != "file" {
				continue
			}
			if parentDir(u) != parentDir(v) {
				crossDir++
			}
		}
	}

	scopeCount := len(intent.ScopeHint())

	raw := density*40.0 +
		math.Min(edgeNodeRatio*10.0, 30.0) +
		float64(crossDir)*3.0 +
		float64(scopeCount)*5.0
	return math.Min(100.0, round1(raw))
}

// PathDependence scores sensitivity to merge order: conflicts, core
// path touches, dependency chain length, cycles, and the longest path
// through the graph. 0-100.
func PathDependence(intent model.Intent, sim model.Simulation, g *Graph) float64 {
	coreTouches := 0
	for _, f := range sim.FilesChanged {
		if isCorePath(f) {
			coreTouches++
		}
	}

	cycleCount := 0
	if !g.IsDAG() {
		cycleCount = len(g.SimpleCycles(20))
	}

	longest := 0
	if g.IsDAG() {
		longest = g.LongestPathLength()
	}

	raw := float64(len(sim.Conflicts))*20.0 +
		float64(coreTouches)*4.0 +
		float64(len(intent.Dependencies))*8.0 +
		float64(cycleCount)*5.0 +
		float64(longest)*2.0
	return math.Min(100.0, round1(raw))
}
