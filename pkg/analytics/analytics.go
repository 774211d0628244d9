// Package analytics mines repository history for risk inputs: change
// hotspots, co-change coupling, author concentration. Reports can be
// snapshotted to disk so risk scoring stays fast and deterministic
// between refreshes.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/convergehq/converge/pkg/eventlog"
	"github.com/convergehq/converge/pkg/model"
	"github.com/convergehq/converge/pkg/risk"
	"github.com/convergehq/converge/pkg/scm"
	"github.com/convergehq/converge/pkg/store"
)

const (
	maxCommits              = 400
	topN                    = 20
	busFactorThreshold      = 0.05 // share of commits that counts an author as load-bearing
	hotspotChangeThreshold  = 10
	couplingMinCoChanges    = 2
	couplingTopN            = 50
	quickCouplingMaxCommits = 200

	snapshotFile = "archaeology_snapshot.json"
)

// Coupling provenance markers, best first.
const (
	SourceSnapshot      = "snapshot"
	SourceLinkedHistory = "linked-history"
	SourceGitLog        = "git-log"
)

// Service runs archaeology over a repository and the event log.
type Service struct {
	events *eventlog.Log
	git    scm.Runner
	dir    string // state directory, default .converge
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRunner points archaeology at a specific repository.
func WithRunner(r scm.Runner) Option {
	return func(s *Service) { s.git = r }
}

// WithStateDir overrides the snapshot directory.
func WithStateDir(dir string) Option {
	return func(s *Service) { s.dir = dir }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the analytics service.
func NewService(events *eventlog.Log, opts ...Option) *Service {
	s := &Service{events: events, dir: ".converge", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hotspot is a file ranked by change frequency.
type Hotspot struct {
	File    string `json:"file"`
	Changes int    `json:"changes"`
}

// AuthorStat counts one author's commits in the scan window.
type AuthorStat struct {
	Author  string `json:"author"`
	Commits int    `json:"commits"`
}

// Report is the archaeology scan result.
type Report struct {
	TotalCommits int             `json:"total_commits"`
	Hotspots     []Hotspot       `json:"hotspots"`
	Coupling     []risk.Coupling `json:"coupling"`
	Authors      []AuthorStat    `json:"authors"`
	BusFactor    int             `json:"bus_factor"`
	GeneratedAt  string          `json:"generated_at"`
}

// ArchaeologyReport scans recent history and ranks hotspots, coupling
// pairs, and author concentration.
func (s *Service) ArchaeologyReport(ctx context.Context) (Report, error) {
	entries, err := s.git.LogEntries(ctx, maxCommits)
	if err != nil {
		return Report{}, fmt.Errorf("scan history: %w", err)
	}
	report := buildReport(entries)
	report.GeneratedAt = s.now().UTC().Format(model.ISOFormat)
	return report, nil
}

func buildReport(entries []scm.LogEntry) Report {
	fileChanges := map[string]int{}
	authorCommits := map[string]int{}
	pairCounts := map[[2]string]int{}

	for _, e := range entries {
		authorCommits[e.Author]++
		for _, f := range e.Files {
			fileChanges[f]++
		}
		for i, f1 := range e.Files {
			for _, f2 := range e.Files[i+1:] {
				a, b := f1, f2
				if b < a {
					a, b = b, a
				}
				pairCounts[[2]string{a, b}]++
			}
		}
	}

	hotspots := make([]Hotspot, 0, len(fileChanges))
	for f, n := range fileChanges {
		hotspots = append(hotspots, Hotspot{File: f, Changes: n})
	}
	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].Changes != hotspots[j].Changes {
			return hotspots[i].Changes > hotspots[j].Changes
		}
		return hotspots[i].File < hotspots[j].File
	})
	if len(hotspots) > topN {
		hotspots = hotspots[:topN]
	}

	coupling := make([]risk.Coupling, 0, len(pairCounts))
	for pair, n := range pairCounts {
		if n < couplingMinCoChanges {
			continue
		}
		coupling = append(coupling, risk.Coupling{
			FileA: pair[0], FileB: pair[1], CoChanges: n, Source: SourceGitLog,
		})
	}
	sortCoupling(coupling)
	if len(coupling) > couplingTopN {
		coupling = coupling[:couplingTopN]
	}

	authors := make([]AuthorStat, 0, len(authorCommits))
	for a, n := range authorCommits {
		authors = append(authors, AuthorStat{Author: a, Commits: n})
	}
	sort.Slice(authors, func(i, j int) bool {
		if authors[i].Commits != authors[j].Commits {
			return authors[i].Commits > authors[j].Commits
		}
		return authors[i].Author < authors[j].Author
	})

	return Report{
		TotalCommits: len(entries),
		Hotspots:     hotspots,
		Coupling:     coupling,
		Authors:      authors,
		BusFactor:    busFactor(authors, len(entries)),
	}
}

// busFactor counts authors carrying more than the threshold share of
// recent commits. Never below 1 when there is any history.
func busFactor(authors []AuthorStat, total int) int {
	if total == 0 {
		return 0
	}
	factor := 0
	for _, a := range authors {
		if float64(a.Commits)/float64(total) > busFactorThreshold {
			factor++
		}
	}
	if factor < 1 {
		factor = 1
	}
	return factor
}

func sortCoupling(coupling []risk.Coupling) {
	sort.Slice(coupling, func(i, j int) bool {
		if coupling[i].CoChanges != coupling[j].CoChanges {
			return coupling[i].CoChanges > coupling[j].CoChanges
		}
		if coupling[i].FileA != coupling[j].FileA {
			return coupling[i].FileA < coupling[j].FileA
		}
		return coupling[i].FileB < coupling[j].FileB
	})
}

// LoadHotspotSet returns the files changing frequently enough to count
// as hotspots, from the snapshot when present, otherwise a quick scan.
func (s *Service) LoadHotspotSet(ctx context.Context) map[string]bool {
	report, ok := s.loadSnapshot()
	if !ok {
		entries, err := s.git.LogEntries(ctx, quickCouplingMaxCommits)
		if err != nil {
			return map[string]bool{}
		}
		report = buildReport(entries)
	}
	set := map[string]bool{}
	for _, h := range report.Hotspots {
		if h.Changes >= hotspotChangeThreshold {
			set[h.File] = true
		}
	}
	return set
}

// LoadCouplingData supplies co-change history for risk scoring. It
// prefers the snapshot, enriched with coupling inferred from merged
// intents' linked commits, and falls back to a live quick scan. Every
// pair carries source and freshness provenance.
func (s *Service) LoadCouplingData(ctx context.Context) []risk.Coupling {
	if report, ok := s.loadSnapshot(); ok {
		freshness := s.freshness(report.GeneratedAt)
		coupling := make([]risk.Coupling, len(report.Coupling))
		for i, c := range report.Coupling {
			c.Source = SourceSnapshot
			c.Freshness = freshness
			coupling[i] = c
		}
		if linked := s.linkedHistoryCoupling(ctx); len(linked) > 0 {
			coupling = mergeCoupling(coupling, linked)
		}
		return coupling
	}

	entries, err := s.git.LogEntries(ctx, quickCouplingMaxCommits)
	if err != nil {
		return nil
	}
	coupling := buildReport(entries).Coupling
	for i := range coupling {
		coupling[i].Freshness = "live"
	}
	return coupling
}

// linkedHistoryCoupling derives co-change pairs from merged intents
// whose declared scope spans multiple files. Weaker signal than git
// history but it covers changes merged through the queue before the
// snapshot was taken.
func (s *Service) linkedHistoryCoupling(ctx context.Context) []risk.Coupling {
	intents, err := s.events.Store().ListIntents(ctx, store.IntentFilter{
		Status: model.StatusMerged, Limit: model.QueryLimitMedium,
	})
	if err != nil {
		return nil
	}
	pairCounts := map[[2]string]int{}
	for _, intent := range intents {
		links, err := s.events.Store().ListCommitLinks(ctx, intent.ID)
		if err != nil || len(links) == 0 {
			continue
		}
		scope := intent.ScopeHint()
		for i, f1 := range scope {
			for _, f2 := range scope[i+1:] {
				a, b := f1, f2
				if b < a {
					a, b = b, a
				}
				pairCounts[[2]string{a, b}]++
			}
		}
	}
	out := make([]risk.Coupling, 0, len(pairCounts))
	for pair, n := range pairCounts {
		out = append(out, risk.Coupling{
			FileA: pair[0], FileB: pair[1], CoChanges: n,
			Source: SourceLinkedHistory, Freshness: "live",
		})
	}
	sortCoupling(out)
	return out
}

// mergeCoupling combines two provenance layers, summing co-change
// counts for pairs present in both. The primary layer's provenance
// wins. Result is capped at the coupling budget.
func mergeCoupling(primary, secondary []risk.Coupling) []risk.Coupling {
	index := map[[2]string]int{}
	merged := make([]risk.Coupling, len(primary))
	copy(merged, primary)
	for i, c := range merged {
		index[[2]string{c.FileA, c.FileB}] = i
	}
	for _, c := range secondary {
		key := [2]string{c.FileA, c.FileB}
		if i, ok := index[key]; ok {
			merged[i].CoChanges += c.CoChanges
			merged[i].Source = "hybrid"
			continue
		}
		index[key] = len(merged)
		merged = append(merged, c)
	}
	sortCoupling(merged)
	if len(merged) > couplingTopN {
		merged = merged[:couplingTopN]
	}
	return merged
}

func (s *Service) snapshotPath() string {
	return filepath.Join(s.dir, snapshotFile)
}

func (s *Service) loadSnapshot() (Report, bool) {
	raw, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		return Report{}, false
	}
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return Report{}, false
	}
	return report, true
}

// SaveSnapshot persists a report for fast coupling lookups.
func (s *Service) SaveSnapshot(report Report) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	p := s.snapshotPath()
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// RefreshResult reports a snapshot refresh and any quality concerns
// found in the scanned history.
type RefreshResult struct {
	Path   string   `json:"path"`
	Report Report   `json:"report"`
	Issues []string `json:"issues,omitempty"`
}

// RefreshSnapshot rescans history and replaces the snapshot, flagging
// degenerate scans that would starve risk scoring of signal.
func (s *Service) RefreshSnapshot(ctx context.Context) (RefreshResult, error) {
	report, err := s.ArchaeologyReport(ctx)
	if err != nil {
		return RefreshResult{}, err
	}

	var issues []string
	if report.TotalCommits == 0 {
		issues = append(issues, "no commits found in scan window")
	}
	if len(report.Hotspots) == 0 {
		issues = append(issues, "no hotspots detected")
	}
	if len(report.Authors) == 0 {
		issues = append(issues, "no authors detected")
	}
	if report.BusFactor == 0 {
		issues = append(issues, "bus factor is zero")
	}

	path, err := s.SaveSnapshot(report)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("save snapshot: %w", err)
	}
	return RefreshResult{Path: path, Report: report, Issues: issues}, nil
}

// freshness classifies a snapshot timestamp relative to now.
func (s *Service) freshness(generatedAt string) string {
	t, err := time.Parse(model.ISOFormat, generatedAt)
	if err != nil {
		return "unknown"
	}
	if s.now().UTC().Sub(t) > 7*24*time.Hour {
		return "stale"
	}
	return "fresh"
}
