// Package scm wraps the git operations the coordination plane needs.
// Merge simulation uses git merge-tree, which works on object storage
// only: no working directory mutation, no index locks.
package scm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/convergehq/converge/pkg/model"
)

// Runner executes git commands in a repository. A zero Runner operates
// on the current working directory.
type Runner struct {
	Dir string
}

// Result carries the outcome of one git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Git runs a git command and returns its output. A non-zero exit is not
// an error; callers inspect ExitCode. Process launch failures are.
func (r Runner) Git(ctx context.Context, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

func (r Runner) gitOK(ctx context.Context, args ...string) (string, error) {
	res, err := r.Git(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git %s: exit %d: %s",
			strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// RepoRoot resolves the repository toplevel.
func (r Runner) RepoRoot(ctx context.Context) (string, error) {
	out, err := r.gitOK(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentHead returns the SHA at HEAD.
func (r Runner) CurrentHead(ctx context.Context) (string, error) {
	out, err := r.gitOK(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchExists reports whether the named ref resolves.
func (r Runner) BranchExists(ctx context.Context, branch string) (bool, error) {
	res, err := r.Git(ctx, "rev-parse", "--verify", branch)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

var conflictRe = regexp.MustCompile(`CONFLICT.*?:\s.*?in\s+(\S+)`)

// SimulateMerge dry-runs merging source into target with merge-tree.
func (r Runner) SimulateMerge(ctx context.Context, source, target string) (model.Simulation, error) {
	root, err := r.RepoRoot(ctx)
	if err != nil {
		return model.Simulation{}, err
	}
	rr := Runner{Dir: root}

	merge, err := rr.Git(ctx, "merge-tree", "--write-tree", target, source)
	if err != nil {
		return model.Simulation{}, err
	}

	diff, err := rr.Git(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", target, source)
	if err != nil {
		return model.Simulation{}, err
	}
	var files []string
	for _, f := range strings.Split(strings.TrimSpace(diff.Stdout), "\n") {
		if f != "" {
			files = append(files, f)
		}
	}

	sim := model.Simulation{
		Mergeable:    merge.ExitCode == 0,
		Conflicts:    []string{},
		FilesChanged: files,
		Timestamp:    model.NowISO(),
		Source:       source,
		Target:       target,
	}
	if sim.Mergeable {
		return sim, nil
	}

	sim.Conflicts = ParseConflicts(merge.Stdout, merge.Stderr)
	return sim, nil
}

// ParseConflicts extracts conflicted paths from merge-tree output.
// The CONFLICT lines are authoritative; when absent (older git renders
// only stage entries) fall back to tab-separated file entries.
func ParseConflicts(stdout, stderr string) []string {
	var conflicts []string
	for _, m := range conflictRe.FindAllStringSubmatch(stderr, -1) {
		conflicts = append(conflicts, m[1])
	}
	if len(conflicts) > 0 {
		return conflicts
	}
	seen := map[string]bool{}
	for _, line := range strings.Split(stdout, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) == 2 && parts[1] != "" {
			seen[parts[1]] = true
		}
	}
	for f := range seen {
		conflicts = append(conflicts, f)
	}
	sort.Strings(conflicts)
	if conflicts == nil {
		conflicts = []string{}
	}
	return conflicts
}

// ExecuteMergeSafe merges source into target inside a disposable
// detached worktree, so the primary working directory is never touched
// and the target branch may stay checked out elsewhere. On success the
// target ref is advanced to the merge commit and its SHA returned.
func (r Runner) ExecuteMergeSafe(ctx context.Context, source, target string) (string, error) {
	root, err := r.RepoRoot(ctx)
	if err != nil {
		return "", err
	}
	rr := Runner{Dir: root}

	worktree, err := os.MkdirTemp("", "converge-merge-")
	if err != nil {
		return "", fmt.Errorf("create worktree dir: %w", err)
	}
	defer func() {
		if _, rmErr := rr.Git(ctx, "worktree", "remove", "--force", worktree); rmErr != nil {
			os.RemoveAll(worktree)
			rr.Git(ctx, "worktree", "prune") //nolint:errcheck
		}
	}()

	if _, err := rr.gitOK(ctx, "worktree", "add", "--detach", worktree, target); err != nil {
		return "", err
	}
	wt := Runner{Dir: worktree}
	msg := fmt.Sprintf("converge: merge %s into %s", source, target)
	if _, err := wt.gitOK(ctx, "merge", "--no-ff", source, "-m", msg); err != nil {
		return "", err
	}
	sha, err := wt.CurrentHead(ctx)
	if err != nil {
		return "", err
	}
	if _, err := rr.gitOK(ctx, "update-ref", "refs/heads/"+target, sha); err != nil {
		return "", err
	}
	return sha, nil
}

// LogEntry is one commit in the archaeology scan.
type LogEntry struct {
	SHA     string
	Author  string
	Date    string
	Subject string
	Files   []string
}

const logSeparator = "---CONVERGE_ENTRY---"

// LogEntries parses recent history for archaeology: one entry per
// commit with the files it touched.
func (r Runner) LogEntries(ctx context.Context, maxCommits int) ([]LogEntry, error) {
	format := logSeparator + "%n%H%n%an%n%aI%n%s"
	res, err := r.Git(ctx, "log",
		fmt.Sprintf("--max-count=%d", maxCommits),
		"--format="+format, "--name-only")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}

	var entries []LogEntry
	for _, block := range strings.Split(res.Stdout, logSeparator) {
		var lines []string
		for _, l := range strings.Split(strings.TrimSpace(block), "\n") {
			if strings.TrimSpace(l) != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) < 4 {
			continue
		}
		entry := LogEntry{SHA: lines[0], Author: lines[1], Date: lines[2], Subject: lines[3]}
		for _, f := range lines[4:] {
			if strings.TrimSpace(f) != "" && !strings.HasPrefix(f, "Merge") {
				entry.Files = append(entry.Files, f)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
