package scm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConflictsFromConflictLines(t *testing.T) {
	stderr := `CONFLICT (content): Merge conflict in pkg/engine/queue.go
CONFLICT (content): Merge conflict in pkg/model/model.go`

	conflicts := ParseConflicts("", stderr)
	assert.Equal(t, []string{"pkg/engine/queue.go", "pkg/model/model.go"}, conflicts)
}

func TestParseConflictsFallsBackToStageEntries(t *testing.T) {
	// Older git prints only the stage table on stdout.
	stdout := "100644 a1b2c3 1\tpkg/engine/queue.go\n" +
		"100644 d4e5f6 2\tpkg/engine/queue.go\n" +
		"100644 778899 3\tpkg/model/model.go\n"

	conflicts := ParseConflicts(stdout, "")
	assert.Equal(t, []string{"pkg/engine/queue.go", "pkg/model/model.go"}, conflicts)
}

func TestParseConflictsPrefersConflictLines(t *testing.T) {
	stdout := "100644 a1b2c3 1\tpkg/other.go\n"
	stderr := "CONFLICT (content): Merge conflict in pkg/engine/queue.go"

	conflicts := ParseConflicts(stdout, stderr)
	assert.Equal(t, []string{"pkg/engine/queue.go"}, conflicts)
}

func TestParseConflictsCleanMerge(t *testing.T) {
	conflicts := ParseConflicts("", "")
	assert.NotNil(t, conflicts)
	assert.Empty(t, conflicts)
}
