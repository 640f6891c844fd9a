package transition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Larofeticus/balsam/internal/taskmodel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStageInFoldsDigestIntoDetail covers that the blake2b-256 digest
// computed while staging files in is actually surfaced, rather than
// discarded, so it can be folded into the task's state_history entry.
func TestStageInFoldsDigestIntoDetail(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "input.dat"), []byte("hello"), 0644))

	root := t.TempDir()
	task := &taskmodel.Task{ID: uuid.New(), Name: "stage-in", StageInURL: "file://" + src}
	task.SetWorkRoot(root)

	state, detail, err := stageIn(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.StagedIn, state)
	assert.Contains(t, detail, "blake2b256[")
	assert.Contains(t, detail, "input.dat:")

	staged, err := os.ReadFile(filepath.Join(task.WorkingDirectory(), "input.dat"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(staged))
}

// TestStageInWithoutURLHasNoDigest covers the no-op path: a task with no
// StageInURL neither copies anything nor fabricates a digest.
func TestStageInWithoutURLHasNoDigest(t *testing.T) {
	task := &taskmodel.Task{ID: uuid.New(), Name: "no-stage-in"}
	task.SetWorkRoot(t.TempDir())

	state, detail, err := stageIn(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.StagedIn, state)
	assert.Empty(t, detail)
}

// TestStageOutFoldsDigestIntoDetail mirrors TestStageInFoldsDigestIntoDetail
// for the symmetric stage-out path.
func TestStageOutFoldsDigestIntoDetail(t *testing.T) {
	dst := t.TempDir()
	root := t.TempDir()

	task := &taskmodel.Task{
		ID: uuid.New(), Name: "stage-out",
		StageOutURL:   "file://" + dst,
		StageOutFiles: "output.dat",
	}
	task.SetWorkRoot(root)
	require.NoError(t, os.MkdirAll(task.WorkingDirectory(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(task.WorkingDirectory(), "output.dat"), []byte("result"), 0644))

	state, detail, err := stageOut(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, taskmodel.JobFinished, state)
	assert.Contains(t, detail, "blake2b256[")
	assert.Contains(t, detail, "output.dat:")

	out, err := os.ReadFile(filepath.Join(dst, "output.dat"))
	require.NoError(t, err)
	assert.Equal(t, "result", string(out))
}

// TestDigestSummaryIsSortedAndDeterministic covers that multi-file
// summaries don't depend on filesystem walk order.
func TestDigestSummaryIsSortedAndDeterministic(t *testing.T) {
	a := digestSummary([]string{"b.dat:222", "a.dat:111"})
	b := digestSummary([]string{"a.dat:111", "b.dat:222"})
	assert.Equal(t, a, b)
	assert.Equal(t, "blake2b256[a.dat:111,b.dat:222]", a)
}

func TestDigestSummaryEmptyForNoFiles(t *testing.T) {
	assert.Empty(t, digestSummary(nil))
}
