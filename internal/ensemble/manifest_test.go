package ensemble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.txt")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestReadManifestParsesEntries(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	path := writeManifest(t,
		id1.String()+" /work/1 ./sim.x --fast",
		"",
		id2.String()+" /work/2 ./sim.x --slow --extra arg",
	)

	entries, err := ReadManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].TaskID)
	assert.Equal(t, "/work/1", entries[0].Workdir)
	assert.Equal(t, "./sim.x --fast", entries[0].Cmd)
	assert.Equal(t, id2, entries[1].TaskID)
	assert.Equal(t, "./sim.x --slow --extra arg", entries[1].Cmd)
}

func TestReadManifestRejectsMalformedLine(t *testing.T) {
	path := writeManifest(t, "not-a-uuid-or-enough-fields")
	_, err := ReadManifest(path)
	assert.Error(t, err)
}

func TestReadManifestRejectsBadUUID(t *testing.T) {
	path := writeManifest(t, "not-a-uuid /work/1 ./sim.x")
	_, err := ReadManifest(path)
	assert.Error(t, err)
}

func TestReadManifestMissingFile(t *testing.T) {
	_, err := ReadManifest(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
