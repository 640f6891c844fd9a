package ensemble

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRankEnv(t *testing.T) {
	t.Helper()
	for _, pair := range rankEnvVars {
		os.Unsetenv(pair[0])
		os.Unsetenv(pair[1])
	}
}

func TestDetectRankPrefersOpenMPIOverOthers(t *testing.T) {
	clearRankEnv(t)
	t.Setenv("OMPI_COMM_WORLD_RANK", "3")
	t.Setenv("OMPI_COMM_WORLD_SIZE", "8")
	t.Setenv("SLURM_PROCID", "99")
	t.Setenv("SLURM_NTASKS", "99")

	info, err := DetectRank()
	require.NoError(t, err)
	assert.Equal(t, 3, info.Rank)
	assert.Equal(t, 8, info.Size)
}

func TestDetectRankFallsBackToSlurm(t *testing.T) {
	clearRankEnv(t)
	t.Setenv("SLURM_PROCID", "1")
	t.Setenv("SLURM_NTASKS", "4")

	info, err := DetectRank()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Rank)
	assert.Equal(t, 4, info.Size)
}

func TestDetectRankErrorsWhenNoPairIsComplete(t *testing.T) {
	clearRankEnv(t)
	t.Setenv("PMI_RANK", "2")
	// PMI_SIZE intentionally left unset.

	_, err := DetectRank()
	assert.Error(t, err)
}

func TestDetectRankRejectsNonIntegerValue(t *testing.T) {
	clearRankEnv(t)
	t.Setenv("PMIX_RANK", "zero")
	t.Setenv("PMIX_SIZE", "4")

	_, err := DetectRank()
	assert.Error(t, err)
}

func TestWaitForRendezvousFileReturnsContentsOnceWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rendezvous")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(path, []byte("127.0.0.1:9999"), 0o644)
	}()

	addr, err := waitForRendezvousFile(path, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", addr)
}

func TestWaitForRendezvousFileTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written")
	_, err := waitForRendezvousFile(path, 30*time.Millisecond)
	assert.Error(t, err)
}
