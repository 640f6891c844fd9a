package mpicmd

import (
	"testing"

	"github.com/Larofeticus/balsam/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workers(ids ...string) []*worker.Worker {
	out := make([]*worker.Worker, len(ids))
	for i, id := range ids {
		out[i] = &worker.Worker{ID: id}
	}
	return out
}

func TestForSelectsBuilderByHostType(t *testing.T) {
	for _, tc := range []string{"CRAY", "cray", "BGQ", "COBALT", "DEFAULT", ""} {
		b, err := For(tc)
		require.NoError(t, err, tc)
		assert.NotNil(t, b, tc)
	}
	_, err := For("VAX")
	assert.Error(t, err)
}

func TestDefaultBuilderRendersHostListAndThreadEnv(t *testing.T) {
	b := defaultBuilder{}
	argv, err := b.Build(Spec{
		Workers:        workers("n1", "n2"),
		Command:        "./sim.x --fast",
		NumRanks:       2,
		RanksPerNode:   1,
		ThreadsPerRank: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mpirun", "-n", "2", "--host", "n1,n2", "--npernode", "1",
		"-x", "OMP_NUM_THREADS=4",
		"./sim.x", "--fast",
	}, argv)
}

func TestDefaultBuilderRejectsEmptyWorkers(t *testing.T) {
	_, err := defaultBuilder{}.Build(Spec{Command: "x"})
	assert.Error(t, err)
}

func TestDefaultBuilderSortsEnvFlagsAndExcludesOMP(t *testing.T) {
	b := defaultBuilder{}
	argv, err := b.Build(Spec{
		Workers: workers("n1"),
		Command: "x",
		Env:     map[string]string{"ZVAR": "2", "AVAR": "1", "OMP_NUM_THREADS": "8"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"mpirun", "-n", "0", "--host", "n1",
		"-x", "AVAR=1", "-x", "ZVAR=2",
		"x",
	}, argv)
}

func TestCobaltBuilderComputesDepthFromThreadsTimesCores(t *testing.T) {
	argv, err := cobaltBuilder{}.Build(Spec{
		Workers: workers("n1"), Command: "x", NumRanks: 4, RanksPerNode: 2,
		ThreadsPerRank: 2, ThreadsPerCore: 2,
	})
	require.NoError(t, err)
	assert.Contains(t, argv, "-d")
	idx := indexOf(argv, "-d")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "4", argv[idx+1])
}

func TestCobaltBuilderDepthFloorsAtOne(t *testing.T) {
	argv, err := cobaltBuilder{}.Build(Spec{Workers: workers("n1"), Command: "x"})
	require.NoError(t, err)
	idx := indexOf(argv, "-d")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "1", argv[idx+1])
}

func TestCrayBuilderRendersNodelistAndExportFlags(t *testing.T) {
	argv, err := crayBuilder{}.Build(Spec{
		Workers: workers("c1", "c2"), Command: "x", NumRanks: 2, RanksPerNode: 1,
		ThreadsPerRank: 2, ThreadsPerCore: 1, Env: map[string]string{"A": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "srun", argv[0])
	assert.Contains(t, argv, "--nodelist=c1,c2")
	assert.Contains(t, argv, "--export=ALL,A=1")
	assert.Contains(t, argv, "--cpus-per-task")
}

func TestBgqBuilderAddressesShapeBlockCorner(t *testing.T) {
	w := &worker.Worker{ID: "w0", Shape: "2x2x2", Block: "R00-M0", Corner: "R00-M0-N00"}
	argv, err := bgqBuilder{}.Build(Spec{Workers: []*worker.Worker{w}, Command: "x", NumRanks: 8, RanksPerNode: 4})
	require.NoError(t, err)
	assert.Equal(t, "runjob", argv[0])
	assert.Contains(t, argv, "R00-M0")
	assert.Contains(t, argv, "R00-M0-N00")
	assert.Contains(t, argv, "2x2x2")
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
