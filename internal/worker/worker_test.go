package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultPoolBuildsSingleNodeWorkers(t *testing.T) {
	p := NewDefaultPool(3, 4)
	assert.Len(t, p.Workers, 3)
	for _, w := range p.Workers {
		assert.Equal(t, "DEFAULT", w.HostType)
		assert.Equal(t, 1, w.NumNodes)
		assert.Equal(t, 4, w.MaxRanksPerNode)
		assert.True(t, w.Idle)
	}
	assert.Equal(t, 1, p.NodesPerWorker())
	assert.Equal(t, 4, p.MaxRanksPerNode())
}

func TestPoolIdleFiltersOutBusyWorkers(t *testing.T) {
	p := NewDefaultPool(3, 1)
	p.Workers[1].Idle = false
	idle := p.Idle()
	require.Len(t, idle, 2)
	assert.Equal(t, "0", idle[0].ID)
	assert.Equal(t, "2", idle[1].ID)
}

func TestNewCrayPoolExpandsRangesAndSingletons(t *testing.T) {
	p, err := NewCrayPool("1001-1003,1030,1034-1035", 2)
	require.NoError(t, err)
	require.Len(t, p.Workers, 6)
	ids := make([]string, len(p.Workers))
	for i, w := range p.Workers {
		ids[i] = w.ID
		assert.Equal(t, "CRAY", w.HostType)
	}
	assert.Equal(t, []string{"1001", "1002", "1003", "1030", "1034", "1035"}, ids)
}

func TestNewCrayPoolRejectsMalformedRange(t *testing.T) {
	_, err := NewCrayPool("abc-1005", 1)
	assert.Error(t, err)
}

func TestNewBGQPoolSizesSubBlockWorkers(t *testing.T) {
	p := NewBGQPool(2, 8, 16)
	require.Len(t, p.Workers, 2)
	for _, w := range p.Workers {
		assert.Equal(t, "BGQ", w.HostType)
		assert.Equal(t, 8, w.NumNodes)
		assert.Equal(t, 16, w.MaxRanksPerNode)
	}
}

func TestEmptyPoolReportsZeroShape(t *testing.T) {
	p := &Pool{}
	assert.Equal(t, 0, p.NodesPerWorker())
	assert.Equal(t, 0, p.MaxRanksPerNode())
	assert.Empty(t, p.Idle())
}
