package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionBucketsAndOrder(t *testing.T) {
	ps, err := ParsePortSpec("22,53,80,443,631,8080,40000")
	require.NoError(t, err)

	tiers := Partition(ps)
	assert.Equal(t, []int{22, 80, 443, 8080}, tiers.Critical)
	assert.Equal(t, []int{53}, tiers.High)
	assert.Equal(t, []int{631}, tiers.Medium)
	assert.Equal(t, []int{40000}, tiers.Low)
}

func TestPartitionIsExactCover(t *testing.T) {
	ps, err := ParsePortSpec("1-1000")
	require.NoError(t, err)

	tiers := Partition(ps)
	assert.Equal(t, ps.Len(), tiers.Total())

	seen := make(map[int]bool)
	for _, name := range TierOrder {
		for _, p := range tiers.Get(name) {
			assert.False(t, seen[p], "port %d appears in two tiers", p)
			seen[p] = true
			assert.True(t, ps.Contains(p))
		}
	}
	assert.Len(t, seen, ps.Len())
}

func TestTierOrderIsCriticalFirst(t *testing.T) {
	require.Equal(t, TierCritical, TierOrder[0])
	require.Equal(t, TierLow, TierOrder[len(TierOrder)-1])
}

func TestEventDropPolicy(t *testing.T) {
	assert.True(t, EventTierStart.Droppable())
	assert.True(t, EventScanStart.Droppable())
	for _, et := range []EventType{EventOpenPort, EventTierComplete, EventScanComplete, EventError} {
		assert.False(t, et.Droppable(), string(et))
	}
}
