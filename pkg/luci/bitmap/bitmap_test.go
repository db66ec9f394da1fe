package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

func TestAllocFirstIsLowestIndex(t *testing.T) {
	raw := make([]byte, 16)
	gb := NewGroupBitmap(raw, 128)

	require.NoError(t, gb.AllocAt(0))

	bit, err := gb.AllocFirst()
	require.NoError(t, err)
	require.EqualValues(t, 1, bit)
}

func TestAllocFirstExhaustion(t *testing.T) {
	raw := make([]byte, 1)
	gb := NewGroupBitmap(raw, 4)

	for i := 0; i < 4; i++ {
		_, err := gb.AllocFirst()
		require.NoError(t, err)
	}

	_, err := gb.AllocFirst()
	require.ErrorIs(t, err, lucierr.ErrNoSpace)
}

func TestFreeClearCountMatchesManualScan(t *testing.T) {
	raw := make([]byte, 8)
	gb := NewGroupBitmap(raw, 64)

	for i := 0; i < 10; i++ {
		_, err := gb.AllocFirst()
		require.NoError(t, err)
	}

	require.EqualValues(t, 54, gb.FreeClearCount())
}

func TestFreeThenReallocateSameBit(t *testing.T) {
	raw := make([]byte, 8)
	gb := NewGroupBitmap(raw, 64)

	bit, err := gb.AllocFirst()
	require.NoError(t, err)
	require.EqualValues(t, 0, bit)

	gb.Free(bit)
	bit2, err := gb.AllocFirst()
	require.NoError(t, err)
	require.EqualValues(t, 0, bit2)
}

func TestTrailingBitsAreSealed(t *testing.T) {
	raw := make([]byte, 8) // 64 physical bits, only 5 valid
	gb := NewGroupBitmap(raw, 5)

	for i := 0; i < 5; i++ {
		_, err := gb.AllocFirst()
		require.NoError(t, err)
	}
	_, err := gb.AllocFirst()
	require.Error(t, err)
}

func TestCounterSumsAcrossShards(t *testing.T) {
	var c Counter
	c.Set(100)
	c.Add(-3)
	c.Add(5)
	require.EqualValues(t, 102, c.Sum())
}

func TestHistogramCountsFreeRuns(t *testing.T) {
	raw := make([]byte, 1)
	gb := NewGroupBitmap(raw, 8)
	require.NoError(t, gb.AllocAt(2))

	hist := gb.Histogram(3)
	var total uint32
	for order, count := range hist {
		total += count * (1 << uint(order))
	}
	require.EqualValues(t, 7, total)
}
