package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeGeometryRejectsBadBlockSize(t *testing.T) {
	_, err := computeGeometry(1<<20, 4000, 0, 16384)
	require.Error(t, err)
}

func TestComputeGeometryRejectsTinyImage(t *testing.T) {
	_, err := computeGeometry(1024, 4096, 0, 16384)
	require.Error(t, err)
}

func TestComputeGeometryRejectsMisalignedClusterSize(t *testing.T) {
	_, err := computeGeometry(4<<20, 4096, 4096+1, 16384)
	require.Error(t, err)
}

func TestComputeGeometryDefaultsClusterSize(t *testing.T) {
	geo, err := computeGeometry(4<<20, 4096, 0, 16384)
	require.NoError(t, err)
	require.EqualValues(t, 4096*4, geo.clusterBytes)
}

func TestComputeGeometrySingleGroup(t *testing.T) {
	// 4096*8 blocks is exactly one bitmap block's worth: a 4 MiB image at
	// 4096-byte blocks is 1024 blocks, well under that, so it must land
	// in a single group.
	geo, err := computeGeometry(4<<20, 4096, 0, 16384)
	require.NoError(t, err)
	require.Equal(t, 1, geo.groupCount)
	require.EqualValues(t, 1024, geo.totalBlocks)
	require.True(t, geo.inodesPerGroup > 0)
	require.True(t, geo.inodeTableBlocks > 0)
}

func TestComputeGeometryMultipleGroups(t *testing.T) {
	// blocksPerGroup at a 1024-byte block size is 1024*8 = 8192 blocks.
	// Ask for enough blocks to spill into a second, partial group.
	const blockSize = 1024
	size := int64(blockSize) * (8192 + 100)
	geo, err := computeGeometry(size, blockSize, 0, 16384)
	require.NoError(t, err)
	require.Equal(t, 2, geo.groupCount)
	require.EqualValues(t, 100, geo.blocksInGroup(1))
}

func TestLayoutGroupZeroReservesMetadataBeforeFirstGroup(t *testing.T) {
	geo, err := computeGeometry(4<<20, 4096, 0, 16384)
	require.NoError(t, err)

	gl := layoutGroup(geo, 0)
	require.True(t, gl.blockBitmapAddr > 0)
	require.Equal(t, gl.blockBitmapAddr+1, gl.inodeBitmapAddr)
	require.Equal(t, gl.inodeBitmapAddr+1, gl.inodeTableAddr)
	require.Equal(t, gl.inodeTableAddr+geo.inodeTableBlocks, gl.dataStart)
}

func TestLayoutGroupNonZeroStartsAtGroupBase(t *testing.T) {
	const blockSize = 1024
	size := int64(blockSize) * (8192 + 100)
	geo, err := computeGeometry(size, blockSize, 0, 16384)
	require.NoError(t, err)

	gl := layoutGroup(geo, 1)
	require.Equal(t, geo.blocksPerGroup, gl.base)
	require.Equal(t, gl.base, gl.blockBitmapAddr)
	require.Equal(t, gl.base+1, gl.inodeBitmapAddr)
	require.Equal(t, gl.base+2, gl.inodeTableAddr)
}
