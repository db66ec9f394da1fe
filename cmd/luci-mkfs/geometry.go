package main

import (
	"fmt"
	"math/bits"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
)

// geometry is the set of layout decisions mkfs has to make up front:
// block size, group count, and how many inodes each group gets. Every
// group uses the same inodesPerGroup, matching SB.InodesPerGroup's
// single filesystem-wide field.
type geometry struct {
	blockSize        uint32
	clusterBytes     uint32
	totalBlocks      uint32
	blocksPerGroup   uint32
	groupCount       int
	inodesPerGroup   uint32
	inodeTableBlocks uint32
}

func computeGeometry(size int64, blockSize, clusterSize uint32, inodeRatio int64) (geometry, error) {
	if blockSize == 0 || bits.OnesCount32(blockSize) != 1 {
		return geometry{}, fmt.Errorf("block size %d must be a power of two", blockSize)
	}
	if inodeRatio <= int64(layout.InodeSize) {
		return geometry{}, fmt.Errorf("inode ratio %d too small", inodeRatio)
	}
	if clusterSize == 0 {
		clusterSize = blockSize * 4
	}
	if clusterSize%blockSize != 0 {
		return geometry{}, fmt.Errorf("cluster size %d must be a multiple of block size %d", clusterSize, blockSize)
	}

	totalBlocks := uint32(size / int64(blockSize))
	if totalBlocks < 64 {
		return geometry{}, fmt.Errorf("image too small: need at least 64 blocks of %d bytes", blockSize)
	}

	// One bitmap block indexes exactly blockSize*8 bits, so that's the
	// largest a group's block range (and its inode range) can be.
	blocksPerGroup := blockSize * 8
	groupCount := int((uint64(totalBlocks) + uint64(blocksPerGroup) - 1) / uint64(blocksPerGroup))

	inodesPerBlock := blockSize / uint32(layout.InodeSize)
	target := uint32(int64(blocksPerGroup) * int64(blockSize) / inodeRatio)
	if target < 32 {
		target = 32
	}
	if target > blocksPerGroup {
		target = blocksPerGroup
	}
	inodesPerGroup := ((target + inodesPerBlock - 1) / inodesPerBlock) * inodesPerBlock
	if inodesPerGroup == 0 {
		inodesPerGroup = inodesPerBlock
	}
	inodeTableBlocks := inodesPerGroup / inodesPerBlock

	return geometry{
		blockSize:        blockSize,
		clusterBytes:     clusterSize,
		totalBlocks:      totalBlocks,
		blocksPerGroup:   blocksPerGroup,
		groupCount:       groupCount,
		inodesPerGroup:   inodesPerGroup,
		inodeTableBlocks: inodeTableBlocks,
	}, nil
}

// blocksInGroup returns how many blocks group g actually spans, clipped
// at the image's last block for a partial final group.
func (g geometry) blocksInGroup(group int) uint32 {
	first := uint32(group) * g.blocksPerGroup
	last := first + g.blocksPerGroup - 1
	if cap := g.totalBlocks - 1; last > cap {
		last = cap
	}
	return last - first + 1
}
