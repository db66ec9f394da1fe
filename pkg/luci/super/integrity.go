package super

import (
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// verifyIntegrity implements §4.2's mount-time checks: each descriptor's
// bitmap/table block numbers must lie within its group's block range, and
// a non-zero stored descriptor checksum must validate. Bitmap free-count
// cross-checks are a warning, not fatal, per §4.2 and §8.
func (m *Manager) verifyIntegrity() error {
	for _, g := range m.Groups {
		first := m.firstBlockOfGroup(g.Index)
		last := m.lastBlockOfGroup(g.Index)

		if err := inRange("block bitmap", g.Desc.BlockBitmapAddr, first, last); err != nil {
			return err
		}
		if err := inRange("inode bitmap", g.Desc.InodeBitmapAddr, first, last); err != nil {
			return err
		}
		inodeTableBlocks := inodeTableBlockCount(m.SB.InodesPerGroup, m.SB.InodeSize, m.SB.BlockSize())
		if err := inRange("inode table start", g.Desc.InodeTableAddr, first, last); err != nil {
			return err
		}
		if err := inRange("inode table end", g.Desc.InodeTableAddr+inodeTableBlocks-1, first, last); err != nil {
			return err
		}

		if g.Desc.DescriptorChecksum != 0 {
			cp := *g.Desc
			cp.DescriptorChecksum = 0
			if got := crc16(cp.Encode()); got != g.Desc.DescriptorChecksum {
				m.Log.Errorf("group %d: descriptor checksum mismatch: got %#x want %#x", g.Index, got, g.Desc.DescriptorChecksum)
				return lucierr.Corruptf("group descriptor checksum", got, g.Desc.DescriptorChecksum)
			}
		}

		if free := g.BlockBitmap.FreeClearCount(); uint16(free) != g.Desc.FreeBlocksCount && g.Desc.FreeBlocksCount != 0 {
			m.Log.Warnf("group %d: stale free block count in descriptor: bitmap says %d, descriptor says %d", g.Index, free, g.Desc.FreeBlocksCount)
		}
	}
	return nil
}

func inRange(what string, block, first, last uint32) error {
	if block < first || block > last {
		return lucierr.Corruptf(what, block, []uint32{first, last})
	}
	return nil
}

func inodeTableBlockCount(inodesPerGroup uint32, inodeSize uint16, blockSize uint32) uint32 {
	inodesPerBlock := blockSize / uint32(inodeSize)
	if inodesPerBlock == 0 {
		return 0
	}
	return (inodesPerGroup + inodesPerBlock - 1) / inodesPerBlock
}
