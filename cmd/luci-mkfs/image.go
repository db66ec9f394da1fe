package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vbauerster/mpb/v5"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bitmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/fs"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
)

func sbBlockNo(blockSize uint32) uint64 {
	return uint64(layout.SuperblockOffset) / uint64(blockSize)
}

func descriptorsPerBlock(blockSize uint32) int {
	return int(blockSize / layout.DescriptorSize)
}

// groupLayout is the set of block addresses mkfs assigns to one group's
// metadata: its bitmap blocks, its inode table, and where its data
// region begins (everything before dataStart within [base, dataStart)
// is considered reserved and sealed in the block bitmap).
type groupLayout struct {
	base            uint32
	blockBitmapAddr uint32
	inodeBitmapAddr uint32
	inodeTableAddr  uint32
	dataStart       uint32
}

func layoutGroup(geo geometry, index int) groupLayout {
	base := uint32(index) * geo.blocksPerGroup
	if index == 0 {
		descTableStart := uint32(sbBlockNo(geo.blockSize)) + 1
		descTableBlocks := uint32((geo.groupCount + descriptorsPerBlock(geo.blockSize) - 1) / descriptorsPerBlock(geo.blockSize))
		blockBitmapAddr := descTableStart + descTableBlocks
		inodeBitmapAddr := blockBitmapAddr + 1
		inodeTableAddr := inodeBitmapAddr + 1
		return groupLayout{
			base:            base,
			blockBitmapAddr: blockBitmapAddr,
			inodeBitmapAddr: inodeBitmapAddr,
			inodeTableAddr:  inodeTableAddr,
			dataStart:       inodeTableAddr + geo.inodeTableBlocks,
		}
	}
	return groupLayout{
		base:            base,
		blockBitmapAddr: base,
		inodeBitmapAddr: base + 1,
		inodeTableAddr:  base + 2,
		dataStart:       base + 2 + geo.inodeTableBlocks,
	}
}

// looksFormatted does a cheap magic-number probe without going through
// the full superblock decode/checksum path, since a corrupt or
// half-written image shouldn't make --force mandatory by accident.
func looksFormatted(f interface{ ReadAt([]byte, int64) (int, error) }, blockSize uint32) bool {
	if blockSize == 0 {
		blockSize = 4096
	}
	raw := make([]byte, 2)
	off := int64(layout.SuperblockOffset) + 0x38
	n, err := f.ReadAt(raw, off)
	return err == nil && n == 2 && uint16(raw[0])|uint16(raw[1])<<8 == layout.Magic
}

// writeImage lays out the superblock, descriptor table, and every
// group's bitmaps directly through a gateway private to mkfs; the
// inode table is left zero-filled by the preceding Truncate. Reserved
// metadata blocks (and, in group 0, the reserved low inode numbers) are
// sealed in their bitmaps up front so the live mount's allocator can
// never hand them back out.
func writeImage(f device.Device, geo geometry, label string, bar *mpb.Bar) error {
	gw := device.New(f, geo.blockSize)

	descTableStart := uint32(sbBlockNo(geo.blockSize)) + 1
	layouts := make([]groupLayout, geo.groupCount)
	for i := range layouts {
		layouts[i] = layoutGroup(geo, i)
	}

	sb := &layout.Superblock{
		InodesCount:    geo.inodesPerGroup * uint32(geo.groupCount),
		BlocksCount:    geo.totalBlocks,
		FirstDataBlock: 0,
		BlocksPerGroup: geo.blocksPerGroup,
		FragsPerGroup:  geo.blocksPerGroup,
		InodesPerGroup: geo.inodesPerGroup,
		Magic:          layout.Magic,
		State:          layout.StateValid,
		Errors:         layout.ErrorsContinue,
		RevLevel:       1,
		FirstIno:       layout.FirstUserIno,
		InodeSize:      layout.InodeSize,
		DefHashVersion: 1,
	}
	id, err := uuid.NewRandom()
	if err == nil {
		copy(sb.UUID[:], id[:])
	}
	copy(sb.VolumeName[:], label)

	// The superblock always lives at byte offset layout.SuperblockOffset
	// from the start of the device, not at the start of whatever block
	// contains it — for a 1024-byte block size the two coincide, but for
	// any larger block size (mkfs's own 4096-byte default included) the
	// offset falls partway into block 0, exactly where
	// super.Manager.Mount's re-read expects it.
	sbBlock := sbBlockNo(geo.blockSize)
	sbOff := uint32(layout.SuperblockOffset) % geo.blockSize
	h, err := gw.Get(sbBlock)
	if err != nil {
		return err
	}
	h.Lock()
	copy(h.Bytes()[sbOff:sbOff+layout.SuperblockSize], sb.Encode())
	h.Unlock()
	h.MarkDirty()
	h.Release()

	for i, gl := range layouts {
		desc := &layout.GroupDescriptor{
			BlockBitmapAddr: gl.blockBitmapAddr,
			InodeBitmapAddr: gl.inodeBitmapAddr,
			InodeTableAddr:  gl.inodeTableAddr,
		}
		descBlock := uint64(descTableStart) + uint64(i/descriptorsPerBlock(geo.blockSize))
		off := (i % descriptorsPerBlock(geo.blockSize)) * layout.DescriptorSize

		h, err := gw.Get(descBlock)
		if err != nil {
			return err
		}
		h.Lock()
		copy(h.Bytes()[off:off+layout.DescriptorSize], desc.Encode())
		h.Unlock()
		h.MarkDirty()
		h.Release()

		blockBuf := make([]byte, geo.blockSize)
		blockBitmap := bitmap.NewGroupBitmap(blockBuf, geo.blocksInGroup(i))
		reserved := gl.dataStart - gl.base
		for bit := uint32(0); bit < reserved; bit++ {
			if err := blockBitmap.AllocAt(bit); err != nil {
				return fmt.Errorf("group %d: sealing reserved block bit %d: %w", i, bit, err)
			}
		}
		if err := gw.WriteBlock(uint64(gl.blockBitmapAddr), blockBuf); err != nil {
			return err
		}

		inodeBuf := make([]byte, geo.blockSize)
		inodeBitmap := bitmap.NewGroupBitmap(inodeBuf, geo.inodesPerGroup)
		if i == 0 {
			for bit := uint32(0); bit < layout.FirstUserIno-1; bit++ {
				if err := inodeBitmap.AllocAt(bit); err != nil {
					return fmt.Errorf("sealing reserved inode bit %d: %w", bit, err)
				}
			}
		}
		if err := gw.WriteBlock(uint64(gl.inodeBitmapAddr), inodeBuf); err != nil {
			return err
		}

		bar.Increment()
	}

	return gw.FlushAll()
}

// seedRoot mounts the just-written image and initializes its root
// directory (ino layout.RootIno) as an empty, self-parented directory,
// the same bootstrap a live Mkdir does for every directory after it.
func seedRoot(f device.Device, geo geometry, logger log.Logger) error {
	fsys, err := fs.Mount(f, fs.Config{ClusterBytes: geo.clusterBytes, MaxWorkers: 4}, logger)
	if err != nil {
		return fmt.Errorf("seeding root: mount failed: %w", err)
	}

	if err := fsys.InitRoot(); err != nil {
		fsys.Unmount()
		return fmt.Errorf("seeding root: %w", err)
	}

	if err := fsys.Sync(); err != nil {
		fsys.Unmount()
		return err
	}
	return fsys.Unmount()
}
