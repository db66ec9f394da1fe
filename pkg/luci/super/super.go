// Package super implements the superblock manager (§2.3, §4.1) and its
// mount-time integrity verification (§4.2): reading and validating the
// superblock and group descriptor table, maintaining the free-block/inode
// percpu-style counters from a live bitmap scan, and the sync/unmount
// lifecycle (§3.7).
package super

import (
	"sync"
	"time"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bitmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// Group bundles one block group's descriptor and live bitmaps, plus the
// handles they're backed by so writes can be flushed as a unit.
type Group struct {
	Index int
	Desc  *layout.GroupDescriptor

	BlockBitmap *bitmap.GroupBitmap
	InodeBitmap *bitmap.GroupBitmap

	descHandle  *device.BlockHandle
	descOffset  int
	blockHandle *device.BlockHandle
	inodeHandle *device.BlockHandle
}

// Manager owns the superblock image, the group descriptor table, and the
// filesystem-wide free counters. It is the single point of truth for
// mount/sync/unmount (§3.7). SB mutations take mu, the superblock
// spinlock named in §5's lock-ordering rule (page → truncate → metadata
// → group bitmap → superblock — Manager sits at the widest end).
type Manager struct {
	GW *device.Gateway
	SB *layout.Superblock

	Groups []*Group

	FreeBlocks bitmap.Counter
	FreeInodes bitmap.Counter

	Log log.Logger

	mu      sync.Mutex
	stopBG  chan struct{}
	mounted bool
}

// sbBlockNo returns the block number the superblock image lives in. When
// B==1024 the superblock is block 1 (block 0 is the reserved boot area);
// for larger B it shares block 0 with the reserved area (§6.1).
func sbBlockNo(blockSize uint32) uint64 {
	return uint64(layout.SuperblockOffset) / uint64(blockSize)
}

// New constructs a Manager with no mounted state; call Mount to populate it.
func New(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Null
	}
	return &Manager{Log: logger}
}

// Mount reads and validates the superblock and group descriptor table
// from dev, cross-checks bitmap free counts, and seeds the live free
// counters from the bitmaps (the on-disk counters are not authoritative,
// §4.1). It does not run orphan recovery — pkg/luci/fs's Mount layers
// that on top, since it needs the inode store.
func (m *Manager) Mount(dev device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The superblock's own block size isn't known until we've read it,
	// so do a first pass assuming the minimum block size, then re-read
	// once we know the real one (§4.1 "may require re-reading").
	probe := device.New(dev, 1024)
	raw, err := probe.ReadBlock(sbBlockNo(1024))
	if err != nil {
		return err
	}
	sb, err := layout.DecodeSuperblock(raw[:layout.SuperblockSize])
	if err != nil {
		m.Log.Errorf("mount: superblock decode failed: %v", err)
		return err
	}
	if sb.Magic != layout.Magic {
		m.Log.Errorf("mount: bad magic %#x", sb.Magic)
		return lucierr.Corruptf("superblock magic", sb.Magic, layout.Magic)
	}

	blockSize := sb.BlockSize()
	gw := device.New(dev, blockSize)
	if blockSize != 1024 {
		raw, err = gw.ReadBlock(sbBlockNo(blockSize))
		if err != nil {
			return err
		}
		offsetInBlock := uint32(layout.SuperblockOffset) % blockSize
		sb, err = layout.DecodeSuperblock(raw[offsetInBlock : offsetInBlock+layout.SuperblockSize])
		if err != nil {
			return err
		}
	}

	if sb.InodeSize == 0 || sb.InodeSize&(sb.InodeSize-1) != 0 || uint32(sb.InodeSize) > blockSize {
		return lucierr.Corruptf("inode record size", sb.InodeSize, "power of two <= block size")
	}

	m.GW = gw
	m.SB = sb

	groupCount := groupCount(sb)
	if err := m.readGroups(groupCount); err != nil {
		return err
	}
	if err := m.verifyIntegrity(); err != nil {
		m.SB.State = layout.StateError
		return err
	}
	m.seedFreeCounters()

	m.SB.State = layout.StateUnclean
	m.SB.MountCount++
	m.SB.MountTime = uint32(time.Now().Unix())
	m.mounted = true
	m.stopBG = make(chan struct{})
	go m.histogramMonitor()

	m.Log.Infof("mounted: %d groups, %d blocks, %d free", groupCount, sb.BlocksCount, m.FreeBlocks.Sum())
	return m.syncLocked(true)
}

func groupCount(sb *layout.Superblock) int {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	n := (sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
	return int(n)
}

func descriptorsPerBlock(blockSize uint32) int {
	return int(blockSize / layout.DescriptorSize)
}

func (m *Manager) readGroups(groupCount int) error {
	blockSize := m.SB.BlockSize()
	descBase := sbBlockNo(blockSize) + 1
	perBlock := descriptorsPerBlock(blockSize)
	if perBlock == 0 {
		return lucierr.Corruptf("descriptors per block", perBlock, ">0")
	}

	m.Groups = make([]*Group, groupCount)
	for i := 0; i < groupCount; i++ {
		descBlock := descBase + uint64(i/perBlock)
		off := (i % perBlock) * layout.DescriptorSize

		h, err := m.GW.Get(descBlock)
		if err != nil {
			return err
		}
		raw := h.Bytes()[off : off+layout.DescriptorSize]
		gd, err := layout.DecodeGroupDescriptor(raw)
		if err != nil {
			h.Release()
			return err
		}

		g := &Group{Index: i, Desc: gd, descHandle: h, descOffset: off}
		if err := m.loadGroupBitmaps(g); err != nil {
			return err
		}
		m.Groups[i] = g
	}
	return nil
}

func (m *Manager) loadGroupBitmaps(g *Group) error {
	blockH, err := m.GW.Get(uint64(g.Desc.BlockBitmapAddr))
	if err != nil {
		return err
	}
	inodeH, err := m.GW.Get(uint64(g.Desc.InodeBitmapAddr))
	if err != nil {
		blockH.Release()
		return err
	}

	blocksInGroup := m.blocksInGroup(g.Index)
	g.blockHandle = blockH
	g.BlockBitmap = bitmap.NewGroupBitmap(blockH.Bytes(), blocksInGroup)

	g.inodeHandle = inodeH
	g.InodeBitmap = bitmap.NewGroupBitmap(inodeH.Bytes(), m.SB.InodesPerGroup)
	return nil
}

// MarkInodeBitmapDirty flags the group's inode bitmap block for writeback.
// Callers outside this package (pkg/luci/inode) use it after mutating
// InodeBitmap directly, since the bitmap and its backing handle are
// deliberately separate types (§5: the bitmap has no notion of a device).
func (g *Group) MarkInodeBitmapDirty() {
	g.inodeHandle.MarkDirty()
}

// MarkBlockBitmapDirty flags the group's block bitmap block for writeback,
// used by pkg/luci/bmap after allocating or freeing data blocks.
func (g *Group) MarkBlockBitmapDirty() {
	g.blockHandle.MarkDirty()
}

// firstBlockOfGroup returns the first block number belonging to group g.
func (m *Manager) firstBlockOfGroup(g int) uint32 {
	return uint32(g)*m.SB.BlocksPerGroup + m.SB.FirstDataBlock
}

// FirstBlockOfGroup is the exported form of firstBlockOfGroup, used by
// pkg/luci/bmap to turn an allocated bitmap bit back into an absolute
// block number.
func (m *Manager) FirstBlockOfGroup(g int) uint32 {
	return m.firstBlockOfGroup(g)
}

// GroupOfBlock returns the group owning blockNo and the bit within that
// group's bitmap, or (nil, 0) if blockNo falls outside every group's
// range.
func (m *Manager) GroupOfBlock(blockNo uint32) (*Group, uint32) {
	for _, g := range m.Groups {
		first := m.firstBlockOfGroup(g.Index)
		last := m.lastBlockOfGroup(g.Index)
		if blockNo >= first && blockNo <= last {
			return g, blockNo - first
		}
	}
	return nil, 0
}

// lastBlockOfGroup derives the last valid block number of group g,
// re-derived from first principles per §9's correction of the source's
// suspect `gp`/`last_block` arithmetic near the final group:
// last_block = min(first_block + blocks_per_group - 1, total_blocks - 1).
func (m *Manager) lastBlockOfGroup(g int) uint32 {
	first := m.firstBlockOfGroup(g)
	last := first + m.SB.BlocksPerGroup - 1
	if cap := m.SB.BlocksCount - 1; last > cap {
		last = cap
	}
	return last
}

func (m *Manager) blocksInGroup(g int) uint32 {
	return m.lastBlockOfGroup(g) - m.firstBlockOfGroup(g) + 1
}

// BackupLocation returns the first block of group i, the location mount
// and fsck probe for a 0xEF53-tagged superblock backup. Detection only —
// no recovery is driven from it (§9 supersedes the source's inconsistent
// `(i+1)*j` formula).
func (m *Manager) BackupLocation(i int) uint32 {
	return m.firstBlockOfGroup(i)
}

func (m *Manager) seedFreeCounters() {
	var blocks, inodes int64
	for _, g := range m.Groups {
		blocks += int64(g.BlockBitmap.FreeClearCount())
		inodes += int64(g.InodeBitmap.FreeClearCount())
	}
	m.FreeBlocks.Set(blocks)
	m.FreeInodes.Set(inodes)
}

// Sync refreshes times and free counters from a live bitmap scan,
// recomputes the superblock CRC32, and writes the superblock and every
// dirty group descriptor/bitmap back through the gateway (§4.1).
func (m *Manager) Sync(wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncLocked(wait)
}

// syncLocked writes the current in-memory state through to the device.
// It does not itself decide the State field: Mount sets StateUnclean
// before the first sync, Unmount sets StateValid before the final one
// (§3.7 "state forced to 0 unclean on successful mount, restored to
// VALID on clean unmount"); a mid-session Sync call leaves State as-is.
func (m *Manager) syncLocked(wait bool) error {
	m.SB.WriteTime = uint32(time.Now().Unix())
	m.seedFreeCounters()
	m.SB.FreeBlocksCount = uint32(m.FreeBlocks.Sum())
	m.SB.FreeInodesCount = uint32(m.FreeInodes.Sum())

	raw := m.SB.Encode()
	if err := m.GW.WriteBlock(sbBlockNo(m.SB.BlockSize()), padToBlock(raw, m.SB.BlockSize())); err != nil {
		return err
	}

	for _, g := range m.Groups {
		m.writeDescriptor(g)
		g.blockHandle.MarkDirty()
		g.inodeHandle.MarkDirty()
	}

	if wait {
		return m.GW.FlushAll()
	}
	return nil
}

func padToBlock(raw []byte, blockSize uint32) []byte {
	if uint32(len(raw)) >= blockSize {
		return raw[:blockSize]
	}
	out := make([]byte, blockSize)
	copy(out, raw)
	return out
}

func (m *Manager) writeDescriptor(g *Group) {
	g.Desc.FreeBlocksCount = uint16(g.BlockBitmap.FreeClearCount())
	g.Desc.FreeInodesCount = uint16(g.InodeBitmap.FreeClearCount())
	g.Desc.BlockBitmapChecksum = crc16(g.blockHandle.Bytes())
	g.Desc.InodeBitmapChecksum = crc16(g.inodeHandle.Bytes())
	g.Desc.DescriptorChecksum = 0
	encoded := g.Desc.Encode()
	g.Desc.DescriptorChecksum = crc16(encoded)
	encoded = g.Desc.Encode()

	g.descHandle.Lock()
	copy(g.descHandle.Bytes()[g.descOffset:g.descOffset+layout.DescriptorSize], encoded)
	g.descHandle.Unlock()
	g.descHandle.MarkDirty()
}

// Unmount cancels the background histogram monitor, performs a final
// sync with state restored to VALID, and flushes the device (§3.7, §4.1).
func (m *Manager) Unmount() error {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return nil
	}
	m.mounted = false
	close(m.stopBG)
	m.mu.Unlock()

	m.mu.Lock()
	m.SB.State = layout.StateValid
	err := m.syncLocked(true)
	m.mu.Unlock()
	return err
}

// histogramMonitor periodically recomputes each group's buddy-order
// histogram for reporting (§4.1's "periodic background task"); it never
// feeds the allocator (§4.3: "used only for reporting").
func (m *Manager) histogramMonitor() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopBG:
			return
		case <-ticker.C:
			for _, g := range m.Groups {
				g.BlockBitmap.Histogram(maxHistogramOrder)
			}
		}
	}
}

const maxHistogramOrder = 16

// StatFree reports the bitmap-scanned free block/inode counts, not the
// on-disk counters (§7 "statfs reflects bitmap-scanned free counts").
func (m *Manager) StatFree() (freeBlocks, freeInodes uint64) {
	return uint64(m.FreeBlocks.Sum()), uint64(m.FreeInodes.Sum())
}
