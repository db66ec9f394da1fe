package bmap

import "github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"

// extentsArray batches compressed-run frees so a physical extent
// referenced by A′ identical leaf entries is freed exactly once even
// though the walk visits every one of those entries (§4.5, §8
// "free-exactly-once").
type extentsArray struct {
	seen map[uint32]bool
}

func newExtentsArray() *extentsArray {
	return &extentsArray{seen: make(map[uint32]bool)}
}

// add queues bp's physical run for freeing, deduping by starting block
// so a compressed extent shared by multiple leaf entries is only
// flushed once.
func (ea *extentsArray) add(bp layout.BlockPointer) {
	if bp.IsHole() || ea.seen[bp.BlockNo] {
		return
	}
	ea.seen[bp.BlockNo] = true
}

// flush frees every queued run's blocks. Uncompressed entries occupy
// exactly one block each; compressed entries occupy
// ceil(Length/blockSize) contiguous blocks starting at BlockNo (§4.6
// "allocate ceil(total_out/B) contiguous physical blocks").
func (ea *extentsArray) flush(alloc Allocator, blockSize uint32, runs map[uint32]uint16) {
	for blockNo := range ea.seen {
		length := runs[blockNo]
		n := uint32(1)
		if length > 0 {
			n = (uint32(length) + blockSize - 1) / blockSize
			if n == 0 {
				n = 1
			}
		}
		for i := uint32(0); i < n; i++ {
			alloc.FreeBlock(blockNo + i)
		}
	}
}

// Truncate implements §4.5's freeing algorithm: free bottom-up via
// recursive descent from each root, highest logical index first. Direct
// entries and each indirect root not covered by keepBlocks (the new
// logical block count) are freed; indirect blocks that end up with no
// remaining non-zero entries are themselves freed. Returns the number of
// data blkptr entries cleared (direct and leaf entries; each entry of a
// compressed cluster counts once, and indirect blocks are not counted).
// The inode's size is left to the caller.
func (t *Tree) Truncate(in *layout.Inode, keepBlocks uint64) (freedBlocks uint32, err error) {
	ea := newExtentsArray()
	runs := make(map[uint32]uint16)
	sizes := t.rangeSizes()

	// Triple, then double, then single indirect, then direct — highest
	// root index to lowest, matching "highest index to lowest" tie-break.
	covered := sizes[0] + sizes[1] + sizes[2] + sizes[3] + sizes[4]
	freedBlocks, err = t.truncateRoot(in, layout.RootTIndirect, 3, keepBlocks, covered-sizes[4], ea, runs)
	if err != nil {
		return freedBlocks, err
	}
	covered -= sizes[4]

	n, err := t.truncateRoot(in, layout.RootDIndirect, 2, keepBlocks, covered-sizes[3], ea, runs)
	freedBlocks += n
	if err != nil {
		return freedBlocks, err
	}
	covered -= sizes[3]

	n, err = t.truncateRoot(in, layout.RootIndirect, 1, keepBlocks, covered-sizes[2], ea, runs)
	freedBlocks += n
	if err != nil {
		return freedBlocks, err
	}
	covered -= sizes[2]

	for _, root := range []int{layout.RootDirect1, layout.RootDirect0} {
		covered--
		if covered >= keepBlocks {
			bp := in.Block[root]
			if !bp.IsHole() {
				runs[bp.BlockNo] = bp.Length
				ea.add(bp)
				in.Block[root] = layout.BlockPointer{}
				freedBlocks++
			}
		}
	}

	ea.flush(t.alloc, t.blockSize, runs)
	return freedBlocks, nil
}

// truncateRoot frees entries of one indirect root (depth levels below
// the root: 1 for singly, 2 for doubly, 3 for triply indirect) whose
// logical index is >= keepBlocks, walking highest-index-first, and frees
// now-empty indirect blocks on the way back up (§4.5).
func (t *Tree) truncateRoot(in *layout.Inode, root int, depth int, keepBlocks, baseIndex uint64, ea *extentsArray, runs map[uint32]uint16) (uint32, error) {
	bp := in.Block[root]
	if bp.IsHole() {
		return 0, nil
	}

	freed, empty, err := t.truncateIndirect(bp.BlockNo, depth, keepBlocks, baseIndex, ea, runs)
	if err != nil {
		return freed, err
	}
	if empty {
		ea.add(layout.BlockPointer{BlockNo: bp.BlockNo})
		runs[bp.BlockNo] = 0
		in.Block[root] = layout.BlockPointer{}
	}
	return freed, nil
}

// truncateIndirect walks one indirect block at the given depth
// (1=leaf-of-singly-indirect style array of data blkptrs, 2/3=arrays of
// child indirect-block pointers), freeing entries with logical index >=
// keepBlocks, highest index first, and reports whether the block ended
// up fully empty so the caller can free it too.
func (t *Tree) truncateIndirect(blockNo uint32, depth int, keepBlocks, baseIndex uint64, ea *extentsArray, runs map[uint32]uint16) (freedBlocks uint32, empty bool, err error) {
	h, err := t.gw.Get(uint64(blockNo))
	if err != nil {
		return 0, false, err
	}
	defer h.Release()

	n := A(t.blockSize)
	span := childSpan(t.blockSize, depth)

	h.Lock()
	defer h.Unlock()

	remaining := false
	for i := int(n) - 1; i >= 0; i-- {
		off := uint32(i) * layout.BlockPointerSize
		raw := h.Bytes()[off : off+layout.BlockPointerSize]
		entry := layout.DecodeBlockPointer(raw)
		if entry.IsHole() {
			continue
		}

		entryBase := baseIndex + uint64(i)*span

		if depth == 1 {
			if entryBase >= keepBlocks {
				runs[entry.BlockNo] = entry.Length
				ea.add(entry)
				copy(h.Bytes()[off:off+layout.BlockPointerSize], (layout.BlockPointer{}).Encode())
				freedBlocks++
				continue
			}
			remaining = true
			continue
		}

		n2, childEmpty, err := t.truncateIndirect(entry.BlockNo, depth-1, keepBlocks, entryBase, ea, runs)
		if err != nil {
			return freedBlocks, false, err
		}
		freedBlocks += n2
		if childEmpty {
			ea.add(layout.BlockPointer{BlockNo: entry.BlockNo})
			runs[entry.BlockNo] = 0
			copy(h.Bytes()[off:off+layout.BlockPointerSize], (layout.BlockPointer{}).Encode())
		} else {
			remaining = true
		}
	}

	h.MarkDirty()
	return freedBlocks, !remaining, nil
}

// childSpan returns how many logical blocks one entry at the given
// depth (1=leaf, 2=one level above leaf, 3=two levels above leaf)
// covers.
func childSpan(blockSize uint32, depth int) uint64 {
	a := uint64(A(blockSize))
	switch depth {
	case 1:
		return 1
	case 2:
		return a
	default:
		return a * a
	}
}
