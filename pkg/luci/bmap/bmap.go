// Package bmap implements the indirect-tree block map (§2.6, §4.5): the
// logical-block → physical-extent lookup through an inode's five roots,
// copy-on-write leaf updates for cluster writeback, and bottom-up
// truncation with the exactly-once compressed-extent free rule.
package bmap

import (
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/super"
)

// Allocator is the narrow surface Tree needs from the block allocator
// (pkg/luci/bitmap via pkg/luci/super's Group), kept as an interface so
// bmap doesn't need to know about groups or hint placement.
type Allocator interface {
	AllocBlock(hintGroup int) (uint32, error)
	FreeBlock(blockNo uint32)
}

// groupAllocator adapts a *super.Manager to Allocator, scanning groups
// starting at the hint the same way pkg/luci/inode scans for a free
// inode bit (§4.3).
type groupAllocator struct {
	mgr *super.Manager
}

func (a *groupAllocator) AllocBlock(hint int) (uint32, error) {
	n := len(a.mgr.Groups)
	if n == 0 {
		return 0, lucierr.ErrNoSpace
	}
	if hint < 0 || hint >= n {
		hint = 0
	}
	for i := 0; i < n; i++ {
		g := a.mgr.Groups[(hint+i)%n]
		bit, err := g.BlockBitmap.AllocFirst()
		if err == nil {
			a.mgr.FreeBlocks.Add(-1)
			g.MarkBlockBitmapDirty()
			return a.mgr.FirstBlockOfGroup(g.Index) + bit, nil
		}
	}
	return 0, lucierr.ErrNoSpace
}

func (a *groupAllocator) FreeBlock(blockNo uint32) {
	g, bit := a.mgr.GroupOfBlock(blockNo)
	if g == nil {
		return
	}
	g.BlockBitmap.Free(bit)
	a.mgr.FreeBlocks.Add(1)
	g.MarkBlockBitmapDirty()
}

// NewAllocator wraps a mounted superblock manager as an Allocator.
func NewAllocator(mgr *super.Manager) Allocator {
	return &groupAllocator{mgr: mgr}
}

// A is the indirection fan-out: the number of blkptr records (16 bytes
// each) that fit in one block pointer block, for the configured block
// size (§4.5 "A-way indexed lookups").
func A(blockSize uint32) uint32 {
	return blockSize / layout.BlockPointerSize
}

// Tree resolves and mutates one inode's block-pointer roots. It holds no
// state of its own beyond the gateway and geometry; the roots it walks
// always live in the caller-supplied *layout.Inode so concurrent callers
// can each hold their own Tree over the same device.
type Tree struct {
	gw        *device.Gateway
	alloc     Allocator
	blockSize uint32
	log       log.Logger
}

// New constructs a Tree bound to gw (and the allocator backing block
// allocation/freeing) for a filesystem with the given block size.
func New(gw *device.Gateway, alloc Allocator, blockSize uint32, logger log.Logger) *Tree {
	if logger == nil {
		logger = log.Null
	}
	return &Tree{gw: gw, alloc: alloc, blockSize: blockSize, log: logger}
}

// rangeSizes returns, for the configured A, how many logical blocks each
// of the five roots covers, in root order (§4.5 layout table).
func (t *Tree) rangeSizes() [5]uint64 {
	a := uint64(A(t.blockSize))
	return [5]uint64{1, 1, a, a * a, a * a * a}
}

// locate partitions a logical block number into the root index it falls
// under and the coordinate within that root's span (direct index, or up
// to three indirect-block indices for indirect/double/triple roots).
type coord struct {
	root    int
	offsets []uint32 // indices to follow at each indirect level, outermost first
}

func (t *Tree) locate(l uint64) (coord, error) {
	sizes := t.rangeSizes()
	a := uint64(A(t.blockSize))

	if l < sizes[0]+sizes[1] {
		return coord{root: layout.RootDirect0 + int(l)}, nil
	}
	l -= sizes[0] + sizes[1]

	if l < sizes[2] {
		return coord{root: layout.RootIndirect, offsets: []uint32{uint32(l)}}, nil
	}
	l -= sizes[2]

	if l < sizes[3] {
		return coord{root: layout.RootDIndirect, offsets: []uint32{uint32(l / a), uint32(l % a)}}, nil
	}
	l -= sizes[3]

	if l < sizes[4] {
		i1 := l / (a * a)
		rem := l % (a * a)
		return coord{root: layout.RootTIndirect, offsets: []uint32{uint32(i1), uint32(rem / a), uint32(rem % a)}}, nil
	}

	return coord{}, lucierr.Corruptf("logical block", l, "within tree capacity")
}

// Lookup resolves logical block l to its blkptr. A sparse branch (an
// unallocated indirect root or intermediate block) reports a hole
// (§4.5 "if 0, the branch is sparse").
func (t *Tree) Lookup(in *layout.Inode, l uint64) (layout.BlockPointer, error) {
	c, err := t.locate(l)
	if err != nil {
		return layout.BlockPointer{}, err
	}

	if len(c.offsets) == 0 {
		return in.Block[c.root], nil
	}

	blockNo := in.Block[c.root].BlockNo
	for depth, off := range c.offsets {
		if blockNo == 0 {
			return layout.BlockPointer{}, nil // hole
		}
		h, err := t.gw.Get(uint64(blockNo))
		if err != nil {
			return layout.BlockPointer{}, err
		}
		h.Lock()
		raw := h.Bytes()[off*layout.BlockPointerSize : off*layout.BlockPointerSize+layout.BlockPointerSize]
		bp := layout.DecodeBlockPointer(raw)
		h.Unlock()
		h.Release()

		if depth == len(c.offsets)-1 {
			return bp, nil
		}
		blockNo = bp.BlockNo
	}
	return layout.BlockPointer{}, nil
}

// ensureRoot returns the block number of the indirect block at
// in.Block[root], allocating and zero-filling it on first use (§4.5
// "missing intermediate indirect blocks are allocated on demand"); deeper
// levels go through ensureChild.
func (t *Tree) ensureRoot(in *layout.Inode, root int, hintGroup int) (uint32, error) {
	if in.Block[root].BlockNo != 0 {
		return in.Block[root].BlockNo, nil
	}
	blockNo, err := t.alloc.AllocBlock(hintGroup)
	if err != nil {
		return 0, err
	}
	h, err := t.gw.Get(uint64(blockNo))
	if err != nil {
		return 0, err
	}
	h.Lock()
	for i := range h.Bytes() {
		h.Bytes()[i] = 0
	}
	h.Unlock()
	h.MarkDirty()
	h.Release()

	in.Block[root] = layout.BlockPointer{BlockNo: blockNo}
	return blockNo, nil
}

func (t *Tree) ensureChild(parentBlock uint32, off uint32, hintGroup int) (uint32, error) {
	h, err := t.gw.Get(uint64(parentBlock))
	if err != nil {
		return 0, err
	}
	h.Lock()
	raw := h.Bytes()[off*layout.BlockPointerSize : off*layout.BlockPointerSize+layout.BlockPointerSize]
	bp := layout.DecodeBlockPointer(raw)
	h.Unlock()

	if bp.BlockNo != 0 {
		h.Release()
		return bp.BlockNo, nil
	}

	blockNo, err := t.alloc.AllocBlock(hintGroup)
	if err != nil {
		h.Release()
		return 0, err
	}
	child, err := t.gw.Get(uint64(blockNo))
	if err != nil {
		h.Release()
		return 0, err
	}
	child.Lock()
	for i := range child.Bytes() {
		child.Bytes()[i] = 0
	}
	child.Unlock()
	child.MarkDirty()
	child.Release()

	// Dirty the child before the parent's pointer to it, so a crash never
	// exposes a pointer to an uninitialized block (§5 ordering note).
	h.Lock()
	copy(h.Bytes()[off*layout.BlockPointerSize:off*layout.BlockPointerSize+layout.BlockPointerSize],
		(layout.BlockPointer{BlockNo: blockNo}).Encode())
	h.Unlock()
	h.MarkDirty()
	h.Release()
	return blockNo, nil
}

// resolveLeafBlock walks to, allocating as needed, the indirect block
// that directly holds the blkptr for logical block l, returning that
// block number and the offset of l's entry within it. For a direct root
// (depth 0) there is no leaf indirect block; callers special-case that.
func (t *Tree) resolveLeafBlock(in *layout.Inode, c coord, hintGroup int) (leafBlock uint32, leafOff uint32, err error) {
	blockNo, err := t.ensureRoot(in, c.root, hintGroup)
	if err != nil {
		return 0, 0, err
	}
	for depth := 0; depth < len(c.offsets)-1; depth++ {
		blockNo, err = t.ensureChild(blockNo, c.offsets[depth], hintGroup)
		if err != nil {
			return 0, 0, err
		}
	}
	return blockNo, c.offsets[len(c.offsets)-1], nil
}

// UpdateExtentBP implements `update_extent_bp` (§4.5): it writes len(bps)
// blkptr records for the contiguous logical run starting at lFirst into
// the single leaf indirect block that covers them (the caller guarantees
// cluster alignment so they share one leaf), marking that block dirty as
// one unit, and returns Δ = new total compressed bytes − old total
// compressed bytes across the replaced entries, for the inode's physical
// size counter.
func (t *Tree) UpdateExtentBP(in *layout.Inode, lFirst uint64, bps []layout.BlockPointer, hintGroup int) (int64, error) {
	if len(bps) == 0 {
		return 0, nil
	}

	c, err := t.locate(lFirst)
	if err != nil {
		return 0, err
	}

	if len(c.offsets) == 0 {
		// Direct entries: never compressed (§3.4 invariant ii), one entry,
		// no shared leaf block to COW.
		var delta int64
		old := in.Block[c.root]
		delta -= int64(old.Length)
		in.Block[c.root] = bps[0]
		delta += int64(bps[0].Length)
		return delta, nil
	}

	leafBlock, leafOff, err := t.resolveLeafBlock(in, c, hintGroup)
	if err != nil {
		return 0, err
	}

	h, err := t.gw.Get(uint64(leafBlock))
	if err != nil {
		return 0, err
	}
	h.Lock()
	var delta int64
	for i, bp := range bps {
		off := (leafOff + uint32(i)) * layout.BlockPointerSize
		old := layout.DecodeBlockPointer(h.Bytes()[off : off+layout.BlockPointerSize])
		delta -= int64(old.Length)
		delta += int64(bp.Length)
		copy(h.Bytes()[off:off+layout.BlockPointerSize], bp.Encode())
	}
	h.Unlock()
	h.MarkDirty() // whole leaf block dirtied as one unit (§4.5 COW at leaf level)
	h.Release()

	return delta, nil
}
