// Package dirent implements the directory record operations consumed by
// the core (§4.9, §3.5, §6.3): find/delete/readdir plus the add-link
// scan every create/link/mkdir path needs. Directory content blocks are
// read and written directly through the bmap tree, never routed through
// pkg/luci/compress — delete_entry and the add-link scan both need
// byte-exact, in-place record edits that a compressed extent can't
// support without a decompress/edit/recompress round trip on every call
// (§4.9 "specified minimally").
package dirent

import (
	"encoding/binary"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// Store resolves and mutates one directory inode's content blocks.
type Store struct {
	gw    *device.Gateway
	tree  *bmap.Tree
	alloc bmap.Allocator
}

// New constructs a Store bound to gw/tree/alloc for one mounted
// filesystem instance.
func New(gw *device.Gateway, tree *bmap.Tree, alloc bmap.Allocator) *Store {
	return &Store{gw: gw, tree: tree, alloc: alloc}
}

func blocksForSize(size uint64, blockSize uint32) uint64 {
	if size == 0 {
		return 0
	}
	return (size + uint64(blockSize) - 1) / uint64(blockSize)
}

// Position identifies one directory record's location, for DeleteEntry
// callers that already hold a record found via FindEntry or Readdir.
type Position struct {
	Block  uint64
	Offset uint32
}

func (s *Store) readBlock(bp layout.BlockPointer) ([]byte, error) {
	h, err := s.gw.Get(uint64(bp.BlockNo))
	if err != nil {
		return nil, err
	}
	h.Lock()
	data := append([]byte(nil), h.Bytes()...)
	h.Unlock()
	h.Release()
	return data, nil
}

// FindEntry implements find_entry (§4.9): linear scan across the
// directory's logical blocks, first exact-name match wins.
func (s *Store) FindEntry(in *layout.Inode, blockSize uint32, name string) (layout.Dirent, Position, error) {
	nBlocks := blocksForSize(in.Size(), blockSize)
	for b := uint64(0); b < nBlocks; b++ {
		bp, err := s.tree.Lookup(in, b)
		if err != nil {
			return layout.Dirent{}, Position{}, err
		}
		if bp.IsHole() {
			continue
		}
		data, err := s.readBlock(bp)
		if err != nil {
			return layout.Dirent{}, Position{}, err
		}

		var off uint32
		for off < blockSize {
			d, err := layout.DecodeDirent(data[off:])
			if err != nil {
				return layout.Dirent{}, Position{}, err
			}
			if d.Inode != 0 && d.Name == name {
				return d, Position{Block: b, Offset: off}, nil
			}
			off += uint32(d.RecLen)
		}
	}
	return layout.Dirent{}, Position{}, lucierr.ErrNotFound
}

// DeleteEntry implements delete_entry (§4.9): zero the inode field of
// the record at pos in place and commit the containing block as one
// dirty unit under the block handle's lock. RecLen is left untouched so
// AddEntry can later reclaim the slot as free space.
func (s *Store) DeleteEntry(in *layout.Inode, pos Position) error {
	bp, err := s.tree.Lookup(in, pos.Block)
	if err != nil {
		return err
	}
	if bp.IsHole() {
		return lucierr.ErrNotFound
	}
	h, err := s.gw.Get(uint64(bp.BlockNo))
	if err != nil {
		return err
	}
	h.Lock()
	binary.LittleEndian.PutUint32(h.Bytes()[pos.Offset:pos.Offset+4], 0)
	h.Unlock()
	h.MarkDirty()
	h.Release()
	return nil
}

// Cursor is the opaque readdir position: a logical block index and the
// byte offset of the next record to decode within it.
type Cursor struct {
	Block  uint64
	Offset uint32
}

// Readdir implements readdir (§4.9): iterate block by block, emitting
// every record with a non-zero inode, advancing by each record's
// length. emit receives each record together with the cursor to resume
// from after it, and returns false to stop the walk early.
func (s *Store) Readdir(in *layout.Inode, blockSize uint32, cur Cursor, emit func(layout.Dirent, Cursor) bool) error {
	nBlocks := blocksForSize(in.Size(), blockSize)
	for b := cur.Block; b < nBlocks; b++ {
		off := uint32(0)
		if b == cur.Block {
			off = cur.Offset
		}

		bp, err := s.tree.Lookup(in, b)
		if err != nil {
			return err
		}
		if bp.IsHole() {
			continue
		}
		data, err := s.readBlock(bp)
		if err != nil {
			return err
		}

		for off < blockSize {
			d, err := layout.DecodeDirent(data[off:])
			if err != nil {
				return err
			}
			next := Cursor{Block: b, Offset: off + uint32(d.RecLen)}
			if next.Offset >= blockSize {
				next = Cursor{Block: b + 1, Offset: 0}
			}
			if d.Inode != 0 {
				if !emit(d, next) {
					return nil
				}
			}
			off += uint32(d.RecLen)
		}
	}
	return nil
}
