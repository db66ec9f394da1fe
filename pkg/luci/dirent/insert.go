package dirent

import "github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"

// AddEntry is the add-link half of directory maintenance: not named
// directly by §4.9, but required by every create/link/mkdir path in the
// Filesystem facade. It scans existing records for one with enough
// slack after its own minimum length to carve the new record's slot out
// of, splitting the tail off; if none has room it allocates and zero-
// fills a fresh block holding the new entry alone and extends the
// directory by one block (ext2's classic add_link scan-or-extend
// algorithm, grounded on the teacher's dentryMinLength/rec_len splitting
// idiom in pkg/ext4/dir.go, adapted from one-shot image generation to a
// live insert).
func (s *Store) AddEntry(in *layout.Inode, blockSize uint32, ino uint32, name string, ftype uint8, hintGroup int) error {
	need := layout.DirentMinLen(name)
	nBlocks := blocksForSize(in.Size(), blockSize)

	for b := uint64(0); b < nBlocks; b++ {
		bp, err := s.tree.Lookup(in, b)
		if err != nil {
			return err
		}
		if bp.IsHole() {
			continue
		}
		if ok, err := s.tryInsertInBlock(bp, blockSize, ino, name, ftype, need); err != nil {
			return err
		} else if ok {
			return nil
		}
	}

	return s.extendWithNewBlock(in, blockSize, nBlocks, ino, name, ftype, hintGroup)
}

// tryInsertInBlock scans one directory block for a record whose slack
// (RecLen minus its own minimum length) is at least need bytes, splits
// that slack into the new record, and commits the block as one dirty
// unit. It reports whether it found room.
func (s *Store) tryInsertInBlock(bp layout.BlockPointer, blockSize uint32, ino uint32, name string, ftype uint8, need uint16) (bool, error) {
	h, err := s.gw.Get(uint64(bp.BlockNo))
	if err != nil {
		return false, err
	}
	h.Lock()
	data := h.Bytes()

	var off uint32
	for off < blockSize {
		d, err := layout.DecodeDirent(data[off:])
		if err != nil {
			h.Unlock()
			h.Release()
			return false, err
		}

		used := uint16(0)
		if d.Inode != 0 {
			used = layout.DirentMinLen(d.Name)
		}
		slack := d.RecLen - used

		if slack >= need {
			if d.Inode != 0 {
				existing := &layout.Dirent{Inode: d.Inode, RecLen: used, FileType: d.FileType, Name: d.Name}
				copy(data[off:off+uint32(used)], existing.Encode())
				newOff := off + uint32(used)
				fresh := &layout.Dirent{Inode: ino, RecLen: slack, FileType: ftype, Name: name}
				copy(data[newOff:newOff+uint32(slack)], fresh.Encode())
			} else {
				fresh := &layout.Dirent{Inode: ino, RecLen: d.RecLen, FileType: ftype, Name: name}
				copy(data[off:off+uint32(d.RecLen)], fresh.Encode())
			}
			h.Unlock()
			h.MarkDirty()
			h.Release()
			return true, nil
		}
		off += uint32(d.RecLen)
	}

	h.Unlock()
	h.Release()
	return false, nil
}

// extendWithNewBlock allocates a fresh, zero-filled block holding only
// the new record, wires it in as the directory's next logical block via
// the bmap COW path, and grows the inode's size to cover it.
func (s *Store) extendWithNewBlock(in *layout.Inode, blockSize uint32, nBlocks uint64, ino uint32, name string, ftype uint8, hintGroup int) error {
	blockNo, err := s.alloc.AllocBlock(hintGroup)
	if err != nil {
		return err
	}
	h, err := s.gw.Get(uint64(blockNo))
	if err != nil {
		return err
	}
	h.Lock()
	for i := range h.Bytes() {
		h.Bytes()[i] = 0
	}
	rec := &layout.Dirent{Inode: ino, RecLen: uint16(blockSize), FileType: ftype, Name: name}
	copy(h.Bytes(), rec.Encode())
	h.Unlock()
	h.MarkDirty()
	h.Release()

	newBP := layout.BlockPointer{BlockNo: blockNo, Length: uint16(blockSize), Flags: layout.FlagNotCompressed}
	if _, err := s.tree.UpdateExtentBP(in, nBlocks, []layout.BlockPointer{newBP}, hintGroup); err != nil {
		return err
	}

	newSize := (nBlocks + 1) * uint64(blockSize)
	if newSize > in.Size() {
		in.SizeLo = uint32(newSize)
	}
	return nil
}

// InitEmptyDir writes a freshly allocated directory's first block,
// containing just "." and ".." (the classic ext2 layout: "." takes its
// minimum length, ".." absorbs the rest of the block), and wires it in
// as logical block 0.
func (s *Store) InitEmptyDir(in *layout.Inode, blockSize uint32, selfIno, parentIno uint32, hintGroup int) error {
	blockNo, err := s.alloc.AllocBlock(hintGroup)
	if err != nil {
		return err
	}
	h, err := s.gw.Get(uint64(blockNo))
	if err != nil {
		return err
	}
	h.Lock()
	for i := range h.Bytes() {
		h.Bytes()[i] = 0
	}
	dot := &layout.Dirent{Inode: selfIno, RecLen: layout.DirentMinLen("."), FileType: layout.FTDir, Name: "."}
	dotdot := &layout.Dirent{Inode: parentIno, RecLen: uint16(blockSize) - dot.RecLen, FileType: layout.FTDir, Name: ".."}
	copy(h.Bytes()[0:dot.RecLen], dot.Encode())
	copy(h.Bytes()[dot.RecLen:], dotdot.Encode())
	h.Unlock()
	h.MarkDirty()
	h.Release()

	bp := layout.BlockPointer{BlockNo: blockNo, Length: uint16(blockSize), Flags: layout.FlagNotCompressed}
	if _, err := s.tree.UpdateExtentBP(in, 0, []layout.BlockPointer{bp}, hintGroup); err != nil {
		return err
	}
	in.SizeLo = blockSize
	return nil
}
