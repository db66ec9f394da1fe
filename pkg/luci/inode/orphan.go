package inode

// Orphan list handling (§4.4, §9). The superblock's LastOrphan field is
// the head of a singly-linked chain of to-be-deleted inodes; while an
// inode is linked on it, its on-disk Dtime field is repurposed to hold
// the next orphan's inode number (0 terminates the chain) — the same
// trick the source plays with i_dtime, since a live inode has no
// deletion time to keep yet. Ownership of the head lives in the
// superblock manager (m.SB.LastOrphan); the walk/push/pop operations
// live here since they need the inode table.

// PushOrphan prepends ino to the orphan list ahead of an operation that
// drops its link count to zero (§4.4 "link count reaches zero while
// still referenced"). Called before the unlink that creates the
// zero-link state commits, so a crash between the two still recovers.
func (s *Store) PushOrphan(e *Entry) error {
	s.mu.Lock()
	head := s.mgr.SB.LastOrphan
	s.mgr.SB.LastOrphan = e.Ino
	s.mu.Unlock()

	e.Inode.Dtime = head
	e.markDirty()
	return s.WriteInode(e)
}

// PopOrphans walks the entire on-disk orphan chain from its head,
// returning every inode number in chain order (most recently pushed
// first) and leaving the chain empty. Callers (fs.Mount)
// use ReadInode on each returned number, decide truncate-vs-delete from
// its LinksCount, and call Evict — this is the orphan recovery pass
// described in §4.4 as running once at mount, before any other inode
// activity can observe a half-deleted file.
func (s *Store) PopOrphans() ([]uint32, error) {
	var chain []uint32

	s.mu.Lock()
	ino := s.mgr.SB.LastOrphan
	s.mgr.SB.LastOrphan = 0
	s.mu.Unlock()

	for ino != 0 {
		e, err := s.ReadInode(ino)
		if err != nil {
			return chain, err
		}
		next := e.Inode.Dtime
		chain = append(chain, ino)

		e.Inode.Dtime = 0
		e.markDirty()
		if err := s.WriteInode(e); err != nil {
			return chain, err
		}
		ino = next
	}
	return chain, nil
}
