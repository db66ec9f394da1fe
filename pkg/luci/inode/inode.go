// Package inode implements the inode store (§2.5, §4.4): inode table
// I/O, the in-memory inode cache with per-inode state (§3.6), allocation
// and freeing against the superblock manager's bitmaps, and the
// intrusive orphan list (§4.4, §9).
package inode

import (
	"sync"
	"time"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/super"
)

// State flags for a cached inode (§3.6).
const (
	StateNew   uint32 = 1 << 0
	StateDirty uint32 = 1 << 1
)

// Entry is the in-memory inode cache entry: the on-disk fields plus the
// group it resides in, a per-inode truncate mutex, and a per-inode
// metadata rwlock guarding the embedded block-pointer roots (§3.6, §5).
type Entry struct {
	Ino   uint32
	Group int
	Inode layout.Inode

	TruncateMu sync.Mutex
	MetaMu     sync.RWMutex

	state uint32
}

func (e *Entry) markDirty() {
	e.state |= StateDirty
}

// Dirty reports whether the cache entry has unwritten changes.
func (e *Entry) Dirty() bool {
	return e.state&StateDirty != 0
}

// Store is the inode table manager: it reads/writes inode-table blocks
// through the superblock manager's block groups and keeps a process-wide
// cache of open inodes (§5 "one inode cache... per filesystem instance").
type Store struct {
	mgr *super.Manager
	log log.Logger

	mu    sync.Mutex
	cache map[uint32]*Entry

	generation uint32
}

// New constructs a Store bound to a mounted Manager.
func New(mgr *super.Manager, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Null
	}
	return &Store{mgr: mgr, log: logger, cache: make(map[uint32]*Entry)}
}

func (s *Store) inodesPerBlock() uint32 {
	return s.mgr.SB.BlockSize() / uint32(s.mgr.SB.InodeSize)
}

// locate resolves an inode number to its (group, table block number,
// byte offset within that block) tuple.
func (s *Store) locate(ino uint32) (group int, tableBlock uint64, off uint32) {
	idx := ino - 1
	group = int(idx / s.mgr.SB.InodesPerGroup)
	within := idx % s.mgr.SB.InodesPerGroup
	perBlock := s.inodesPerBlock()
	g := s.mgr.Groups[group]
	tableBlock = uint64(g.Desc.InodeTableAddr) + uint64(within/perBlock)
	off = (within % perBlock) * uint32(s.mgr.SB.InodeSize)
	return
}

// ReadInode loads ino from the inode table (or the cache, if already
// resident) and returns its cache entry (§4.4 "read_inode").
func (s *Store) ReadInode(ino uint32) (*Entry, error) {
	s.mu.Lock()
	if e, ok := s.cache[ino]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	if ino < 1 || ino > s.mgr.SB.InodesCount {
		return nil, lucierr.Corruptf("inode number", ino, []uint32{1, s.mgr.SB.InodesCount})
	}

	group, tableBlock, off := s.locate(ino)
	if group >= len(s.mgr.Groups) {
		return nil, lucierr.Corruptf("inode group", group, len(s.mgr.Groups))
	}

	h, err := s.mgr.GW.Get(tableBlock)
	if err != nil {
		return nil, err
	}
	h.Lock()
	raw := make([]byte, layout.InodeSize)
	copy(raw, h.Bytes()[off:off+layout.InodeSize])
	h.Unlock()
	h.Release()

	in, err := layout.DecodeInode(raw)
	if err != nil {
		return nil, err
	}

	e := &Entry{Ino: ino, Group: group, Inode: *in}
	s.mu.Lock()
	if existing, ok := s.cache[ino]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.cache[ino] = e
	s.mu.Unlock()
	return e, nil
}

// WriteInode flushes a cache entry's current state to its inode-table
// slot, regardless of its dirty flag (callers that only want to flush
// dirty entries should check Dirty() first).
func (s *Store) WriteInode(e *Entry) error {
	_, tableBlock, off := s.locate(e.Ino)
	h, err := s.mgr.GW.Get(tableBlock)
	if err != nil {
		return err
	}
	encoded := e.Inode.Encode()
	h.Lock()
	copy(h.Bytes()[off:off+layout.InodeSize], encoded)
	h.Unlock()
	h.MarkDirty()
	h.Release()
	e.state &^= StateDirty
	return nil
}

// NewInode allocates a free inode bit starting from homeGroup (the
// directory's group, inherited owner/mode rule applied by the caller),
// initializes {mode, times=now, size=0}, inserts it into the cache, and
// writes it to its inode-table slot, so the returned entry is not dirty
// (§4.4 "new_inode", §4.3 allocation policy).
func (s *Store) NewInode(homeGroup int, mode uint16) (*Entry, error) {
	group, bit, err := s.allocInodeBit(homeGroup)
	if err != nil {
		return nil, err
	}
	if mode&layout.ModeFmt == layout.ModeDir {
		s.mgr.Groups[group].Desc.DirectoriesCount++
	}

	ino := uint32(group)*s.mgr.SB.InodesPerGroup + bit + 1
	now := uint32(time.Now().Unix())

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	e := &Entry{
		Ino:   ino,
		Group: group,
		Inode: layout.Inode{
			Mode:       mode,
			Atime:      now,
			Ctime:      now,
			Mtime:      now,
			Generation: gen,
		},
		state: StateNew | StateDirty,
	}

	s.mu.Lock()
	s.cache[ino] = e
	s.mu.Unlock()

	if err := s.WriteInode(e); err != nil {
		return nil, err
	}
	return e, nil
}

// allocInodeBit scans groups starting at homeGroup, wrapping around,
// applying the same find-first-zero/test-and-set idiom as block
// allocation (§4.3).
func (s *Store) allocInodeBit(homeGroup int) (group int, bit uint32, err error) {
	n := len(s.mgr.Groups)
	if n == 0 {
		return 0, 0, lucierr.ErrNoSpace
	}
	if homeGroup < 0 || homeGroup >= n {
		homeGroup = 0
	}
	for i := 0; i < n; i++ {
		g := (homeGroup + i) % n
		grp := s.mgr.Groups[g]
		bit, err = grp.InodeBitmap.AllocFirst()
		if err == nil {
			s.mgr.FreeInodes.Add(-1)
			grp.Desc.FreeInodesCount--
			grp.MarkInodeBitmapDirty()
			return g, bit, nil
		}
	}
	return 0, 0, lucierr.ErrNoSpace
}

// FreeInode clears ino's bitmap bit and always updates the home group's
// free-inode count — the source's luci_free_inode returns early after
// the descriptor lookup and skips this update; the clean-room
// implementation applies it unconditionally (§9 open question #1).
func (s *Store) FreeInode(e *Entry) error {
	grp := s.mgr.Groups[e.Group]
	bit := (e.Ino - 1) % s.mgr.SB.InodesPerGroup

	grp.InodeBitmap.Free(bit)
	s.mgr.FreeInodes.Add(1)
	grp.Desc.FreeInodesCount++
	if e.Inode.IsDir() {
		if grp.Desc.DirectoriesCount > 0 {
			grp.Desc.DirectoriesCount--
		}
	}
	grp.MarkInodeBitmapDirty()

	s.mu.Lock()
	delete(s.cache, e.Ino)
	s.mu.Unlock()
	return nil
}

// Evict implements §4.4's eviction rule: if the link count is zero and
// the file still has bytes, truncate it to zero via truncate, then free
// the inode. truncate is supplied by the caller (pkg/luci/fs) to avoid a
// layering cycle through pkg/luci/bmap.
func (s *Store) Evict(e *Entry, truncate func(*Entry) error) error {
	if e.Inode.LinksCount != 0 {
		return nil
	}
	if e.Inode.Size() > 0 {
		if err := truncate(e); err != nil {
			return err
		}
	}
	return s.FreeInode(e)
}

// MarkDirty flags e for writeback on the next sync/eviction path.
func (e *Entry) MarkDirty() {
	e.markDirty()
}
