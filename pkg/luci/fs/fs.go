// Package fs implements the Filesystem facade (§2, §10): the single
// type a caller mounts and drives, wiring the superblock manager, inode
// store, bmap tree, compression engine, and directory-record store
// together behind create/open/lookup/link/unlink/readdir/statfs, the
// way the teacher's pkg/ext4.Compiler assembles its subsystems behind
// one entry point — except here the assembly backs a live mount/read/
// write/truncate/unlink API instead of a one-shot image build.
package fs

import (
	"sync"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/compress"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/dirent"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/inode"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/pagecache"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/super"
)

// Config bundles the compression engine's tunables a caller picks at
// mount time. The page cache is always built one page per cluster
// (pagesPerCluster==1): this port has no real OS page size to honor, and
// collapsing the two keeps File's read-modify-write staging exactly
// cluster-shaped, which File's block-to-cluster arithmetic depends on
// (see DESIGN.md).
type Config struct {
	ClusterBytes uint32
	MaxWorkers   int64
}

// Filesystem is one mounted luci instance: the superblock manager plus
// every subsystem built on top of it (§5's layering, bottom to top).
type Filesystem struct {
	log log.Logger

	mgr    *super.Manager
	tree   *bmap.Tree
	inodes *inode.Store
	dirs   *dirent.Store
	engine *compress.Engine

	blockSize uint32

	mu     sync.Mutex
	caches map[uint32]*pagecache.Cache
	refs   map[uint32]int
}

// Mount opens dev, validates and loads its superblock and group
// descriptors, wires every subsystem to it, and runs orphan recovery
// (§4.4, §9 "orphan safety") before returning control to the caller —
// no other inode activity can observe a half-deleted file before this
// pass completes.
func Mount(dev device.Device, cfg Config, logger log.Logger) (*Filesystem, error) {
	if logger == nil {
		logger = log.Null
	}
	mgr := super.New(logger)
	if err := mgr.Mount(dev); err != nil {
		return nil, err
	}

	blockSize := mgr.SB.BlockSize()
	alloc := bmap.NewAllocator(mgr)
	tree := bmap.New(mgr.GW, alloc, blockSize, logger)
	inodes := inode.New(mgr, logger)
	dirs := dirent.New(mgr.GW, tree, alloc)

	clusterBytes := cfg.ClusterBytes
	if clusterBytes == 0 || clusterBytes%blockSize != 0 {
		return nil, lucierr.Corruptf("cluster bytes", clusterBytes, "nonzero multiple of block size")
	}
	engine := compress.New(mgr.GW, tree, alloc, compress.Config{
		BlockSize:    blockSize,
		ClusterBytes: clusterBytes,
		PageSize:     clusterBytes,
		MaxWorkers:   cfg.MaxWorkers,
	}, logger)

	fs := &Filesystem{
		log:       logger,
		mgr:       mgr,
		tree:      tree,
		inodes:    inodes,
		dirs:      dirs,
		engine:    engine,
		blockSize: blockSize,
		caches:    make(map[uint32]*pagecache.Cache),
		refs:      make(map[uint32]int),
	}

	if err := fs.recoverOrphans(); err != nil {
		return nil, err
	}
	return fs, nil
}

// recoverOrphans pops the on-disk orphan chain and handles each entry by
// its link count (§4.4's mount-time pass): an entry whose link count is
// still nonzero has every block past its size truncated away and is
// kept; an entry whose link count is zero is evicted (truncated to zero
// and freed).
func (fs *Filesystem) recoverOrphans() error {
	chain, err := fs.inodes.PopOrphans()
	if err != nil {
		return err
	}
	for _, ino := range chain {
		e, err := fs.inodes.ReadInode(ino)
		if err != nil {
			return err
		}
		if e.Inode.LinksCount > 0 {
			keepBlocks := (e.Inode.Size() + uint64(fs.blockSize) - 1) / uint64(fs.blockSize)
			if _, err := fs.tree.Truncate(&e.Inode, keepBlocks); err != nil {
				return err
			}
			e.MarkDirty()
			if err := fs.inodes.WriteInode(e); err != nil {
				return err
			}
			fs.log.Warnf("mount: truncated orphan inode %d to its size", ino)
			continue
		}
		if err := fs.inodes.Evict(e, fs.truncateToZero); err != nil {
			return err
		}
		fs.log.Warnf("mount: recovered orphan inode %d", ino)
	}
	return nil
}

func (fs *Filesystem) truncateToZero(e *inode.Entry) error {
	if _, err := fs.tree.Truncate(&e.Inode, 0); err != nil {
		return err
	}
	e.Inode.SizeLo = 0
	e.Inode.SetCompSize(0)
	e.MarkDirty()
	return fs.inodes.WriteInode(e)
}

// Sync flushes every dirty metadata and data block through to the
// device (§4.1, §3.7): the superblock manager's Sync already walks the
// gateway's whole dirty-handle set, which covers inode-table writes and
// directory-block edits alongside the group descriptors and bitmaps it
// owns directly.
func (fs *Filesystem) Sync() error {
	return fs.mgr.Sync(true)
}

// Unmount flushes and marks the filesystem cleanly unmounted (§3.7).
func (fs *Filesystem) Unmount() error {
	return fs.mgr.Unmount()
}

// StatfsResult is Statfs's return value.
type StatfsResult struct {
	BlockSize  uint32
	BlocksFree uint64
	InodesFree uint64
}

// Statfs reports the bitmap-scanned free block/inode counts (§7).
func (fs *Filesystem) Statfs() StatfsResult {
	freeBlocks, freeInodes := fs.mgr.StatFree()
	return StatfsResult{BlockSize: fs.blockSize, BlocksFree: freeBlocks, InodesFree: freeInodes}
}

func ftypeForMode(mode uint16) uint8 {
	switch mode & layout.ModeFmt {
	case layout.ModeDir:
		return layout.FTDir
	case layout.ModeSymlnk:
		return layout.FTSymlink
	default:
		return layout.FTRegFile
	}
}

// Lookup resolves name within the directory dirIno to its inode entry
// (§4.9 find_entry plus the inode-table read it implies).
func (fs *Filesystem) Lookup(dirIno uint32, name string) (*inode.Entry, error) {
	parent, err := fs.inodes.ReadInode(dirIno)
	if err != nil {
		return nil, err
	}
	d, _, err := fs.dirs.FindEntry(&parent.Inode, fs.blockSize, name)
	if err != nil {
		return nil, err
	}
	return fs.inodes.ReadInode(d.Inode)
}

// CreateFile allocates a new regular-file inode, links it into dirIno
// under name, and returns its entry (§4.3 new_inode policy, §4.9
// add-link path).
func (fs *Filesystem) CreateFile(dirIno uint32, name string, mode uint16) (*inode.Entry, error) {
	return fs.create(dirIno, name, (mode&^layout.ModeFmt)|layout.ModeReg)
}

// Mkdir allocates a new directory inode, initializes its "."/".." block,
// links it into dirIno under name, and bumps the parent's link count for
// the child's ".." reference (§4.9 "supplemented feature").
func (fs *Filesystem) Mkdir(dirIno uint32, name string, mode uint16) (*inode.Entry, error) {
	parent, err := fs.inodes.ReadInode(dirIno)
	if err != nil {
		return nil, err
	}
	if _, _, err := fs.dirs.FindEntry(&parent.Inode, fs.blockSize, name); err == nil {
		return nil, lucierr.ErrExist
	} else if err != lucierr.ErrNotFound {
		return nil, err
	}

	child, err := fs.inodes.NewInode(parent.Group, (mode&^layout.ModeFmt)|layout.ModeDir)
	if err != nil {
		return nil, err
	}
	if err := fs.dirs.InitEmptyDir(&child.Inode, fs.blockSize, child.Ino, dirIno, parent.Group); err != nil {
		return nil, err
	}
	child.Inode.LinksCount = 2
	child.MarkDirty()
	if err := fs.inodes.WriteInode(child); err != nil {
		return nil, err
	}

	if err := fs.dirs.AddEntry(&parent.Inode, fs.blockSize, child.Ino, name, layout.FTDir, parent.Group); err != nil {
		return nil, err
	}
	parent.Inode.LinksCount++
	parent.MarkDirty()
	if err := fs.inodes.WriteInode(parent); err != nil {
		return nil, err
	}
	return child, nil
}

// InitRoot bootstraps the root directory (layout.RootIno) as an empty,
// self-parented directory. mkfs calls this once against a freshly
// written image, right after Mount, before anything else touches the
// inode table — every other directory goes through Mkdir instead, which
// needs an existing parent root can't have.
func (fs *Filesystem) InitRoot() error {
	root, err := fs.inodes.ReadInode(layout.RootIno)
	if err != nil {
		return err
	}
	root.Inode.Mode = layout.ModeDir | 0755
	root.Inode.LinksCount = 2
	if err := fs.dirs.InitEmptyDir(&root.Inode, fs.blockSize, layout.RootIno, layout.RootIno, root.Group); err != nil {
		return err
	}
	root.MarkDirty()
	return fs.inodes.WriteInode(root)
}

func (fs *Filesystem) create(dirIno uint32, name string, mode uint16) (*inode.Entry, error) {
	parent, err := fs.inodes.ReadInode(dirIno)
	if err != nil {
		return nil, err
	}
	if _, _, err := fs.dirs.FindEntry(&parent.Inode, fs.blockSize, name); err == nil {
		return nil, lucierr.ErrExist
	} else if err != lucierr.ErrNotFound {
		return nil, err
	}

	child, err := fs.inodes.NewInode(parent.Group, mode)
	if err != nil {
		return nil, err
	}
	child.Inode.LinksCount = 1
	child.MarkDirty()
	if err := fs.inodes.WriteInode(child); err != nil {
		return nil, err
	}

	if err := fs.dirs.AddEntry(&parent.Inode, fs.blockSize, child.Ino, name, ftypeForMode(child.Inode.Mode), parent.Group); err != nil {
		return nil, err
	}
	parent.MarkDirty()
	if err := fs.inodes.WriteInode(parent); err != nil {
		return nil, err
	}
	return child, nil
}

// Link adds a new name for an existing inode (a hardlink), bumping its
// link count (§4.4 link accounting).
func (fs *Filesystem) Link(dirIno uint32, name string, targetIno uint32) error {
	parent, err := fs.inodes.ReadInode(dirIno)
	if err != nil {
		return err
	}
	if _, _, err := fs.dirs.FindEntry(&parent.Inode, fs.blockSize, name); err == nil {
		return lucierr.ErrExist
	} else if err != lucierr.ErrNotFound {
		return err
	}
	target, err := fs.inodes.ReadInode(targetIno)
	if err != nil {
		return err
	}
	if err := fs.dirs.AddEntry(&parent.Inode, fs.blockSize, targetIno, name, ftypeForMode(target.Inode.Mode), parent.Group); err != nil {
		return err
	}
	target.Inode.LinksCount++
	target.MarkDirty()
	return fs.inodes.WriteInode(target)
}

// Unlink removes name from dirIno and drops the target's link count. If
// the count reaches zero while the inode is still open, it is pushed
// onto the orphan list (§4.4) so Close finishes the deletion instead; if
// it reaches zero with no open handle, it is evicted (truncated and
// freed) immediately. A target whose count stays above zero keeps its
// data.
func (fs *Filesystem) Unlink(dirIno uint32, name string) error {
	parent, err := fs.inodes.ReadInode(dirIno)
	if err != nil {
		return err
	}
	d, pos, err := fs.dirs.FindEntry(&parent.Inode, fs.blockSize, name)
	if err != nil {
		return err
	}
	target, err := fs.inodes.ReadInode(d.Inode)
	if err != nil {
		return err
	}

	if err := fs.dirs.DeleteEntry(&parent.Inode, pos); err != nil {
		return err
	}
	if target.Inode.LinksCount > 0 {
		target.Inode.LinksCount--
	}
	target.MarkDirty()

	fs.mu.Lock()
	openCount := fs.refs[d.Inode]
	fs.mu.Unlock()

	if target.Inode.LinksCount == 0 && openCount > 0 {
		return fs.inodes.PushOrphan(target)
	}
	if err := fs.inodes.WriteInode(target); err != nil {
		return err
	}
	return fs.inodes.Evict(target, fs.truncateToZero)
}

// Readdir streams dirIno's entries starting at cur to emit, stopping
// early if emit returns false (§4.9).
func (fs *Filesystem) Readdir(dirIno uint32, cur dirent.Cursor, emit func(layout.Dirent, dirent.Cursor) bool) error {
	e, err := fs.inodes.ReadInode(dirIno)
	if err != nil {
		return err
	}
	return fs.dirs.Readdir(&e.Inode, fs.blockSize, cur, emit)
}

// Open returns a *File bound to ino, creating its page cache on first
// open and sharing it across concurrently open handles to the same
// inode (§5 "one page cache per open inode").
func (fs *Filesystem) Open(ino uint32) (*File, error) {
	e, err := fs.inodes.ReadInode(ino)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	cache, ok := fs.caches[ino]
	if !ok {
		cache = pagecache.New(int(fs.engine.PageSize()))
		fs.caches[ino] = cache
	}
	fs.refs[ino]++
	fs.mu.Unlock()

	return &File{fs: fs, entry: e, cache: cache}, nil
}

// close drops one open reference on ino, evicting its page cache and,
// if it was left orphaned by a concurrent Unlink, finishing the delete.
func (fs *Filesystem) close(e *inode.Entry) error {
	fs.mu.Lock()
	fs.refs[e.Ino]--
	last := fs.refs[e.Ino] <= 0
	if last {
		delete(fs.refs, e.Ino)
		delete(fs.caches, e.Ino)
	}
	fs.mu.Unlock()

	if last && e.Inode.LinksCount == 0 {
		return fs.inodes.Evict(e, fs.truncateToZero)
	}
	return nil
}
