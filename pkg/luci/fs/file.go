package fs

import (
	"context"
	"io"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/inode"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/pagecache"
)

// File is one open handle to a regular-file inode: the entry plus the
// page cache its Filesystem keeps for it, shared across every handle
// open on the same inode (§5, §4.6).
type File struct {
	fs    *Filesystem
	entry *inode.Entry
	cache *pagecache.Cache
}

// Ino returns the file's inode number.
func (f *File) Ino() uint32 { return f.entry.Ino }

// Size returns the file's current logical size.
func (f *File) Size() uint64 { return f.entry.Inode.Size() }

// ReadAt implements io.ReaderAt against the inode's logical blocks,
// decompressing through the cluster a block belongs to where needed
// (§4.7). A read that starts at or past EOF returns (0, io.EOF); a read
// that would run past EOF is clipped and returns the clipped count with
// io.EOF.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, lucierr.ErrInvalidArgument
	}
	size := int64(f.entry.Inode.Size())
	if off >= size {
		return 0, io.EOF
	}
	want := len(p)
	if int64(want) > size-off {
		want = int(size - off)
	}

	blockSize := uint64(f.fs.blockSize)
	pos := uint64(off)
	n := 0
	for n < want {
		l := pos / blockSize
		blockOff := pos % blockSize
		chunk, err := f.fs.engine.ReadLogicalBlock(&f.entry.Inode, l)
		if err != nil {
			return n, err
		}
		take := int(blockSize - blockOff)
		if take > want-n {
			take = want - n
		}
		copy(p[n:n+take], chunk[blockOff:blockOff+uint64(take)])
		n += take
		pos += uint64(take)
	}
	if want < len(p) {
		return want, io.EOF
	}
	return want, nil
}

// WriteAt implements io.WriterAt. Logical blocks below the compression
// engine's first cluster-aligned boundary (the inode's two direct
// blocks, plus the handful of indirect-addressable blocks that precede
// that boundary) are written uncompressed one at a time; everything at
// or past it is staged through the page cache and committed cluster by
// cluster (§4.6). Size only ever grows here; Truncate is the only path
// that shrinks it (§4.8).
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, lucierr.ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0, nil
	}

	blockSize := uint64(f.fs.blockSize)
	clusterBlocks := f.fs.engine.ClusterBlocks()
	hint := f.entry.Group
	in := &f.entry.Inode

	pos := uint64(off)
	n := 0
	var totalDelta int64

	for n < len(p) {
		l := pos / blockSize
		blockOff := pos % blockSize
		take := int(blockSize - blockOff)
		if take > len(p)-n {
			take = len(p) - n
		}

		if l < clusterBlocks {
			existing, err := f.fs.engine.ReadLogicalBlock(in, l)
			if err != nil {
				return n, err
			}
			copy(existing[blockOff:blockOff+uint64(take)], p[n:n+take])
			delta, err := f.fs.engine.WriteUncompressedBlock(in, l, existing, hint)
			if err != nil {
				return n, err
			}
			totalDelta += delta
		} else {
			clusterNo := l / clusterBlocks
			target, cluster, err := f.fs.engine.WriteExtentBegin(f.cache, in, clusterNo, hint)
			if err != nil {
				return n, err
			}
			offsetInCluster := (l%clusterBlocks)*blockSize + blockOff
			copy(target.Data[offsetInCluster:offsetInCluster+uint64(take)], p[n:n+take])
			f.fs.engine.WriteExtentEnd(cluster, in, pos+uint64(take))

			target.Lock()
			target.BeginWriteback()
			delta, err := f.fs.engine.WriteCluster(context.Background(), in, clusterNo, target.Data, hint)
			target.EndWriteback()
			target.Unlock()
			if err != nil {
				return n, err
			}
			totalDelta += delta
		}

		n += take
		pos += uint64(take)
	}

	if pos > in.Size() {
		in.SizeLo = uint32(pos)
	}
	in.SetCompSize(uint64(int64(in.CompSize()) + totalDelta))
	f.entry.MarkDirty()
	if err := f.fs.inodes.WriteInode(f.entry); err != nil {
		return n, err
	}
	return n, nil
}

// Truncate frees every block at or past keepBlocks worth of bytes and
// shrinks the inode's size to newSize (§4.8). Growing via Truncate isn't
// supported; callers wanting a sparse extension should WriteAt the last
// byte they need instead.
func (f *File) Truncate(newSize uint64) error {
	in := &f.entry.Inode
	if newSize >= in.Size() {
		return nil
	}
	blockSize := uint64(f.fs.blockSize)
	keepBlocks := (newSize + blockSize - 1) / blockSize
	if _, err := f.fs.tree.Truncate(in, keepBlocks); err != nil {
		return err
	}
	in.SizeLo = uint32(newSize)
	f.entry.MarkDirty()
	return f.fs.inodes.WriteInode(f.entry)
}

// Close releases this handle's reference on the inode's page cache,
// finishing a deferred delete if Unlink orphaned it while still open
// (§4.4).
func (f *File) Close() error {
	return f.fs.close(f.entry)
}
