package compress

import (
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/pagecache"
)

// WriteExtentBegin implements `write_extent_begin` (§4.6): rounds
// pageIndex down to its cluster's first page, grabs-or-creates every
// page of that cluster in pages, hydrates any page that isn't already
// uptodate through the compressed read path so the caller can safely
// read-modify-write, and leaves every cluster page locked. The caller
// must eventually call WriteExtentEnd with the returned slice to unlock
// them, even on a copy error. target is the specific page at pageIndex,
// ready to be copied into.
func (e *Engine) WriteExtentBegin(pages *pagecache.Cache, in *layout.Inode, pageIndex uint64, hintGroup int) (target *pagecache.Page, cluster []*pagecache.Page, err error) {
	pagesPerCluster := e.clusterBytes / e.pageSize
	if pagesPerCluster == 0 {
		pagesPerCluster = 1
	}
	basePage := (pageIndex / uint64(pagesPerCluster)) * uint64(pagesPerCluster)

	cluster = make([]*pagecache.Page, 0, pagesPerCluster)
	for i := uint32(0); i < pagesPerCluster; i++ {
		idx := basePage + uint64(i)
		p := pages.Get(idx)
		p.Lock()
		cluster = append(cluster, p)

		if !p.Uptodate() {
			data, rerr := e.readPageData(in, idx)
			if rerr != nil {
				// Unwind: unlock everything grabbed so far before reporting
				// the failure, so a failed begin never leaves pages stuck.
				for _, locked := range cluster {
					locked.Unlock()
				}
				return nil, nil, rerr
			}
			copy(p.Data, data)
			p.MarkUptodate()
		}

		if idx == pageIndex {
			target = p
		}
	}
	return target, cluster, nil
}

// WriteExtentEnd implements `write_extent_end` (§4.6): marks every page
// of the cluster uptodate and dirty, unlocks them, and grows the
// inode's logical size if the write extended past it. It never shrinks
// size; truncation is a separate operation (§4.8).
func (e *Engine) WriteExtentEnd(cluster []*pagecache.Page, in *layout.Inode, newSize uint64) {
	for _, p := range cluster {
		p.MarkUptodate()
		p.MarkDirty()
		p.Unlock()
	}
	if newSize > in.Size() {
		in.SizeLo = uint32(newSize)
	}
}

// readPageData hydrates one PageSize-byte page by resolving and reading
// each of its underlying logical blocks through the committed bmap,
// decompressing through a cluster's compressed extent where needed
// (§4.7). A hole leaves its span zero-filled.
func (e *Engine) readPageData(in *layout.Inode, pageIndex uint64) ([]byte, error) {
	blocksPerPage := e.pageSize / e.blockSize
	if blocksPerPage == 0 {
		blocksPerPage = 1
	}
	out := make([]byte, e.pageSize)
	firstBlock := pageIndex * uint64(blocksPerPage)

	for i := uint32(0); i < blocksPerPage; i++ {
		chunk, err := e.ReadLogicalBlock(in, firstBlock+uint64(i))
		if err != nil {
			return nil, err
		}
		copy(out[uint64(i)*uint64(e.blockSize):], chunk)
	}
	return out, nil
}

// ReadLogicalBlock resolves logical block l through the bmap tree and
// returns its BlockSize bytes of data, decompressing through l's cluster
// where the resolved blkptr carries the COMPRESSED flag (§4.7). A hole
// returns a zero-filled block. This is the per-block primitive both the
// RMW hydration path above and pkg/luci/fs's plain-read path share.
func (e *Engine) ReadLogicalBlock(in *layout.Inode, l uint64) ([]byte, error) {
	bp, err := e.tree.Lookup(in, l)
	if err != nil {
		return nil, err
	}
	if bp.IsHole() {
		return make([]byte, e.blockSize), nil
	}

	if bp.Compressed() {
		full, err := e.ReadCluster(bp)
		if err != nil {
			return nil, err
		}
		clusterFirst := e.ExtentNo(l) * e.ClusterBlocks()
		blockOff := l - clusterFirst
		lo := blockOff * uint64(e.blockSize)
		chunk := make([]byte, e.blockSize)
		copy(chunk, full[lo:lo+uint64(e.blockSize)])
		return chunk, nil
	}

	b, err := e.ReadBlock(bp)
	if err != nil {
		return nil, err
	}
	return b, nil
}
