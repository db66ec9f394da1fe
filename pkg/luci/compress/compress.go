// Package compress implements the extent compression/writeback engine
// (§2.7, §4.6): the cluster scan/lock/compress/bmap-update/submit/
// complete pipeline and its compressed-read counterpart (§4.7). It is
// the hardest subsystem named by the specification — it couples the
// page cache, the bmap COW update, and the block allocator under a
// bounded worker pool instead of the source's kernel workqueue (§9
// "Workqueue-based deferred writes... model as message passing").
package compress

import (
	"bytes"
	"context"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/semaphore"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bitmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// CompressRatioLimit is the minimum percentage shrink (100*(in-out)/in)
// for a cluster to count as "well compressed" in Stats (§4.6's debugfs
// stats file names a ratio threshold but the pack's extracted sources
// don't carry its numeric value; 20% is this port's documented choice,
// see DESIGN.md).
const CompressRatioLimit = 20

// Stats mirrors the source's four atomic64 counters (§4.6, §9's
// "supplemented feature"): pages_ingested/notcompressed/
// notcompressible/wellcompressed, exposed per-shard and summed on read.
type Stats struct {
	Ingested        bitmap.Counter
	NotCompressed   bitmap.Counter
	NotCompressible bitmap.Counter
	WellCompressed  bitmap.Counter
}

// Snapshot is a point-in-time read of Stats, for reporting.
type Snapshot struct {
	Ingested        int64
	NotCompressed   int64
	NotCompressible int64
	WellCompressed  int64
}

// Snapshot sums every shard of each counter.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Ingested:        s.Ingested.Sum(),
		NotCompressed:   s.NotCompressed.Sum(),
		NotCompressible: s.NotCompressible.Sum(),
		WellCompressed:  s.WellCompressed.Sum(),
	}
}

// Engine drives cluster writeback and compressed reads for one mounted
// filesystem. ClusterBytes (C) and PageSize are fixed at construction;
// the cluster size must be a multiple of the block size so a cluster's
// A′ = C/B entries always land in a single leaf indirect block (§4.5).
type Engine struct {
	gw           *device.Gateway
	tree         *bmap.Tree
	alloc        bmap.Allocator
	log          log.Logger
	blockSize    uint32
	clusterBytes uint32
	pageSize     uint32

	sem *semaphore.Weighted
	buf sync.Pool // *bytes.Buffer staging area for compressed output
	ws  sync.Pool // *flate.Writer, Reset to a new destination per use

	Stats Stats
}

// Config bundles the fixed geometry and concurrency knobs an Engine is
// built with.
type Config struct {
	BlockSize    uint32
	ClusterBytes uint32
	PageSize     uint32
	MaxWorkers   int64 // bounded worker pool size (§9 "workqueue... -> bounded goroutine pool")
}

// New constructs an Engine bound to gw/tree/alloc for one mounted
// filesystem instance. The page cache is supplied per call (one
// *pagecache.Cache per open inode, owned by pkg/luci/fs) rather than
// held here, since a single Engine drives writeback for every open file.
func New(gw *device.Gateway, tree *bmap.Tree, alloc bmap.Allocator, cfg Config, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Null
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	e := &Engine{
		gw:           gw,
		tree:         tree,
		alloc:        alloc,
		log:          logger,
		blockSize:    cfg.BlockSize,
		clusterBytes: cfg.ClusterBytes,
		pageSize:     cfg.PageSize,
		sem:          semaphore.NewWeighted(maxWorkers),
	}
	e.buf.New = func() interface{} { return new(bytes.Buffer) }
	e.ws.New = func() interface{} {
		zw, _ := newFlateWriter(nil)
		return zw
	}
	return e
}

// ClusterBlocks returns A′ = C/B, the number of blkptr entries (and
// logical blocks) one cluster spans.
func (e *Engine) ClusterBlocks() uint64 {
	return uint64(e.clusterBytes / e.blockSize)
}

// BlockSize returns B, the engine's configured block size.
func (e *Engine) BlockSize() uint32 { return e.blockSize }

// ClusterBytes returns C, the engine's configured cluster size.
func (e *Engine) ClusterBytes() uint32 { return e.clusterBytes }

// PageSize returns the engine's configured page size.
func (e *Engine) PageSize() uint32 { return e.pageSize }

// ExtentNo returns the cluster index covering logical block l
// (`extent_no(L) = L / (C/B)`, §4.6).
func (e *Engine) ExtentNo(l uint64) uint64 {
	return l / e.ClusterBlocks()
}

// WriteDirectBlock writes exactly one of the inode's two direct logical
// blocks (l must be 0 or 1). Direct entries are never clustered or
// compressed (§3.4 invariant ii, §4.6 "for direct-blocks avoid
// compression... keeps bmap deletion simple by not spreading compressed
// extents across direct and indirect blocks") — this is the path that
// covers them, outside the cluster pipeline entirely.
func (e *Engine) WriteDirectBlock(in *layout.Inode, l uint64, data []byte, hintGroup int) (int64, error) {
	if l >= uint64(layout.RootIndirect) {
		return 0, lucierr.Corruptf("direct logical block index", l, []uint64{0, uint64(layout.RootIndirect) - 1})
	}
	return e.WriteUncompressedBlock(in, l, data, hintGroup)
}

// WriteUncompressedBlock writes a single logical block, uncompressed,
// through one allocate+UpdateExtentBP call. Besides backing
// WriteDirectBlock's l<RootIndirect contract, pkg/luci/fs uses it
// directly for the handful of indirect-addressable logical blocks that
// precede the first cluster-aligned boundary (ExtentNo(l)==0 but
// l>=RootIndirect) — WriteCluster's clusterNo*ClusterBlocks() addressing
// never produces an lFirst in that range, so those blocks would
// otherwise be unreachable by any write path.
func (e *Engine) WriteUncompressedBlock(in *layout.Inode, l uint64, data []byte, hintGroup int) (int64, error) {
	blockNo, err := e.alloc.AllocBlock(hintGroup)
	if err != nil {
		return 0, err
	}
	if err := e.writeRun(blockNo, data); err != nil {
		return 0, err
	}
	bp := layout.BlockPointer{
		BlockNo:  blockNo,
		Length:   uint16(e.blockSize),
		Checksum: crc32.ChecksumIEEE(data),
		Flags:    layout.FlagNotCompressed,
	}
	return e.tree.UpdateExtentBP(in, l, []layout.BlockPointer{bp}, hintGroup)
}

// WriteCluster runs one cluster through the full pipeline (§4.6): it
// acquires a worker-pool slot, decides compressibility, compresses or
// passes the cluster through, allocates physical blocks, performs the
// bmap COW update, and writes the resulting bytes to the device. data
// must be exactly ClusterBytes long, and clusterNo must index entirely
// within the indirect range (ExtentNo never maps to logical blocks 0/1,
// since the cluster size is chosen to align with indirect-block spans,
// §4.5). hintGroup steers block placement (the inode's home group,
// §4.3). The returned delta is the change in compressed-physical-size
// the caller adds to the inode's counter.
func (e *Engine) WriteCluster(ctx context.Context, in *layout.Inode, clusterNo uint64, data []byte, hintGroup int) (int64, error) {
	if uint32(len(data)) != e.clusterBytes {
		return 0, lucierr.Corruptf("cluster payload length", len(data), e.clusterBytes)
	}
	lFirst := clusterNo * e.ClusterBlocks()
	if lFirst < uint64(layout.RootIndirect) {
		return 0, lucierr.Corruptf("cluster logical range", lFirst, "outside the direct-block range")
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer e.sem.Release(1)

	e.Stats.Ingested.Add(int64(len(data)) / int64(e.pageSize))

	compressed, ratio, err := e.compress(data)
	if err != nil || ratio < CompressRatioLimit {
		if err != nil {
			e.log.Debugf("cluster %d: compression failed, writing plain: %v", clusterNo, err)
		}
		e.Stats.NotCompressed.Add(int64(len(data)) / int64(e.pageSize))
		return e.writePassthrough(in, lFirst, data, hintGroup)
	}
	if ratio >= CompressRatioLimit {
		e.Stats.WellCompressed.Add(int64(len(data)) / int64(e.pageSize))
	}

	n, err := e.writeCompressed(in, lFirst, compressed, hintGroup)
	if err != nil {
		e.log.Debugf("cluster %d: compressed allocation failed, falling back to plain: %v", clusterNo, err)
		return e.writePassthrough(in, lFirst, data, hintGroup)
	}
	return n, nil
}

// compress deflates data via a pooled flate.Writer and returns the
// output plus the shrink percentage; ratio < 0 or an error means the
// output didn't usefully shrink and the caller should store data as-is
// (§4.6 "heuristic -> compress or passthrough").
func (e *Engine) compress(data []byte) ([]byte, int, error) {
	buf := e.buf.Get().(*bytes.Buffer)
	buf.Reset()
	defer e.buf.Put(buf)

	zw := e.ws.Get().(*flate.Writer)
	defer e.ws.Put(zw)
	zw.Reset(buf)

	if _, err := zw.Write(data); err != nil {
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	ratio := (len(data) - len(out)) * 100 / len(data)
	if len(out) >= len(data) {
		return nil, -1, nil
	}
	return out, ratio, nil
}

// writeCompressed allocates ceil(len(out)/B) contiguous blocks, writes
// out there, builds A′ byte-identical blkptr records with a single
// checksum over the exact compressed length, and COWs them into the
// cluster's leaf indirect block (§4.6 "bmap-updating").
func (e *Engine) writeCompressed(in *layout.Inode, lFirst uint64, out []byte, hintGroup int) (int64, error) {
	nBlocks := (uint32(len(out)) + e.blockSize - 1) / e.blockSize

	start, err := e.allocRun(nBlocks, hintGroup)
	if err != nil {
		return 0, err
	}
	if err := e.writeRun(start, out); err != nil {
		return 0, err
	}

	sum := crc32.ChecksumIEEE(out)
	bps := make([]layout.BlockPointer, e.ClusterBlocks())
	for i := range bps {
		bps[i] = layout.BlockPointer{
			BlockNo:  start,
			Length:   uint16(len(out)),
			Checksum: sum,
			Flags:    layout.FlagCompressed,
		}
	}
	return e.tree.UpdateExtentBP(in, lFirst, bps, hintGroup)
}

// writePassthrough stores the cluster uncompressed, one physical block
// per logical block with a per-block CRC32 (§4.6 "notcompressible" /
// "cannot compress extent, do regular write").
func (e *Engine) writePassthrough(in *layout.Inode, lFirst uint64, data []byte, hintGroup int) (int64, error) {
	n := e.ClusterBlocks()
	bps := make([]layout.BlockPointer, n)
	for i := uint64(0); i < n; i++ {
		chunk := data[i*uint64(e.blockSize) : (i+1)*uint64(e.blockSize)]
		blockNo, err := e.alloc.AllocBlock(hintGroup)
		if err != nil {
			return 0, err
		}
		if err := e.writeRun(blockNo, chunk); err != nil {
			return 0, err
		}
		bps[i] = layout.BlockPointer{
			BlockNo:  blockNo,
			Length:   uint16(e.blockSize),
			Checksum: crc32.ChecksumIEEE(chunk),
			Flags:    layout.FlagNotCompressed,
		}
	}
	return e.tree.UpdateExtentBP(in, lFirst, bps, hintGroup)
}

// allocRun allocates nBlocks contiguous blocks starting from hintGroup,
// retrying from the allocator one block at a time and bailing out if
// the run it collects isn't actually contiguous (the allocator makes no
// contiguity guarantee beyond handing out ascending free bits from one
// group scan, §4.3).
func (e *Engine) allocRun(nBlocks uint32, hintGroup int) (uint32, error) {
	first, err := e.alloc.AllocBlock(hintGroup)
	if err != nil {
		return 0, err
	}
	got := []uint32{first}
	for i := uint32(1); i < nBlocks; i++ {
		blockNo, err := e.alloc.AllocBlock(hintGroup)
		if err != nil {
			for _, b := range got {
				e.alloc.FreeBlock(b)
			}
			return 0, err
		}
		if blockNo != first+i {
			e.alloc.FreeBlock(blockNo)
			for _, b := range got {
				e.alloc.FreeBlock(b)
			}
			return 0, lucierr.ErrNoSpace
		}
		got = append(got, blockNo)
	}
	return first, nil
}

func (e *Engine) writeRun(start uint32, data []byte) error {
	nBlocks := (uint32(len(data)) + e.blockSize - 1) / e.blockSize
	for i := uint32(0); i < nBlocks; i++ {
		lo := i * e.blockSize
		hi := lo + e.blockSize
		if hi > uint32(len(data)) {
			hi = uint32(len(data))
		}
		h, err := e.gw.Get(uint64(start + i))
		if err != nil {
			return err
		}
		h.Lock()
		for j := range h.Bytes() {
			h.Bytes()[j] = 0
		}
		copy(h.Bytes(), data[lo:hi])
		h.Unlock()
		h.MarkDirty()
		h.Release()
	}
	return nil
}
