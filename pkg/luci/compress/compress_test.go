package compress

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/pagecache"
)

// memDevice is a plain in-memory Device, matching the test double the
// bmap and super packages each define locally.
type memDevice struct {
	buf []byte
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	return copy(p, m.buf[off:]), nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.buf[off:], p), nil
}

func (m *memDevice) Sync() error { return nil }

// seqAllocator hands out ever-increasing block numbers and never reclaims,
// enough to exercise the engine's alloc-then-COW call pattern.
type seqAllocator struct {
	next uint32
}

func (a *seqAllocator) AllocBlock(hint int) (uint32, error) {
	b := a.next
	a.next++
	return b, nil
}

func (a *seqAllocator) FreeBlock(blockNo uint32) {}

// fragAllocator hands out blocks two apart, so any run longer than one
// block always fails allocRun's contiguity check without the allocator
// itself ever returning an error, simulating a fragmented device rather
// than an exhausted one.
type fragAllocator struct {
	next  uint32
	freed []uint32
}

func (a *fragAllocator) AllocBlock(hint int) (uint32, error) {
	b := a.next
	a.next += 2
	return b, nil
}

func (a *fragAllocator) FreeBlock(blockNo uint32) {
	a.freed = append(a.freed, blockNo)
}

const testBlockSize = 256
const testClusterBytes = testBlockSize * 16 // A = 16 at this block size

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dev := &memDevice{buf: make([]byte, testBlockSize*4096)}
	gw := device.New(dev, testBlockSize)
	alloc := &seqAllocator{next: 100}
	tree := bmap.New(gw, alloc, testBlockSize, nil)
	cfg := Config{BlockSize: testBlockSize, ClusterBytes: testClusterBytes, PageSize: 4096, MaxWorkers: 2}
	return New(gw, tree, alloc, cfg, nil)
}

func repetitivePattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 4)
	}
	return out
}

func pseudoRandom(n int) []byte {
	out := make([]byte, n)
	x := uint32(0x2545F491)
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	return out
}

// halfCompressiblePattern packs n/2 bytes of incompressible noise followed
// by n/2 zero bytes, landing comfortably inside CompressRatioLimit while
// still leaving the compressed output spanning more than one block.
func halfCompressiblePattern(n int) []byte {
	out := make([]byte, n)
	copy(out[:n/2], pseudoRandom(n/2))
	return out
}

func TestWriteDirectBlockStoresUncompressed(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	data := []byte("hello direct block")
	buf := make([]byte, testBlockSize)
	copy(buf, data)

	delta, err := e.WriteDirectBlock(in, 0, buf, 0)
	require.NoError(t, err)
	require.EqualValues(t, testBlockSize, delta)
	require.False(t, in.Block[layout.RootDirect0].IsHole())
	require.False(t, in.Block[layout.RootDirect0].Compressed())

	got, err := e.ReadBlock(in.Block[layout.RootDirect0])
	require.NoError(t, err)
	require.Equal(t, buf, got)
}

func TestWriteDirectBlockRejectsIndirectIndex(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	_, err := e.WriteDirectBlock(in, uint64(layout.RootIndirect), make([]byte, testBlockSize), 0)
	require.Error(t, err)
}

func TestWriteClusterRejectsDirectRange(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	_, err := e.WriteCluster(context.Background(), in, 0, make([]byte, testClusterBytes), 0)
	require.Error(t, err, "clusterNo 0 maps to logical blocks 0..A-1, which overlaps the direct range")
}

func TestWriteClusterRejectsWrongLength(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	_, err := e.WriteCluster(context.Background(), in, 1, make([]byte, testClusterBytes-1), 0)
	require.Error(t, err)
}

func TestWriteClusterCompressiblePath(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	data := repetitivePattern(testClusterBytes)

	delta, err := e.WriteCluster(context.Background(), in, 1, data, 0)
	require.NoError(t, err)
	require.Greater(t, delta, int64(0))
	require.Less(t, delta, int64(testClusterBytes), "a compressible cluster should store fewer bytes than it logically spans")

	snap := e.Stats.Snapshot()
	require.EqualValues(t, testClusterBytes/4096, snap.Ingested)
	require.EqualValues(t, testClusterBytes/4096, snap.WellCompressed)
	require.Zero(t, snap.NotCompressed)

	lFirst := e.ClusterBlocks() // clusterNo 1
	bp, err := e.tree.Lookup(in, lFirst)
	require.NoError(t, err)
	require.True(t, bp.Compressed())

	out, err := e.ReadCluster(bp)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestWriteClusterIncompressiblePathFallsBackToPassthrough(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	data := pseudoRandom(testClusterBytes)

	delta, err := e.WriteCluster(context.Background(), in, 1, data, 0)
	require.NoError(t, err)
	require.EqualValues(t, testClusterBytes, delta, "passthrough stores every block uncompressed, one-for-one")

	snap := e.Stats.Snapshot()
	require.EqualValues(t, testClusterBytes/4096, snap.Ingested)
	require.EqualValues(t, testClusterBytes/4096, snap.NotCompressed)
	require.Zero(t, snap.WellCompressed)

	lFirst := e.ClusterBlocks()
	bp, err := e.tree.Lookup(in, lFirst)
	require.NoError(t, err)
	require.False(t, bp.Compressed())

	out, err := e.ReadBlock(bp)
	require.NoError(t, err)
	require.Equal(t, data[:testBlockSize], out)
}

func TestAllocRunFreesPartialRunOnContiguityFailure(t *testing.T) {
	e := newTestEngine(t)
	frag := &fragAllocator{next: 100}
	e.alloc = frag

	_, err := e.allocRun(4, 0)
	require.ErrorIs(t, err, lucierr.ErrNoSpace)
	require.ElementsMatch(t, []uint32{100, 102}, frag.freed, "both the mismatched block and the run collected before it must be freed")
}

func TestWriteClusterCompressedAllocationFailureFallsBackToPassthrough(t *testing.T) {
	dev := &memDevice{buf: make([]byte, testBlockSize*4096)}
	gw := device.New(dev, testBlockSize)
	frag := &fragAllocator{next: 100}
	tree := bmap.New(gw, frag, testBlockSize, nil)
	cfg := Config{BlockSize: testBlockSize, ClusterBytes: testClusterBytes, PageSize: 4096, MaxWorkers: 2}
	e := New(gw, tree, frag, cfg, nil)

	in := &layout.Inode{}
	data := halfCompressiblePattern(testClusterBytes)

	delta, err := e.WriteCluster(context.Background(), in, 1, data, 0)
	require.NoError(t, err, "a fragmented device must degrade to the uncompressed path rather than fail the write")
	require.EqualValues(t, testClusterBytes, delta)

	lFirst := e.ClusterBlocks()
	bp, err := e.tree.Lookup(in, lFirst)
	require.NoError(t, err)
	require.False(t, bp.Compressed(), "writeCompressed's contiguity failure must fall back to an uncompressed blkptr")

	out, err := e.ReadBlock(bp)
	require.NoError(t, err)
	require.Equal(t, data[:testBlockSize], out)
}

func TestReadClusterRejectsBadChecksum(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	data := repetitivePattern(testClusterBytes)
	_, err := e.WriteCluster(context.Background(), in, 1, data, 0)
	require.NoError(t, err)

	bp, err := e.tree.Lookup(in, e.ClusterBlocks())
	require.NoError(t, err)
	bp.Checksum ^= 0xffffffff

	_, err = e.ReadCluster(bp)
	require.ErrorIs(t, err, lucierr.ErrCorrupt)
}

func TestReadBlockRejectsCompressedBlockPointer(t *testing.T) {
	e := newTestEngine(t)
	bp := layout.BlockPointer{BlockNo: 1, Flags: layout.FlagCompressed}
	_, err := e.ReadBlock(bp)
	require.Error(t, err)
}

func TestWriteExtentBeginHydratesFromExistingCluster(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	data := repetitivePattern(testClusterBytes)
	_, err := e.WriteCluster(context.Background(), in, 1, data, 0)
	require.NoError(t, err)

	pages := pagecache.New(int(e.pageSize))
	// pagesPerCluster == 1 at this test's geometry (ClusterBytes == PageSize),
	// so cluster 1's single page index equals its logical block's page index.
	pageIndex := e.ClusterBlocks() / uint64(e.pageSize/e.blockSize)

	target, cluster, err := e.WriteExtentBegin(pages, in, pageIndex, 0)
	require.NoError(t, err)
	require.Len(t, cluster, 1)
	require.Same(t, cluster[0], target)
	require.True(t, target.Uptodate())
	require.Equal(t, data, target.Data)

	e.WriteExtentEnd(cluster, in, 0)
	require.True(t, target.Dirty())
}

func TestWriteExtentBeginOnHoleLeavesPageZero(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	pages := pagecache.New(int(e.pageSize))

	target, cluster, err := e.WriteExtentBegin(pages, in, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, target)
	for _, b := range target.Data {
		require.Zero(t, b)
	}
	e.WriteExtentEnd(cluster, in, uint64(e.pageSize))
	require.EqualValues(t, e.pageSize, in.Size())
}

func TestWriteExtentEndNeverShrinksSize(t *testing.T) {
	e := newTestEngine(t)
	in := &layout.Inode{}
	in.SizeLo = 10000
	pages := pagecache.New(int(e.pageSize))

	_, cluster, err := e.WriteExtentBegin(pages, in, 0, 0)
	require.NoError(t, err)
	e.WriteExtentEnd(cluster, in, 100)
	require.EqualValues(t, 10000, in.Size())
}
