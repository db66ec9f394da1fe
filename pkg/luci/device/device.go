// Package device implements the block device gateway (§2.2, §6.5): reads
// and writes of aligned, fixed-size blocks keyed by block number, behind a
// BlockHandle abstraction with {read, write-through, mark-dirty, flush,
// release} operations (§9 "Buffer-cache mark-dirty+sync idiom" redesign
// note). The core never assumes a global cache — it always goes through a
// handle obtained from a Device.
package device

import (
	"io"
	"sync"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// SectorSize is the unit BIO-equivalent submissions are expressed in (§6.5).
const SectorSize = 512

// Device is the narrow block-addressed I/O surface the rest of luci is
// built against. A *os.File satisfies it directly; tests back it with an
// in-memory buffer.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// zeroBlock is a shared, read-only source of zeros that Get copies into the
// fresh buffer of a sparse-hole handle (adapted from the teacher's
// all-zeros reader idiom, rewritten here to work on fixed-size block
// buffers instead of a stream).
var zeroBlockOnce sync.Once
var zeroBlock []byte

func zeros(n int) []byte {
	zeroBlockOnce.Do(func() { zeroBlock = make([]byte, 1<<20) })
	if n <= len(zeroBlock) {
		return zeroBlock[:n]
	}
	return make([]byte, n)
}

// Gateway wraps a Device with the block-size geometry and the buffer
// cache of in-flight BlockHandles (§2.2).
type Gateway struct {
	dev       Device
	blockSize uint32

	mu      sync.Mutex
	handles map[uint64]*BlockHandle
}

// New returns a Gateway reading/writing blockSize-byte blocks of dev.
func New(dev Device, blockSize uint32) *Gateway {
	return &Gateway{
		dev:       dev,
		blockSize: blockSize,
		handles:   make(map[uint64]*BlockHandle),
	}
}

// BlockSize returns the gateway's configured block size.
func (g *Gateway) BlockSize() uint32 {
	return g.blockSize
}

// BlockHandle is a cached, lockable view of one on-disk block. Every
// mutation goes through MarkDirty + Flush (or relies on an explicit
// WriteThrough), matching the buffer-cache idiom the spec asks be kept as
// an abstraction rather than a real global cache (§9).
type BlockHandle struct {
	gw      *Gateway
	blockNo uint64
	mu      sync.Mutex
	data    []byte
	dirty   bool
	refs    int
}

// Get returns the cached handle for blockNo, reading it from the device on
// first access. A hole read (blockNo == 0) returns an all-zero handle
// without touching the device, per §4.5's sparse-bmap semantics.
func (g *Gateway) Get(blockNo uint64) (*BlockHandle, error) {
	g.mu.Lock()
	if h, ok := g.handles[blockNo]; ok {
		h.refs++
		g.mu.Unlock()
		return h, nil
	}
	g.mu.Unlock()

	data := make([]byte, g.blockSize)
	if blockNo != 0 {
		if _, err := g.dev.ReadAt(data, int64(blockNo)*int64(g.blockSize)); err != nil && err != io.EOF {
			return nil, lucierr.ErrIO
		}
	} else {
		copy(data, zeros(int(g.blockSize)))
	}

	h := &BlockHandle{gw: g, blockNo: blockNo, data: data, refs: 1}
	g.mu.Lock()
	if existing, ok := g.handles[blockNo]; ok {
		existing.refs++
		g.mu.Unlock()
		return existing, nil
	}
	g.handles[blockNo] = h
	g.mu.Unlock()
	return h, nil
}

// Bytes returns the handle's buffer. Callers hold the handle's lock (via
// Lock/Unlock) while mutating it in place.
func (h *BlockHandle) Bytes() []byte {
	return h.data
}

// Lock acquires exclusive access to the handle's buffer.
func (h *BlockHandle) Lock() { h.mu.Lock() }

// Unlock releases exclusive access acquired by Lock.
func (h *BlockHandle) Unlock() { h.mu.Unlock() }

// MarkDirty flags the handle for writeback on the next Flush/Sync.
func (h *BlockHandle) MarkDirty() {
	h.mu.Lock()
	h.dirty = true
	h.mu.Unlock()
}

// Dirty reports whether the handle has unflushed writes.
func (h *BlockHandle) Dirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

// Flush writes the handle's buffer through to the device if dirty.
func (h *BlockHandle) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty || h.blockNo == 0 {
		return nil
	}
	off := int64(h.blockNo) * int64(h.gw.blockSize)
	if _, err := h.gw.dev.WriteAt(h.data, off); err != nil {
		return lucierr.ErrIO
	}
	h.dirty = false
	return nil
}

// WriteThrough overwrites the handle's buffer and flushes immediately,
// bypassing the dirty/flush-later path for callers that need a durable
// write now (e.g. superblock sync with wait=true, §4.1).
func (h *BlockHandle) WriteThrough(data []byte) error {
	h.mu.Lock()
	copy(h.data, data)
	h.dirty = true
	h.mu.Unlock()
	return h.Flush()
}

// Release drops a reference to the handle. A clean handle is evicted from
// the gateway's cache once nothing else holds it; a dirty one stays cached
// until Flush or FlushAll writes it. Release itself never flushes,
// matching the explicit buffer-cache contract in §9.
func (h *BlockHandle) Release() {
	dirty := h.Dirty()
	g := h.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	h.refs--
	if h.refs <= 0 && !dirty {
		delete(g.handles, h.blockNo)
	}
}

// FlushAll flushes every dirty cached handle; used by superblock sync and
// unmount (§4.1).
func (g *Gateway) FlushAll() error {
	g.mu.Lock()
	handles := make([]*BlockHandle, 0, len(g.handles))
	for _, h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()

	for _, h := range handles {
		if err := h.Flush(); err != nil {
			return err
		}
	}
	return g.dev.Sync()
}

// ReadBlock is a convenience one-shot read that doesn't retain a handle.
func (g *Gateway) ReadBlock(blockNo uint64) ([]byte, error) {
	h, err := g.Get(blockNo)
	if err != nil {
		return nil, err
	}
	h.Lock()
	out := make([]byte, len(h.data))
	copy(out, h.data)
	h.Unlock()
	h.Release()
	return out, nil
}

// WriteBlock is a convenience one-shot write-through that doesn't retain
// a handle.
func (g *Gateway) WriteBlock(blockNo uint64, data []byte) error {
	h, err := g.Get(blockNo)
	if err != nil {
		return err
	}
	err = h.WriteThrough(data)
	h.Release()
	return err
}
