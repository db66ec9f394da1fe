package compress

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// ReadCluster implements §4.7's compressed read path: given a resolved
// blkptr for a compressed logical block, it reads the physical extent,
// verifies the checksum over exactly bp.Length bytes, and decompresses
// into a ClusterBytes-sized buffer. On checksum mismatch it returns an
// I/O error (which also matches lucierr.ErrCorrupt) without attempting
// decompression.
func (e *Engine) ReadCluster(bp layout.BlockPointer) ([]byte, error) {
	if !bp.Compressed() {
		return nil, lucierr.Corruptf("blkptr flags", bp.Flags, layout.FlagCompressed)
	}

	nBlocks := (uint32(bp.Length) + e.blockSize - 1) / e.blockSize
	raw := make([]byte, 0, nBlocks*e.blockSize)
	for i := uint32(0); i < nBlocks; i++ {
		h, err := e.gw.Get(uint64(bp.BlockNo + i))
		if err != nil {
			return nil, err
		}
		h.Lock()
		raw = append(raw, h.Bytes()...)
		h.Unlock()
		h.Release()
	}
	raw = raw[:bp.Length]

	if got := crc32.ChecksumIEEE(raw); got != bp.Checksum {
		return nil, fmt.Errorf("%w: %w", lucierr.ErrIO, lucierr.Corruptf("compressed extent checksum", got, bp.Checksum))
	}

	zr := flate.NewReader(bytes.NewReader(raw))
	defer zr.Close()

	out := make([]byte, e.clusterBytes)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, lucierr.ErrIO
	}
	return out, nil
}

// ReadBlock implements the uncompressed-entry half of §4.7's read path:
// a plain blkptr with Flags&FlagNotCompressed set covers exactly one
// physical block, checksummed whole.
func (e *Engine) ReadBlock(bp layout.BlockPointer) ([]byte, error) {
	if bp.Compressed() {
		return nil, lucierr.Corruptf("blkptr flags", bp.Flags, uint16(0))
	}
	h, err := e.gw.Get(uint64(bp.BlockNo))
	if err != nil {
		return nil, err
	}
	h.Lock()
	out := make([]byte, len(h.Bytes()))
	copy(out, h.Bytes())
	h.Unlock()
	h.Release()

	if got := crc32.ChecksumIEEE(out); got != bp.Checksum {
		return nil, lucierr.Corruptf("block checksum", got, bp.Checksum)
	}
	return out, nil
}
