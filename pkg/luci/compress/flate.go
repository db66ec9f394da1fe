package compress

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// newFlateWriter wraps klauspost/compress/flate at its default level,
// the compressor the source's zlib-workspace abstraction
// (luci_zlib_compress) stands in for port-side (§4.6). The *Engine pools
// these via sync.Pool and Reset()s each one to a fresh destination per
// cluster, mirroring the source's get/put_compression_context workspace
// pool (§5 "resource pools").
func newFlateWriter(dst io.Writer) (*flate.Writer, error) {
	return flate.NewWriter(dst, flate.DefaultCompression)
}
