package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vbauerster/mpb/v5"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/fs"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
)

// memDevice is a bounds-checked in-memory device.Device, duplicated here
// the same way pkg/luci/fs's own tests duplicate it: device fixtures
// aren't exported across package boundaries.
type memDevice struct {
	buf []byte
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.buf[off:], p)
	return n, nil
}

func (m *memDevice) Sync() error { return nil }

func TestWriteImageAndSeedRootProducesMountableFS(t *testing.T) {
	const blockSize = 1024
	size := int64(blockSize) * 256

	geo, err := computeGeometry(size, blockSize, 0, 16384)
	require.NoError(t, err)

	dev := &memDevice{buf: make([]byte, size)}

	progress := mpb.New(mpb.WithWidth(1), mpb.WithOutput(io.Discard))
	bar := progress.AddBar(int64(geo.groupCount))

	require.NoError(t, writeImage(dev, geo, "test-vol", bar))
	progress.Wait()

	require.NoError(t, seedRoot(dev, geo, log.Null))

	fsys, err := fs.Mount(dev, fs.Config{ClusterBytes: geo.clusterBytes, MaxWorkers: 2}, log.Null)
	require.NoError(t, err)
	defer fsys.Unmount()

	root, err := fsys.Lookup(layout.RootIno, ".")
	require.NoError(t, err)
	require.EqualValues(t, layout.RootIno, root.Ino)
	require.True(t, root.Inode.IsDir())

	entry, err := fsys.CreateFile(layout.RootIno, "hello", 0644)
	require.NoError(t, err)
	f, err := fsys.Open(entry.Ino)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("hi"), 0)
	require.NoError(t, err)

	buf := make([]byte, 2)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), buf)

	st := fsys.Statfs()
	require.EqualValues(t, blockSize, st.BlockSize)
	require.True(t, st.BlocksFree > 0)
}

func TestLooksFormattedDetectsMagic(t *testing.T) {
	const blockSize = 1024
	size := int64(blockSize) * 256
	geo, err := computeGeometry(size, blockSize, 0, 16384)
	require.NoError(t, err)

	dev := &memDevice{buf: make([]byte, size)}
	progress := mpb.New(mpb.WithWidth(1), mpb.WithOutput(io.Discard))
	bar := progress.AddBar(int64(geo.groupCount))
	require.NoError(t, writeImage(dev, geo, "", bar))
	progress.Wait()

	require.True(t, looksFormatted(dev, blockSize))

	blank := &memDevice{buf: make([]byte, size)}
	require.False(t, looksFormatted(blank, blockSize))
}
