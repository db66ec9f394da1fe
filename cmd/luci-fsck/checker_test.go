package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/fs"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/log"
)

// memDevice is a bounds-checked in-memory device.Device, duplicated the
// same way pkg/luci/fs's own tests duplicate it: device fixtures aren't
// exported across package boundaries.
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

// buildCheckedImage hand-assembles the same one-group, 1024-byte-block,
// 64-block image pkg/luci/fs's own tests build, with the metadata
// region's bitmap bits already sealed, then seeds and populates it
// through a live mount so fsck has a real, non-trivial tree to walk.
func buildCheckedImage(t *testing.T) *memDevice {
	t.Helper()
	const blockSize = 1024
	const blocksCount = 64

	dev := &memDevice{buf: make([]byte, blockSize*blocksCount)}

	sb := &layout.Superblock{
		InodesCount:    32,
		BlocksCount:    blocksCount,
		FirstDataBlock: 0,
		BlocksPerGroup: blocksCount,
		FragsPerGroup:  blocksCount,
		InodesPerGroup: 32,
		Magic:          layout.Magic,
		State:          layout.StateValid,
		Errors:         layout.ErrorsContinue,
		RevLevel:       1,
		FirstIno:       layout.FirstUserIno,
		InodeSize:      256,
		DefHashVersion: 1,
	}
	copy(dev.buf[1*blockSize:], sb.Encode())

	desc := &layout.GroupDescriptor{
		BlockBitmapAddr: 3,
		InodeBitmapAddr: 4,
		InodeTableAddr:  5,
	}
	copy(dev.buf[2*blockSize:], desc.Encode())

	blockBitmap := dev.buf[3*blockSize : 4*blockSize]
	for bit := uint32(0); bit <= 12; bit++ {
		blockBitmap[bit/8] |= 1 << (bit % 8)
	}
	inodeBitmap := dev.buf[4*blockSize : 5*blockSize]
	for bit := uint32(0); bit < layout.FirstUserIno-1; bit++ {
		inodeBitmap[bit/8] |= 1 << (bit % 8)
	}

	fsys, err := fs.Mount(dev, fs.Config{ClusterBytes: 4096, MaxWorkers: 2}, log.Null)
	require.NoError(t, err)
	require.NoError(t, fsys.InitRoot())

	sub, err := fsys.Mkdir(layout.RootIno, "sub", 0755)
	require.NoError(t, err)
	_, err = fsys.CreateFile(sub.Ino, "leaf", 0644)
	require.NoError(t, err)
	_, err = fsys.CreateFile(layout.RootIno, "top", 0644)
	require.NoError(t, err)

	require.NoError(t, fsys.Sync())
	require.NoError(t, fsys.Unmount())

	return dev
}

func TestCheckCleanImageReportsNoProblems(t *testing.T) {
	dev := buildCheckedImage(t)

	r, err := check(dev, log.Null)
	require.NoError(t, err)
	require.True(t, r.clean(), "unexpected problems: %v", r.problems)
	require.Equal(t, 2, r.dirs) // root + sub
	require.Equal(t, 2, r.files)
}

func TestCheckUnformattedImageReturnsError(t *testing.T) {
	dev := &memDevice{buf: make([]byte, 1024*64)}
	_, err := check(dev, log.Null)
	require.Error(t, err)
}

func TestCheckFlagsMissingRootDirectory(t *testing.T) {
	// A root inode whose mode never got the directory bit set (as if
	// InitRoot had been skipped) must surface as a problem, not a panic
	// or a silently empty report.
	const blockSize = 1024
	const blocksCount = 64
	dev := &memDevice{buf: make([]byte, blockSize*blocksCount)}

	sb := &layout.Superblock{
		InodesCount:    32,
		BlocksCount:    blocksCount,
		FirstDataBlock: 0,
		BlocksPerGroup: blocksCount,
		FragsPerGroup:  blocksCount,
		InodesPerGroup: 32,
		Magic:          layout.Magic,
		State:          layout.StateValid,
		Errors:         layout.ErrorsContinue,
		RevLevel:       1,
		FirstIno:       layout.FirstUserIno,
		InodeSize:      256,
		DefHashVersion: 1,
	}
	copy(dev.buf[1*blockSize:], sb.Encode())
	desc := &layout.GroupDescriptor{BlockBitmapAddr: 3, InodeBitmapAddr: 4, InodeTableAddr: 5}
	copy(dev.buf[2*blockSize:], desc.Encode())
	blockBitmap := dev.buf[3*blockSize : 4*blockSize]
	for bit := uint32(0); bit <= 12; bit++ {
		blockBitmap[bit/8] |= 1 << (bit % 8)
	}
	inodeBitmap := dev.buf[4*blockSize : 5*blockSize]
	for bit := uint32(0); bit < layout.FirstUserIno-1; bit++ {
		inodeBitmap[bit/8] |= 1 << (bit % 8)
	}

	r, err := check(dev, log.Null)
	require.NoError(t, err)
	require.False(t, r.clean())
}

func TestFileTypeClassification(t *testing.T) {
	require.EqualValues(t, layout.FTDir, fileType(layout.ModeDir))
	require.EqualValues(t, layout.FTRegFile, fileType(layout.ModeReg))
	require.EqualValues(t, layout.FTSymlink, fileType(layout.ModeSymlnk))
}
