package dirent

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/bmap"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/device"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/layout"
	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

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

type seqAllocator struct {
	next uint32
}

func (a *seqAllocator) AllocBlock(hint int) (uint32, error) {
	b := a.next
	a.next++
	return b, nil
}

func (a *seqAllocator) FreeBlock(blockNo uint32) {}

const testBlockSize = 256

func newTestStore(t *testing.T) (*Store, *layout.Inode) {
	t.Helper()
	dev := &memDevice{buf: make([]byte, testBlockSize*4096)}
	gw := device.New(dev, testBlockSize)
	alloc := &seqAllocator{next: 100}
	tree := bmap.New(gw, alloc, testBlockSize, nil)
	return New(gw, tree, alloc), &layout.Inode{}
}

func TestInitEmptyDirCreatesDotAndDotDot(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	require.EqualValues(t, testBlockSize, in.Size())

	dot, _, err := s.FindEntry(in, testBlockSize, ".")
	require.NoError(t, err)
	require.EqualValues(t, 50, dot.Inode)

	dotdot, _, err := s.FindEntry(in, testBlockSize, "..")
	require.NoError(t, err)
	require.EqualValues(t, 2, dotdot.Inode)
}

func TestAddEntryThenFindEntry(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	require.NoError(t, s.AddEntry(in, testBlockSize, 51, "hello.txt", layout.FTRegFile, 0))

	d, _, err := s.FindEntry(in, testBlockSize, "hello.txt")
	require.NoError(t, err)
	require.EqualValues(t, 51, d.Inode)
	require.EqualValues(t, layout.FTRegFile, d.FileType)
}

func TestFindEntryMissingReturnsNotFound(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	_, _, err := s.FindEntry(in, testBlockSize, "nope")
	require.ErrorIs(t, err, lucierr.ErrNotFound)
}

func TestDeleteEntryThenFindEntryReturnsNotFound(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	require.NoError(t, s.AddEntry(in, testBlockSize, 51, "bye.txt", layout.FTRegFile, 0))

	_, pos, err := s.FindEntry(in, testBlockSize, "bye.txt")
	require.NoError(t, err)
	require.NoError(t, s.DeleteEntry(in, pos))

	_, _, err = s.FindEntry(in, testBlockSize, "bye.txt")
	require.ErrorIs(t, err, lucierr.ErrNotFound)
}

func TestAddEntryReusesDeletedSlot(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	longName := strings.Repeat("a", 100)
	require.NoError(t, s.AddEntry(in, testBlockSize, 51, longName, layout.FTRegFile, 0))
	sizeBefore := in.Size()

	_, pos, err := s.FindEntry(in, testBlockSize, longName)
	require.NoError(t, err)
	require.NoError(t, s.DeleteEntry(in, pos))

	require.NoError(t, s.AddEntry(in, testBlockSize, 52, "short", layout.FTRegFile, 0))
	require.Equal(t, sizeBefore, in.Size(), "reusing the deleted slot must not grow the directory")

	d, _, err := s.FindEntry(in, testBlockSize, "short")
	require.NoError(t, err)
	require.EqualValues(t, 52, d.Inode)
}

func TestAddEntryExtendsToNewBlockWhenNoSlotHasRoom(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))

	// "." (12B) + ".." (244B) leave 232 bytes of slack behind "..": an
	// entry needing more than that has nowhere to split into and must
	// land in a freshly allocated block instead.
	tooLong := strings.Repeat("x", 230)
	require.NoError(t, s.AddEntry(in, testBlockSize, 51, tooLong, layout.FTRegFile, 0))
	require.EqualValues(t, testBlockSize*2, in.Size())

	d, _, err := s.FindEntry(in, testBlockSize, tooLong)
	require.NoError(t, err)
	require.EqualValues(t, 51, d.Inode)
}

func TestReaddirEmitsEntriesInOrder(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	require.NoError(t, s.AddEntry(in, testBlockSize, 51, "a", layout.FTRegFile, 0))
	require.NoError(t, s.AddEntry(in, testBlockSize, 52, "b", layout.FTRegFile, 0))

	var names []string
	err := s.Readdir(in, testBlockSize, Cursor{}, func(d layout.Dirent, next Cursor) bool {
		names = append(names, d.Name)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{".", "..", "a", "b"}, names)
}

func TestReaddirStopsEarlyWhenEmitReturnsFalse(t *testing.T) {
	s, in := newTestStore(t)
	require.NoError(t, s.InitEmptyDir(in, testBlockSize, 50, 2, 0))
	require.NoError(t, s.AddEntry(in, testBlockSize, 51, "a", layout.FTRegFile, 0))

	var names []string
	err := s.Readdir(in, testBlockSize, Cursor{}, func(d layout.Dirent, next Cursor) bool {
		names = append(names, d.Name)
		return false
	})
	require.NoError(t, err)
	require.Equal(t, []string{"."}, names)
}
