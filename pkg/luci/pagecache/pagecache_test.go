package pagecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetCreatesZeroFilledPage(t *testing.T) {
	c := New(4096)
	p := c.Get(3)
	require.Len(t, p.Data, 4096)
	require.False(t, p.Dirty())
	require.False(t, p.Uptodate())
}

func TestGetIsIdempotent(t *testing.T) {
	c := New(4096)
	a := c.Get(1)
	b := c.Get(1)
	require.Same(t, a, b)
}

func TestScanDirtyFindsOnlyDirtyPagesInRange(t *testing.T) {
	c := New(64)
	c.Get(0).MarkDirty()
	c.Get(1) // clean
	c.Get(2).MarkDirty()
	c.Get(5).MarkDirty() // outside scan range

	found := c.ScanDirty(0, 3)
	require.Len(t, found, 2)
	require.EqualValues(t, 0, found[0].Index)
	require.EqualValues(t, 2, found[1].Index)
}

func TestTaggedWritebackScanOnlyTagsDirtyPages(t *testing.T) {
	c := New(64)
	c.Get(0).MarkDirty()
	c.Get(1) // not dirty, must not pick up TOWRITE

	c.TagForWriteback(0, 2)
	tagged := c.ScanTowrite(0, 2)
	require.Len(t, tagged, 1)
	require.EqualValues(t, 0, tagged[0].Index)
}

func TestEndWritebackClearsDirtyAndTowrite(t *testing.T) {
	c := New(64)
	p := c.Get(0)
	p.MarkDirty()
	c.TagForWriteback(0, 1)
	p.BeginWriteback()
	p.EndWriteback()
	require.False(t, p.Dirty())
	require.Empty(t, c.ScanTowrite(0, 1))
}

func TestWaitStableBlocksUntilEndWriteback(t *testing.T) {
	p := newPage(0, 64)
	p.BeginWriteback()

	done := make(chan struct{})
	go func() {
		p.WaitStable()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitStable returned before EndWriteback")
	case <-time.After(20 * time.Millisecond):
	}

	p.EndWriteback()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitStable never returned after EndWriteback")
	}
}

func TestEvictRemovesPage(t *testing.T) {
	c := New(64)
	c.Get(4)
	c.Evict(4)
	fresh := c.Get(4)
	require.False(t, fresh.Dirty())
}
