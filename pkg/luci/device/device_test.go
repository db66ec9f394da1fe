package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice {
	return &memDevice{buf: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[off:], p)
	return n, nil
}

func (m *memDevice) Sync() error { return nil }

func TestWriteReadRoundTrip(t *testing.T) {
	dev := newMemDevice(64 * 1024)
	gw := New(dev, 4096)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, gw.WriteBlock(3, payload))
	got, err := gw.ReadBlock(3)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestHoleReadIsZero(t *testing.T) {
	dev := newMemDevice(64 * 1024)
	gw := New(dev, 4096)

	h, err := gw.Get(0)
	require.NoError(t, err)
	defer h.Release()

	for _, b := range h.Bytes() {
		require.Zero(t, b)
	}
}

func TestMarkDirtyDeferredUntilFlush(t *testing.T) {
	dev := newMemDevice(64 * 1024)
	gw := New(dev, 4096)

	h, err := gw.Get(1)
	require.NoError(t, err)

	h.Lock()
	copy(h.Bytes(), []byte("hello"))
	h.Unlock()
	h.MarkDirty()

	require.True(t, h.Dirty())
	require.NoError(t, h.Flush())
	require.False(t, h.Dirty())

	got, err := gw.ReadBlock(1)
	require.NoError(t, err)
	require.Equal(t, byte('h'), got[0])
	h.Release()
}

func TestRefcountedHandleSharesBuffer(t *testing.T) {
	dev := newMemDevice(64 * 1024)
	gw := New(dev, 4096)

	h1, err := gw.Get(5)
	require.NoError(t, err)
	h2, err := gw.Get(5)
	require.NoError(t, err)
	require.Same(t, h1, h2)

	h1.Release()
	h2.Release()
}
