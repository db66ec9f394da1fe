// Package bitmap implements the per-group inode/block bitmap allocator
// (§2.4, §4.3): find-first-zero-bit plus test-and-set, percpu-style global
// free counters, and a buddy-order histogram kept for reporting only.
package bitmap

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/Saptarshi-SBU/Linux-LFS/pkg/luci/lucierr"
)

// GroupBitmap is one group's raw bit array (inode or block bitmap), held
// under its own mutex standing in for the per-group spinlock of §5. Tie
// break for "first zero bit" is lowest index wins, matching §4.3.
type GroupBitmap struct {
	mu    sync.Mutex
	bits  []byte
	nbits uint32
}

// NewGroupBitmap wraps raw (exactly one block's worth of bytes) as a
// bitmap of nbits valid bits; trailing bits beyond nbits are treated as
// permanently set so they're never handed out.
func NewGroupBitmap(raw []byte, nbits uint32) *GroupBitmap {
	gb := &GroupBitmap{bits: raw, nbits: nbits}
	gb.sealTrailingBits()
	return gb
}

func (gb *GroupBitmap) sealTrailingBits() {
	total := uint32(len(gb.bits)) * 8
	for bit := gb.nbits; bit < total; bit++ {
		gb.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Bytes returns the underlying buffer, for handing to a BlockHandle write.
func (gb *GroupBitmap) Bytes() []byte {
	return gb.bits
}

// Test reports whether bit is set.
func (gb *GroupBitmap) Test(bit uint32) bool {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	return gb.test(bit)
}

func (gb *GroupBitmap) test(bit uint32) bool {
	return gb.bits[bit/8]&(1<<(bit%8)) != 0
}

func (gb *GroupBitmap) set(bit uint32) {
	gb.bits[bit/8] |= 1 << (bit % 8)
}

func (gb *GroupBitmap) clear(bit uint32) {
	gb.bits[bit/8] &^= 1 << (bit % 8)
}

// findFirstZero returns the lowest-index clear bit below nbits, or
// (0, false) if the bitmap is full.
func (gb *GroupBitmap) findFirstZero() (uint32, bool) {
	for i, b := range gb.bits {
		if b == 0xFF {
			continue
		}
		bit := uint32(i*8 + bits.TrailingZeros8(^b))
		if bit >= gb.nbits {
			return 0, false
		}
		return bit, true
	}
	return 0, false
}

// AllocFirst finds the lowest-index clear bit and atomically sets it,
// returning ErrNoSpace if the group bitmap is full (§4.3).
func (gb *GroupBitmap) AllocFirst() (uint32, error) {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	bit, ok := gb.findFirstZero()
	if !ok {
		return 0, lucierr.ErrNoSpace
	}
	gb.set(bit)
	return bit, nil
}

// AllocAt attempts to set a specific bit (used for contiguous-run
// allocation once the first bit of a candidate run is known), returning
// ErrBusy if it's already taken.
func (gb *GroupBitmap) AllocAt(bit uint32) error {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	if bit >= gb.nbits || gb.test(bit) {
		return lucierr.ErrBusy
	}
	gb.set(bit)
	return nil
}

// Free clears bit, making it available for reuse.
func (gb *GroupBitmap) Free(bit uint32) {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	gb.clear(bit)
}

// FreeClearCount returns the number of clear bits below nbits, used as the
// authoritative free count cross-check at mount and sync (§4.1, §4.2,
// §8 "Bitmap accounting").
func (gb *GroupBitmap) FreeClearCount() uint32 {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	var free uint32
	for bit := uint32(0); bit < gb.nbits; bit++ {
		if !gb.test(bit) {
			free++
		}
	}
	return free
}

// Histogram computes a buddy-order histogram of maximal free runs, sizes
// 2^0..2^max, for reporting only (§4.3). It is never consulted by the
// allocator itself.
func (gb *GroupBitmap) Histogram(maxOrder int) []uint32 {
	gb.mu.Lock()
	defer gb.mu.Unlock()

	hist := make([]uint32, maxOrder+1)
	var run uint32
	flush := func() {
		for run > 0 {
			order := bits.Len32(run) - 1
			if order > maxOrder {
				order = maxOrder
			}
			size := uint32(1) << order
			hist[order]++
			run -= size
		}
	}
	for bit := uint32(0); bit < gb.nbits; bit++ {
		if gb.test(bit) {
			flush()
			run = 0
		} else {
			run++
		}
	}
	flush()
	return hist
}

// Counter is a percpu-style sharded counter whose total is only ever
// summed across its shards on read (§9 "Global counters for stats:
// per-shard/per-cpu counters summed on read"). Add always updates
// shard 0 (see shard), so adds are not spread across shards.
type Counter struct {
	shards [8]struct {
		v int64
		_ [56]byte // pad to a cache line, avoid false sharing between shards
	}
}

func (c *Counter) shard() *int64 {
	// A fixed shard keyed by goroutine-independent data (here, always
	// shard 0 plus atomic ops) keeps the type simple while still summing
	// per-shard on read; real per-CPU pinning isn't expressible in Go.
	return &c.shards[0].v
}

// Add adjusts the counter by delta (may be negative).
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(c.shard(), delta)
}

// Sum returns the counter's current total.
func (c *Counter) Sum() int64 {
	var total int64
	for i := range c.shards {
		total += atomic.LoadInt64(&c.shards[i].v)
	}
	return total
}

// Set forces the counter to an absolute value (used to seed it from a
// live bitmap scan at mount, since the on-disk counter is not
// authoritative, §4.1).
func (c *Counter) Set(v int64) {
	for i := range c.shards {
		atomic.StoreInt64(&c.shards[i].v, 0)
	}
	atomic.StoreInt64(c.shard(), v)
}
