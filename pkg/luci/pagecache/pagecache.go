// Package pagecache implements the narrow page-cache abstraction the
// compression engine is built against (§4.6, §6, §9): per-inode pages
// addressed by index, each carrying dirty/writeback/uptodate state and
// the dirty/TOWRITE tags the engine's two writeback scan modes rely on.
// There is no real kernel page cache available to a hosted Go module —
// this package is the host collaborator the specification treats as an
// external dependency, implemented just thoroughly enough to drive the
// cluster state machine correctly.
package pagecache

import "sync"

// Page is one cached page: its backing bytes plus the state bits the
// writeback and read paths inspect (§4.6, §4.7, §5's "per-page lock").
type Page struct {
	Index uint64
	Data  []byte

	mu         sync.Mutex
	cond       *sync.Cond
	locked     bool
	dirty      bool
	towrite    bool
	uptodate   bool
	writeback  bool
}

func newPage(index uint64, size int) *Page {
	p := &Page{Index: index, Data: make([]byte, size)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lock acquires the page's exclusive lock, required while the page
// participates in a cluster lock-for-io (§5).
func (p *Page) Lock() {
	p.mu.Lock()
	for p.locked {
		p.cond.Wait()
	}
	p.locked = true
	p.mu.Unlock()
}

// Unlock releases a lock acquired by Lock.
func (p *Page) Unlock() {
	p.mu.Lock()
	p.locked = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitStable blocks while the page is under writeback, the
// `wait_for_stable_page` suspension point named in §5, so a concurrent
// RMW never copies into a page mid-flight to the device.
func (p *Page) WaitStable() {
	p.mu.Lock()
	for p.writeback {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// BeginWriteback marks the page under I/O, blocking a concurrent
// WaitStable caller until EndWriteback.
func (p *Page) BeginWriteback() {
	p.mu.Lock()
	p.writeback = true
	p.mu.Unlock()
}

// EndWriteback clears the writeback bit and the dirty/TOWRITE tags
// (§4.6 "io-completing: end writeback on the page-cache pages").
func (p *Page) EndWriteback() {
	p.mu.Lock()
	p.writeback = false
	p.dirty = false
	p.towrite = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// MarkDirty sets the dirty tag (§4.6 "dirty" state).
func (p *Page) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

// Dirty reports the dirty tag.
func (p *Page) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// MarkUptodate sets the uptodate bit, set once valid data (decompressed
// or freshly written) is resident (§4.7).
func (p *Page) MarkUptodate() {
	p.mu.Lock()
	p.uptodate = true
	p.mu.Unlock()
}

// Uptodate reports whether the page holds valid data.
func (p *Page) Uptodate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uptodate
}

// Cache is one inode's page tree: pages indexed by page number, with the
// dirty/TOWRITE tag-scan operations the cluster writeback state machine
// drives (§4.6 "scan_pgtree_dirty_pages").
type Cache struct {
	pageSize int

	mu    sync.Mutex
	pages map[uint64]*Page
}

// New constructs an empty page cache for pageSize-byte pages.
func New(pageSize int) *Cache {
	return &Cache{pageSize: pageSize, pages: make(map[uint64]*Page)}
}

// Get returns the page at index, creating and zero-filling it if absent
// (§4.6 "begin-write... grabs-or-creates all C/page-size pages").
func (c *Cache) Get(index uint64) *Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[index]; ok {
		return p
	}
	p := newPage(index, c.pageSize)
	c.pages[index] = p
	return p
}

// Evict drops a page from the cache (used when a cluster's pages are
// released after a completed truncate or writeback, §4.6).
func (c *Cache) Evict(index uint64) {
	c.mu.Lock()
	delete(c.pages, index)
	c.mu.Unlock()
}

// ScanDirty returns, in index order, every resident dirty page with
// index in [start, end) — the untagged scan mode (§4.6).
func (c *Cache) ScanDirty(start, end uint64) []*Page {
	return c.scanTagged(start, end, func(p *Page) bool { return p.dirty })
}

// TagForWriteback sets the TOWRITE tag on every dirty page in
// [start, end), the tagged scan mode's first step for SYNC_ALL/tagged
// writeback (§4.6 "first tags the cluster's index range with TOWRITE").
func (c *Cache) TagForWriteback(start, end uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := start; i < end; i++ {
		if p, ok := c.pages[i]; ok {
			p.mu.Lock()
			if p.dirty {
				p.towrite = true
			}
			p.mu.Unlock()
		}
	}
}

// ScanTowrite returns, in index order, every resident page tagged
// TOWRITE with index in [start, end).
func (c *Cache) ScanTowrite(start, end uint64) []*Page {
	return c.scanTagged(start, end, func(p *Page) bool { return p.towrite })
}

func (c *Cache) scanTagged(start, end uint64, match func(*Page) bool) []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Page
	for i := start; i < end; i++ {
		p, ok := c.pages[i]
		if !ok {
			continue
		}
		p.mu.Lock()
		if match(p) {
			out = append(out, p)
		}
		p.mu.Unlock()
	}
	return out
}
