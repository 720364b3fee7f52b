package pager

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Pgno is a 1-based page number. Page 0 never exists.
type Pgno uint32

// Page flags.
const (
	// PageFlagDirty marks a page modified since the last commit.
	PageFlagDirty = 0x01

	// PageFlagDontWrite marks a dirty page whose content must not reach
	// the file (it was freed or truncated away).
	PageFlagDontWrite = 0x02
)

// DbPage is one cached page image. Data is shared with every holder of
// the page; callers must call Pager.Write before changing it.
type DbPage struct {
	Pgno     Pgno
	Data     []byte
	Flags    uint16
	RefCount int64

	// Extra is owned by the layer above the pager. The btree keeps its
	// decoded page there.
	Extra any

	pager     *Pager
	dirtyNext *DbPage
	dirtyPrev *DbPage
}

// NewDbPage returns a zeroed page with one reference.
func NewDbPage(pgno Pgno, pageSize int) *DbPage {
	return &DbPage{
		Pgno:     pgno,
		Data:     make([]byte, pageSize),
		RefCount: 1,
	}
}

func (p *DbPage) IsDirty() bool { return p.Flags&PageFlagDirty != 0 }

func (p *DbPage) MakeDirty() { p.Flags |= PageFlagDirty }

func (p *DbPage) MakeClean() { p.Flags &^= PageFlagDirty | PageFlagDontWrite }

// Ref pins the page in the cache.
func (p *DbPage) Ref() { atomic.AddInt64(&p.RefCount, 1) }

// Unref drops one pin.
func (p *DbPage) Unref() {
	if atomic.AddInt64(&p.RefCount, -1) < 0 {
		atomic.StoreInt64(&p.RefCount, 0)
	}
}

func (p *DbPage) refs() int64 { return atomic.LoadInt64(&p.RefCount) }

// Pager returns the pager that owns the page.
func (p *DbPage) Pager() *Pager { return p.pager }

// PageCache holds the pages a pager has handed out. Pinned and dirty pages
// stay in the table; clean unpinned pages may be evicted once the table is
// over capacity, in which case their image moves to a ristretto tier sized
// to the same number of pages. Reads consult the tier before the file.
type PageCache struct {
	pages     map[Pgno]*DbPage
	dirtyHead *DbPage
	pageSize  int
	maxPages  int
	hardLimit int
	tier      *ristretto.Cache[uint32, []byte]
	mu        sync.Mutex
}

// NewPageCache creates a cache holding about maxPages pages. hardLimit, if
// non-zero, is the number of pages beyond which Put fails with ErrNoMem when
// nothing can be evicted.
func NewPageCache(pageSize, maxPages, hardLimit int) *PageCache {
	if maxPages <= 0 {
		maxPages = DefaultCacheSize
	}
	c := &PageCache{
		pages:     make(map[Pgno]*DbPage),
		pageSize:  pageSize,
		maxPages:  maxPages,
		hardLimit: hardLimit,
	}
	c.tier = newTier(maxPages)
	return c
}

func newTier(maxPages int) *ristretto.Cache[uint32, []byte] {
	tier, err := ristretto.NewCache(&ristretto.Config[uint32, []byte]{
		NumCounters:        int64(maxPages) * 10,
		MaxCost:            int64(maxPages),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil
	}
	return tier
}

// Get returns the cached page or nil. The reference count is not changed.
func (c *PageCache) Get(pgno Pgno) *DbPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[pgno]
}

// Put adds a page, evicting clean unpinned pages if over capacity.
func (c *PageCache) Put(page *DbPage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pages[page.Pgno]; !ok && len(c.pages) >= c.maxPages {
		c.evictCleanPages()
		if c.hardLimit > 0 && len(c.pages) >= c.hardLimit {
			return errors.Wrapf(errors.ErrNoMem, "page cache full at %d pages", len(c.pages))
		}
	}
	c.pages[page.Pgno] = page
	if page.IsDirty() {
		c.addDirty(page)
	}
	return nil
}

// evictCleanPages drops clean unpinned pages until the table is at 3/4 of
// capacity, parking their images in the tier.
func (c *PageCache) evictCleanPages() {
	target := c.maxPages * 3 / 4
	for pgno, page := range c.pages {
		if len(c.pages) <= target {
			return
		}
		if page.refs() > 0 || page.IsDirty() {
			continue
		}
		if c.tier != nil {
			img := make([]byte, len(page.Data))
			copy(img, page.Data)
			c.tier.Set(uint32(pgno), img, 1)
		}
		delete(c.pages, pgno)
	}
}

// Spilled returns a copy of an evicted page image.
func (c *PageCache) Spilled(pgno Pgno) ([]byte, bool) {
	if c.tier == nil {
		return nil, false
	}
	img, ok := c.tier.Get(uint32(pgno))
	if !ok || len(img) != c.pageSize {
		return nil, false
	}
	out := make([]byte, len(img))
	copy(out, img)
	return out, true
}

// Forget discards any evicted image of pgno.
func (c *PageCache) Forget(pgno Pgno) {
	if c.tier != nil {
		c.tier.Del(uint32(pgno))
	}
}

// MarkDirty links a page into the dirty list.
func (c *PageCache) MarkDirty(page *DbPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !page.IsDirty() {
		page.MakeDirty()
		c.addDirty(page)
	}
}

func (c *PageCache) addDirty(page *DbPage) {
	if page.dirtyPrev != nil || page.dirtyNext != nil || c.dirtyHead == page {
		return
	}
	page.dirtyNext = c.dirtyHead
	if c.dirtyHead != nil {
		c.dirtyHead.dirtyPrev = page
	}
	c.dirtyHead = page
}

func (c *PageCache) removeDirty(page *DbPage) {
	if page.dirtyPrev != nil {
		page.dirtyPrev.dirtyNext = page.dirtyNext
	} else if c.dirtyHead == page {
		c.dirtyHead = page.dirtyNext
	}
	if page.dirtyNext != nil {
		page.dirtyNext.dirtyPrev = page.dirtyPrev
	}
	page.dirtyNext = nil
	page.dirtyPrev = nil
}

// Remove drops a page from the cache and the tier.
func (c *PageCache) Remove(pgno Pgno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if page, ok := c.pages[pgno]; ok {
		c.removeDirty(page)
		delete(c.pages, pgno)
	}
	c.Forget(pgno)
}

// DirtyPages returns the dirty pages in page-number order.
func (c *PageCache) DirtyPages() []*DbPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*DbPage
	for p := c.dirtyHead; p != nil; p = p.dirtyNext {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pgno < out[j].Pgno })
	return out
}

// MakeClean clears the dirty state of every page.
func (c *PageCache) MakeClean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := c.dirtyHead; p != nil; {
		next := p.dirtyNext
		p.dirtyNext = nil
		p.dirtyPrev = nil
		p.MakeClean()
		p = next
	}
	c.dirtyHead = nil
}

// TruncateTo drops every page numbered above n.
func (c *PageCache) TruncateTo(n Pgno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pgno, page := range c.pages {
		if pgno > n {
			c.removeDirty(page)
			page.MakeClean()
			delete(c.pages, pgno)
		}
	}
	if c.tier != nil {
		c.tier.Clear()
	}
}

// Pages returns every cached page.
func (c *PageCache) Pages() []*DbPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*DbPage, 0, len(c.pages))
	for _, p := range c.pages {
		out = append(out, p)
	}
	return out
}

// Clear drops every unpinned page and the whole tier. Pinned pages are
// returned so the caller can reload them.
func (c *PageCache) Clear() []*DbPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pinned []*DbPage
	for pgno, page := range c.pages {
		if page.refs() > 0 {
			pinned = append(pinned, page)
			continue
		}
		c.removeDirty(page)
		delete(c.pages, pgno)
	}
	if c.tier != nil {
		c.tier.Clear()
	}
	return pinned
}

// SetMaxPages changes the soft capacity of both tiers.
func (c *PageCache) SetMaxPages(n int) {
	if n <= 0 {
		n = DefaultCacheSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxPages = n
	if c.tier != nil {
		c.tier.UpdateMaxCost(int64(n))
	}
	if len(c.pages) > n {
		c.evictCleanPages()
	}
}

// MaxPages returns the soft capacity.
func (c *PageCache) MaxPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPages
}

// Len returns the number of pages in the table.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Close releases the tier.
func (c *PageCache) Close() {
	if c.tier != nil {
		c.tier.Close()
		c.tier = nil
	}
}
