package btree

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/core/pager"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// Options configure Open.
type Options struct {
	// PageSize applies when the file is created. Zero means the pager default.
	PageSize int
	// CacheSize is the page cache capacity in pages.
	CacheSize int
	// CacheHardLimit, when non-zero, caps pinned plus dirty pages.
	CacheHardLimit int
	// AutoVacuum is AutoVacuumNone, AutoVacuumFull or AutoVacuumIncremental.
	// It applies when the file is created; an existing file keeps its mode.
	AutoVacuum int
	// SharedCache lets handles opened on the same file share one BtShared.
	SharedCache bool
	// Registry used for SharedCache. Nil means DefaultRegistry.
	Registry    *Registry
	ReadOnly    bool
	JournalMode int
	NoSync      bool
	// BusyHandler is called with the number of previous attempts when the
	// file is locked by another connection. Returning true retries.
	BusyHandler func(count int) bool
	// ReadUncommitted exempts this handle from table read locks.
	ReadUncommitted bool
	// SecureDelete overwrites deleted content with zeros.
	SecureDelete bool
}

// BtShared is the state shared by every handle open on one file.
type BtShared struct {
	pager    *pager.Pager
	page1    *MemPage
	filename string
	registry *Registry
	nRef     int

	readOnly      bool
	pageSizeFixed bool
	secureDelete  bool
	autoVacuum    bool
	incrVacuum    bool

	pageSize   int
	usableSize int
	maxLocal   int // Index pages
	minLocal   int
	maxLeaf    int // Table leaves
	minLeaf    int

	inTransaction int
	nTransaction  int
	writer        *Btree
	isExclusive   bool
	isPending     bool
	inStmt        bool

	cursors []*Cursor
	locks   []*btLock

	schema     any
	freeSchema func(any)

	mutex sharedMutex
}

// Btree is one handle on a database file. Handles are not safe for
// concurrent use; handles sharing a BtShared serialise on its mutex.
type Btree struct {
	bt              *BtShared
	id              string
	ctx             context.Context // carries id as the logging conn_id
	inTrans         int
	sharable        bool
	readUncommitted bool
	busyHandler     func(int) bool
	closed          bool
}

// Open opens the database file, creating it if needed. An empty name or
// pager.MemoryFilename gives a private in-memory database.
func Open(filename string, opts Options) (*Btree, error) {
	b := &Btree{
		id:              uuid.NewString(),
		readUncommitted: opts.ReadUncommitted,
		busyHandler:     opts.BusyHandler,
	}
	b.ctx = logging.WithConnID(context.Background(), b.id)
	memory := filename == "" || filename == pager.MemoryFilename

	var reg *Registry
	if opts.SharedCache && !memory {
		reg = opts.Registry
		if reg == nil {
			reg = DefaultRegistry()
		}
		abs, err := filepath.Abs(filename)
		if err != nil {
			return nil, errors.NewIO("open", filename, err)
		}
		if bt := reg.acquire(abs); bt != nil {
			b.bt = bt
			b.sharable = true
			logging.DebugContext(b.ctx, "btree handle attached to shared cache", "file", abs)
			return b, nil
		}
	}

	pg, err := pager.Open(filename, pager.Options{
		PageSize:       opts.PageSize,
		CacheSize:      opts.CacheSize,
		CacheHardLimit: opts.CacheHardLimit,
		ReadOnly:       opts.ReadOnly,
		JournalMode:    opts.JournalMode,
		NoSync:         opts.NoSync,
	})
	if err != nil {
		return nil, err
	}
	bt := &BtShared{
		pager:        pg,
		filename:     pg.Filename(),
		nRef:         1,
		readOnly:     pg.IsReadOnly(),
		secureDelete: opts.SecureDelete,
		pageSize:     pg.PageSize(),
	}
	bt.usableSize = bt.pageSize
	pg.SetReiniter(reinitPage)

	if pg.PageCount() == 0 {
		bt.autoVacuum = opts.AutoVacuum != AutoVacuumNone
		bt.incrVacuum = opts.AutoVacuum == AutoVacuumIncremental
	} else if dbp, err := pg.Get(1); err == nil {
		if hdr, err := pager.ParseDatabaseHeader(dbp.Data); err == nil {
			bt.usableSize = hdr.UsableSize()
			bt.autoVacuum = hdr.LargestRootPage != 0
			bt.incrVacuum = hdr.IncrementalVacuum != 0
		}
		pg.Put(dbp)
		bt.pageSizeFixed = true
	}

	if reg != nil {
		bt.registry = reg
		if winner := reg.add(bt.filename, bt); winner != bt {
			_ = pg.Close()
			bt = winner
		}
		b.sharable = true
	}
	b.bt = bt
	logging.DebugContext(b.ctx, "btree opened", "file", bt.filename,
		"page_size", bt.pageSize, "auto_vacuum", bt.autoVacuum)
	return b, nil
}

// reinitPage marks the decoded view of a page stale after the pager
// replaced its content.
func reinitPage(dbp *pager.DbPage) {
	if p, ok := dbp.Extra.(*MemPage); ok {
		p.isInit = false
	}
}

func (b *Btree) enter() { b.bt.mutex.enter(b) }
func (b *Btree) leave() { b.bt.mutex.leave(b) }

// Close closes every cursor of the handle, rolls back its transaction and,
// for the last handle on the BtShared, closes the file.
func (b *Btree) Close() error {
	if b.closed {
		return nil
	}
	b.enter()
	bt := b.bt
	for _, c := range append([]*Cursor(nil), bt.cursors...) {
		if c.btree == b {
			c.closeLocked()
		}
	}
	err := b.rollbackLocked()
	if err != nil {
		logging.WarnContext(b.ctx, "rollback on close failed", "file", bt.filename, "error", err)
	}
	b.closed = true
	last := true
	if bt.registry != nil {
		last = bt.registry.release(bt)
	} else {
		bt.nRef--
	}
	b.leave()
	if !last {
		return err
	}
	if bt.freeSchema != nil && bt.schema != nil {
		bt.freeSchema(bt.schema)
		bt.schema = nil
	}
	if cerr := bt.pager.Close(); cerr != nil {
		logging.ErrorContext(b.ctx, "closing database file failed", "file", bt.filename, "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	logging.DebugContext(b.ctx, "btree closed", "file", bt.filename)
	return err
}

// corrupt builds a corruption error for pgno and logs it.
func (bt *BtShared) corrupt(pgno Pgno, format string, args ...interface{}) error {
	err := errors.NewCorrupt(uint32(pgno), format, args...)
	logging.CorruptionDetected(bt.filename, uint32(pgno), err.Reason)
	return err
}

// getPage returns page pgno with one more reference. The decoded view is
// shared through the pager page and is not initialised here.
func (bt *BtShared) getPage(pgno Pgno) (*MemPage, error) {
	dbp, err := bt.pager.Get(pgno)
	if err != nil {
		return nil, err
	}
	return bt.memPage(dbp), nil
}

func (bt *BtShared) memPage(dbp *pager.DbPage) *MemPage {
	p, ok := dbp.Extra.(*MemPage)
	if !ok || p.bt != bt || p.dbPage != dbp {
		p = &MemPage{bt: bt, dbPage: dbp}
		dbp.Extra = p
	}
	p.pgno = dbp.Pgno
	p.data = dbp.Data
	p.hdrOffset = 0
	if dbp.Pgno == 1 {
		p.hdrOffset = FileHeaderSize
	}
	return p
}

// getAndInitPage returns btree page pgno, decoded.
func (bt *BtShared) getAndInitPage(pgno Pgno) (*MemPage, error) {
	if pgno == 0 || pgno > bt.pager.PageCount() {
		return nil, bt.corrupt(pgno, "page number out of range")
	}
	p, err := bt.getPage(pgno)
	if err != nil {
		return nil, err
	}
	if err := p.initPage(); err != nil {
		bt.releasePage(p)
		return nil, err
	}
	return p, nil
}

// releasePage drops a reference taken by getPage. Nil is ignored.
func (bt *BtShared) releasePage(p *MemPage) {
	if p != nil {
		bt.pager.Put(p.dbPage)
	}
}

// setPayloadLimits derives the local payload bounds from the usable size.
func (bt *BtShared) setPayloadLimits() {
	u := bt.usableSize
	bt.maxLocal = (u-12)*64/255 - 23
	bt.minLocal = (u-12)*32/255 - 23
	bt.maxLeaf = u - 35
	bt.minLeaf = bt.minLocal
}

// lockBtree pins page 1, which takes the SHARED lock, and checks the file
// header.
func (bt *BtShared) lockBtree() error {
	for attempt := 0; ; attempt++ {
		page1, err := bt.getPage(1)
		if err != nil {
			return err
		}
		bt.pageSize = bt.pager.PageSize()
		bt.usableSize = bt.pageSize
		if bt.pager.PageCount() > 0 {
			hdr, err := pager.ParseDatabaseHeader(page1.data)
			if err == nil {
				err = hdr.Validate()
			}
			if errors.Is(err, errors.ErrReadOnly) {
				bt.readOnly = true
				err = nil
			}
			if err != nil {
				bt.releasePage(page1)
				return err
			}
			if hdr.PageSize != bt.pageSize {
				bt.releasePage(page1)
				if attempt > 0 {
					return bt.corrupt(1, "page size %d does not match the pager", hdr.PageSize)
				}
				if _, err := bt.pager.SetPageSize(hdr.PageSize); err != nil {
					return err
				}
				continue
			}
			bt.usableSize = hdr.UsableSize()
			bt.autoVacuum = hdr.LargestRootPage != 0
			bt.incrVacuum = hdr.IncrementalVacuum != 0
			bt.pageSizeFixed = true
		}
		bt.setPayloadLimits()
		bt.page1 = page1
		return nil
	}
}

// unlockBtreeIfUnused releases page 1, and with it the SHARED lock, when
// no transaction and no cursor needs it.
func (bt *BtShared) unlockBtreeIfUnused() {
	if bt.inTransaction == TransNone && len(bt.cursors) == 0 && bt.page1 != nil {
		page1 := bt.page1
		bt.page1 = nil
		bt.releasePage(page1)
	}
}

// newDatabase writes the file header and an empty table on page 1 when the
// file has no pages.
func (bt *BtShared) newDatabase() error {
	if bt.pager.PageCount() > 0 {
		return nil
	}
	p1 := bt.page1
	if err := bt.pager.Write(p1.dbPage); err != nil {
		return err
	}
	data := p1.data
	copy(data, magicHeader)
	pageSize := bt.pageSize
	if pageSize == pager.MaxPageSize {
		pageSize = 1
	}
	codec.Put2(data[pager.OffsetPageSize:], pageSize)
	data[pager.OffsetFileFormatWrite] = 1
	data[pager.OffsetFileFormatRead] = 1
	data[pager.OffsetReservedSpace] = byte(bt.pageSize - bt.usableSize)
	data[pager.OffsetMaxPayloadFrac] = 64
	data[pager.OffsetMinPayloadFrac] = 32
	data[pager.OffsetLeafPayloadFrac] = 32
	clear(data[pager.OffsetFileChangeCounter:FileHeaderSize])
	if err := p1.zeroPage(PTF_INTKEY | PTF_LEAFDATA | PTF_LEAF); err != nil {
		return err
	}
	bt.pageSizeFixed = true
	codec.Put4(data[offsetMeta+4*MetaLargestRootPage:], uint32(boolInt(bt.autoVacuum)))
	codec.Put4(data[offsetMeta+4*MetaIncrVacuum:], uint32(boolInt(bt.incrVacuum)))
	return nil
}

// Pager returns the pager underneath the handle.
func (b *Btree) Pager() *pager.Pager { return b.bt.pager }

// ID returns the handle's connection id, used in log records.
func (b *Btree) ID() string { return b.id }

// Sharable reports whether the handle shares its BtShared with others.
func (b *Btree) Sharable() bool { return b.sharable }

// GetFilename returns the absolute database file name.
func (b *Btree) GetFilename() string { return b.bt.pager.Filename() }

// GetJournalname returns the rollback journal file name.
func (b *Btree) GetJournalname() string { return b.bt.pager.JournalFilename() }

// SetCacheSize changes the page cache capacity.
func (b *Btree) SetCacheSize(pages int) {
	b.enter()
	defer b.leave()
	b.bt.pager.SetCacheSize(pages)
}

// SetSafetyLevel turns fsync off for level 1 and on otherwise.
func (b *Btree) SetSafetyLevel(level int) {
	b.enter()
	defer b.leave()
	b.bt.pager.SetSyncMode(level <= 1)
}

// SyncDisabled reports whether fsync is off.
func (b *Btree) SyncDisabled() bool {
	b.enter()
	defer b.leave()
	return b.bt.pager.NoSync()
}

// SetPageSize changes the page size, and reserves nReserve bytes at the
// end of each page, as long as the file has no content yet. A page size
// of zero keeps the current one; a negative nReserve keeps the reserve.
func (b *Btree) SetPageSize(pageSize, nReserve int) error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if bt.pageSizeFixed {
		return errors.Wrap(errors.ErrReadOnly, "page size is fixed once the file has content")
	}
	if nReserve < 0 {
		nReserve = bt.pageSize - bt.usableSize
	}
	if pageSize != 0 {
		if !pager.IsValidPageSize(pageSize) {
			return errors.NewValidation("page_size", "must be a power of two between 512 and 65536")
		}
		got, err := bt.pager.SetPageSize(pageSize)
		if err != nil {
			return err
		}
		bt.pageSize = got
	}
	if bt.pageSize-nReserve < 480 {
		return errors.NewValidation("reserve", "usable page size below 480 bytes")
	}
	bt.usableSize = bt.pageSize - nReserve
	return nil
}

// GetPageSize returns the page size.
func (b *Btree) GetPageSize() int {
	b.enter()
	defer b.leave()
	return b.bt.pageSize
}

// GetReserve returns the bytes reserved at the end of each page.
func (b *Btree) GetReserve() int {
	b.enter()
	defer b.leave()
	return b.bt.pageSize - b.bt.usableSize
}

// SetAutoVacuum sets the auto-vacuum mode of a file that has no content
// yet.
func (b *Btree) SetAutoVacuum(mode int) error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if mode < AutoVacuumNone || mode > AutoVacuumIncremental {
		return errors.NewValidation("auto_vacuum", "unknown mode")
	}
	av := mode != AutoVacuumNone
	if bt.pageSizeFixed && av != bt.autoVacuum {
		return errors.Wrap(errors.ErrReadOnly, "auto-vacuum mode is fixed once the file has content")
	}
	bt.autoVacuum = av
	bt.incrVacuum = mode == AutoVacuumIncremental
	return nil
}

// GetAutoVacuum returns the auto-vacuum mode.
func (b *Btree) GetAutoVacuum() int {
	b.enter()
	defer b.leave()
	switch {
	case !b.bt.autoVacuum:
		return AutoVacuumNone
	case b.bt.incrVacuum:
		return AutoVacuumIncremental
	}
	return AutoVacuumFull
}

// SecureDelete sets the secure-delete flag when on is 0 or 1 and returns
// the flag in effect.
func (b *Btree) SecureDelete(on int) bool {
	b.enter()
	defer b.leave()
	if on >= 0 {
		b.bt.secureDelete = on > 0
	}
	return b.bt.secureDelete
}

// PageCount returns the number of pages in the database.
func (b *Btree) PageCount() Pgno {
	b.enter()
	defer b.leave()
	return b.bt.pager.PageCount()
}

// LastPage is PageCount under the name the page walker uses.
func (b *Btree) LastPage() Pgno { return b.PageCount() }

// GetMeta returns meta value idx (0 to 15). Index 0 is the freelist page
// count; the rest are the application meta values stored after it. A
// read transaction must be open.
func (b *Btree) GetMeta(idx int) (uint32, error) {
	b.enter()
	defer b.leave()
	if idx < 0 || idx > MaxMeta {
		return 0, errors.Wrapf(errors.ErrRange, "meta index %d", idx)
	}
	if b.inTrans == TransNone || b.bt.page1 == nil {
		return 0, errors.Wrap(errors.ErrMisuse, "no transaction open")
	}
	if err := b.querySharedCacheTableLock(1, ReadLock); err != nil {
		return 0, err
	}
	return codec.Get4(b.bt.page1.data[offsetMeta+4*idx:]), nil
}

// UpdateMeta stores meta value idx (1 to 15). Setting MetaIncrVacuum also
// switches incremental vacuum on or off.
func (b *Btree) UpdateMeta(idx int, value uint32) error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if idx < 1 || idx > MaxMeta {
		return errors.Wrapf(errors.ErrRange, "meta index %d", idx)
	}
	if b.inTrans != TransWrite {
		return errors.Wrap(errors.ErrMisuse, "no write transaction open")
	}
	if idx == MetaIncrVacuum && !bt.autoVacuum && value != 0 {
		return errors.Wrap(errors.ErrMisuse, "incremental vacuum needs auto-vacuum")
	}
	if err := bt.pager.Write(bt.page1.dbPage); err != nil {
		return err
	}
	codec.Put4(bt.page1.data[offsetMeta+4*idx:], value)
	if idx == MetaIncrVacuum {
		bt.incrVacuum = value != 0
	}
	return nil
}

// Schema returns the schema object cached on the BtShared, creating it
// with newSchema on first use. free is called with it when the last
// handle closes.
func (b *Btree) Schema(newSchema func() any, free func(any)) any {
	b.enter()
	defer b.leave()
	bt := b.bt
	if bt.schema == nil && newSchema != nil {
		bt.schema = newSchema()
		bt.freeSchema = free
	}
	return bt.schema
}

// SchemaLocked reports whether another handle holds a write lock on the
// schema table.
func (b *Btree) SchemaLocked() bool {
	b.enter()
	defer b.leave()
	return b.querySharedCacheTableLock(1, ReadLock) != nil
}
