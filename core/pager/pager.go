package pager

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// Pager states.
const (
	// PagerStateOpen - no lock held, nothing in flight
	PagerStateOpen = iota

	// PagerStateReader - SHARED lock held
	PagerStateReader

	// PagerStateWriterLocked - write transaction begun, nothing changed yet
	PagerStateWriterLocked

	// PagerStateWriterCachemod - pages changed in the cache only
	PagerStateWriterCachemod

	// PagerStateWriterDbmod - the database file has been written
	PagerStateWriterDbmod

	// PagerStateWriterFinished - phase one done, waiting for phase two
	PagerStateWriterFinished

	// PagerStateError - an I/O error left the cache untrustworthy
	PagerStateError
)

// Journal modes.
const (
	JournalModeDelete = iota
	JournalModePersist
	JournalModeOff
	JournalModeTruncate
	JournalModeMemory
)

// MaxPageCount is the largest page number the pager hands out.
const MaxPageCount = 1073741823

// Common errors.
var (
	ErrInvalidPageSize = errors.Wrap(errors.ErrInvalidInput, "invalid page size")
	ErrInvalidPageNum  = errors.Wrap(errors.ErrCorrupt, "invalid page number")
	ErrNoTransaction   = errors.Wrap(errors.ErrMisuse, "no write transaction")
)

// Options configure Open.
type Options struct {
	// PageSize is used when the file is empty. Zero means DefaultPageSize.
	PageSize int
	// CacheSize is the soft page cache capacity in pages.
	CacheSize int
	// CacheHardLimit, when non-zero, caps pinned plus dirty pages.
	CacheHardLimit int
	ReadOnly       bool
	JournalMode    int
	// NoSync skips fsync calls. Commits stay atomic but not durable.
	NoSync bool
}

// Pager turns a database file into numbered, reference-counted pages and
// makes multi-page changes atomic with a rollback journal.
//
// Before a page may be modified it must be passed to Write, which copies
// its original content into the journal the first time it is touched in a
// transaction. The journal is synced before any database page is
// overwritten, and deleting (or truncating, or zeroing) the journal is the
// commit point. A journal left behind by a crash is rolled back the next
// time any pager takes a SHARED lock on the file.
type Pager struct {
	file            file
	filename        string
	journalFilename string
	memory          bool
	locks           *fileLock

	journal     *Journal
	journalMode int
	cache       *PageCache

	state     int
	lockState int
	pageSize  int
	readOnly  bool
	noSync    bool

	// dbSize is the logical size of the database in pages; dbOrigSize is
	// the size when the write transaction began and dbFileSize what the file
	// holds.
	dbSize     Pgno
	dbOrigSize Pgno
	dbFileSize Pgno

	inJournal       map[Pgno]struct{}
	savepoints      []*Savepoint
	changeCounter   uint32
	changeCountDone bool
	nRef            int
	errCode         error
	reiniter        func(*DbPage)

	mu sync.RWMutex
}

// Open opens or creates the database file. The name MemoryFilename (or an
// empty name) yields a private in-memory database.
func Open(filename string, opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if !IsValidPageSize(pageSize) {
		return nil, ErrInvalidPageSize
	}

	p := &Pager{
		pageSize:    pageSize,
		readOnly:    opts.ReadOnly,
		noSync:      opts.NoSync,
		journalMode: opts.JournalMode,
	}

	if filename == "" || filename == MemoryFilename {
		p.memory = true
		p.filename = MemoryFilename
		p.file = newMemFile()
		p.journalMode = JournalModeMemory
		p.readOnly = false
	} else {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return nil, errors.NewIO("open", filename, err)
		}
		f, err := openOSFile(abs, opts.ReadOnly)
		if err != nil {
			return nil, err
		}
		p.file = f
		p.filename = abs
		p.journalFilename = abs + "-journal"
		p.locks = processLocks.acquire(abs)
	}

	size, err := p.file.Size()
	if err != nil {
		p.closeFiles()
		return nil, err
	}
	if size >= DatabaseHeaderSize {
		raw := make([]byte, DatabaseHeaderSize)
		if err := readFull(p.file, raw, 0); err == nil {
			if hdr, err := ParseDatabaseHeader(raw); err == nil {
				p.pageSize = hdr.PageSize
			}
		}
	}
	p.cache = NewPageCache(p.pageSize, opts.CacheSize, opts.CacheHardLimit)
	p.setSizeFromFile(size)
	return p, nil
}

func (p *Pager) setSizeFromFile(size int64) {
	n := Pgno((size + int64(p.pageSize) - 1) / int64(p.pageSize))
	p.dbSize = n
	p.dbFileSize = n
}

func (p *Pager) closeFiles() {
	if p.file != nil {
		_ = p.file.Close()
	}
	if p.locks != nil {
		processLocks.release(p.locks)
		p.locks = nil
	}
}

// Close rolls back any open write transaction and releases the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.state >= PagerStateWriterLocked {
		err = p.rollbackLocked()
	}
	if p.journal != nil {
		_ = p.journal.Close()
		p.journal = nil
	}
	p.unlockLocked(LockNone)
	p.cache.Close()
	p.closeFiles()
	return err
}

// SetReiniter installs a hook called for every page whose content the
// pager replaces underneath its holders (rollback, savepoint restore).
func (p *Pager) SetReiniter(fn func(*DbPage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reiniter = fn
}

// SharedLock takes the SHARED lock if it is not already held, rolling back
// a hot journal first if one is found.
func (p *Pager) SharedLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	return p.sharedLockLocked()
}

func (p *Pager) sharedLockLocked() error {
	if p.lockState >= LockShared {
		return nil
	}
	if p.locks != nil {
		lvl, err := processLocks.lock(p.locks, p.lockState, LockShared)
		if err != nil {
			return err
		}
		p.lockState = lvl
	} else {
		p.lockState = LockShared
	}
	if p.state == PagerStateOpen {
		p.state = PagerStateReader
	}

	if p.hasHotJournalLocked() {
		if err := p.playbackHotJournalLocked(); err != nil {
			p.unlockLocked(LockNone)
			return err
		}
	}

	size, err := p.file.Size()
	if err != nil {
		p.unlockLocked(LockNone)
		return err
	}
	if size >= DatabaseHeaderSize && p.nRef == 0 {
		raw := make([]byte, DatabaseHeaderSize)
		if err := readFull(p.file, raw, 0); err != nil {
			p.unlockLocked(LockNone)
			return err
		}
		if hdr, err := ParseDatabaseHeader(raw); err == nil && hdr.PageSize != p.pageSize {
			old := p.cache
			old.Clear()
			old.Close()
			p.pageSize = hdr.PageSize
			p.cache = NewPageCache(p.pageSize, old.maxPages, old.hardLimit)
		}
	}
	p.setSizeFromFile(size)

	var cc uint32
	if size >= OffsetFileChangeCounter+4 {
		buf := make([]byte, 4)
		if err := readFull(p.file, buf, OffsetFileChangeCounter); err != nil {
			p.unlockLocked(LockNone)
			return err
		}
		cc = binary.BigEndian.Uint32(buf)
	}
	if cc != p.changeCounter || p.dbSize == 0 {
		p.reloadPinned(p.cache.Clear())
		p.changeCounter = cc
	}
	return nil
}

func (p *Pager) hasHotJournalLocked() bool {
	if p.memory || p.journalFilename == "" {
		return false
	}
	if !fileExists(p.journalFilename) {
		return false
	}
	return !processLocks.reservedByOther(p.locks, p.lockState)
}

// playbackHotJournalLocked restores the database from a journal left by a
// writer that never reached its commit point.
func (p *Pager) playbackHotJournalLocked() error {
	if p.readOnly {
		return errors.Wrap(errors.ErrReadOnly, "hot journal needs rollback")
	}
	if processLocks.sharedCount(p.locks) > 1 {
		return errors.ErrBusy
	}
	f, err := openOSFile(p.journalFilename, false)
	if err != nil {
		return err
	}
	hdr, recs, super, err := readJournal(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if hdr == nil {
		_ = f.Close()
		return nil
	}
	if super != "" && !fileExists(super) {
		// The multi-file commit this journal belonged to completed.
		_ = f.Close()
		return p.removeJournalFile()
	}

	pageSize := int64(hdr.PageSize)
	for _, rec := range recs {
		if rec.pgno > hdr.InitialSize {
			continue
		}
		if _, err := p.file.WriteAt(rec.data, int64(rec.pgno-1)*pageSize); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := p.file.Truncate(int64(hdr.InitialSize) * pageSize); err != nil {
		_ = f.Close()
		return err
	}
	if err := p.syncFile(p.file); err != nil {
		_ = f.Close()
		return err
	}
	_ = f.Close()
	if err := p.removeJournalFile(); err != nil {
		return err
	}
	p.reloadPinned(p.cache.Clear())
	logging.RecoveryEvent(p.filename, len(recs))
	return nil
}

func (p *Pager) removeJournalFile() error {
	if err := os.Remove(p.journalFilename); err != nil && !os.IsNotExist(err) {
		return errors.NewIO("delete", p.journalFilename, err)
	}
	return nil
}

// unlockLocked drops the file lock to level.
func (p *Pager) unlockLocked(level int) {
	if p.lockState <= level {
		return
	}
	if p.locks != nil {
		p.lockState = processLocks.unlock(p.locks, p.lockState, level)
	} else {
		p.lockState = level
	}
	if level == LockNone {
		p.state = PagerStateOpen
	}
}

// Get returns page pgno with one more reference. Pages beyond the end of
// the database read as zeros.
func (p *Pager) Get(pgno Pgno) (*DbPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(pgno)
}

func (p *Pager) getLocked(pgno Pgno) (*DbPage, error) {
	if p.errCode != nil {
		return nil, p.errCode
	}
	if pgno == 0 || pgno > MaxPageCount {
		return nil, ErrInvalidPageNum
	}
	if err := p.sharedLockLocked(); err != nil {
		return nil, err
	}
	if page := p.cache.Get(pgno); page != nil {
		page.Ref()
		p.nRef++
		return page, nil
	}

	page := NewDbPage(pgno, p.pageSize)
	page.pager = p
	if pgno <= p.dbSize {
		if img, ok := p.cache.Spilled(pgno); ok {
			page.Data = img
		} else if pgno <= p.dbFileSize {
			if err := readFull(p.file, page.Data, int64(pgno-1)*int64(p.pageSize)); err != nil {
				return nil, err
			}
		}
	}
	if err := p.cache.Put(page); err != nil {
		return nil, err
	}
	p.nRef++
	return page, nil
}

// Lookup returns page pgno with one more reference if it is cached.
func (p *Pager) Lookup(pgno Pgno) *DbPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := p.cache.Get(pgno)
	if page != nil {
		page.Ref()
		p.nRef++
	}
	return page
}

// Ref adds a reference to a page already obtained from Get.
func (p *Pager) Ref(page *DbPage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page.Ref()
	p.nRef++
}

// Put releases one reference. When the last reference goes and no write
// transaction is open the SHARED lock is dropped.
func (p *Pager) Put(page *DbPage) {
	if page == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	page.Unref()
	if p.nRef > 0 {
		p.nRef--
	}
	p.unlockIfUnusedLocked()
}

func (p *Pager) unlockIfUnusedLocked() {
	if p.nRef == 0 && p.state == PagerStateReader {
		p.unlockLocked(LockNone)
	}
}

// Begin opens a write transaction, taking the RESERVED lock (EXCLUSIVE when
// exclusive is set). It returns ErrBusy if another connection writes.
func (p *Pager) Begin(exclusive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.readOnly {
		return errors.ErrReadOnly
	}
	if p.state >= PagerStateWriterLocked {
		return nil
	}
	if err := p.sharedLockLocked(); err != nil {
		return err
	}
	want := LockReserved
	if exclusive {
		want = LockExclusive
	}
	if p.locks != nil {
		lvl, err := processLocks.lock(p.locks, p.lockState, want)
		if lvl > p.lockState {
			p.lockState = lvl
		}
		if err != nil {
			if p.lockState > LockShared {
				p.unlockLocked(LockShared)
			}
			p.unlockIfUnusedLocked()
			return err
		}
	} else {
		p.lockState = want
	}
	p.state = PagerStateWriterLocked
	p.dbOrigSize = p.dbSize
	p.inJournal = make(map[Pgno]struct{})
	p.changeCountDone = false
	return nil
}

func (p *Pager) openJournalLocked() error {
	if p.journal != nil {
		return nil
	}
	var f file
	name := ""
	if p.memory || p.journalMode == JournalModeMemory {
		f = newMemFile()
	} else {
		of, err := openOSFile(p.journalFilename, false)
		if err != nil {
			return err
		}
		f = of
		name = p.journalFilename
	}
	j := NewJournal(f, name, p.pageSize, p.dbOrigSize)
	if err := j.Open(); err != nil {
		_ = f.Close()
		return err
	}
	p.journal = j
	return nil
}

// Write makes page writable: the original image goes to the journal (and
// to any open savepoint) before the caller changes Data.
func (p *Pager) Write(page *DbPage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(page)
}

func (p *Pager) writeLocked(page *DbPage) error {
	if p.errCode != nil {
		return p.errCode
	}
	if p.readOnly {
		return errors.ErrReadOnly
	}
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}

	if page.Pgno <= p.dbOrigSize && p.journalMode != JournalModeOff {
		if _, done := p.inJournal[page.Pgno]; !done {
			orig := page.Data
			if page.Pgno > p.dbSize {
				// Truncated away earlier in this transaction; the file
				// still holds the original.
				orig = make([]byte, p.pageSize)
				if err := readFull(p.file, orig, int64(page.Pgno-1)*int64(p.pageSize)); err != nil {
					return p.setError(err)
				}
			}
			if err := p.openJournalLocked(); err != nil {
				return p.setError(err)
			}
			if err := p.journal.WriteOriginal(page.Pgno, orig); err != nil {
				return p.setError(err)
			}
			p.inJournal[page.Pgno] = struct{}{}
		}
	}

	p.savePageState(page)
	p.cache.MarkDirty(page)
	p.cache.Forget(page.Pgno)
	page.Flags &^= PageFlagDontWrite
	if page.Pgno > p.dbSize {
		p.dbSize = page.Pgno
	}
	if p.state < PagerStateWriterCachemod {
		p.state = PagerStateWriterCachemod
	}
	return nil
}

// IsWritable reports whether page was passed to Write in this transaction.
func (p *Pager) IsWritable(page *DbPage) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state >= PagerStateWriterLocked && page.IsDirty()
}

func (p *Pager) setError(err error) error {
	if errors.Is(err, errors.ErrIO) {
		p.errCode = err
		p.state = PagerStateError
		logging.Warn("pager entered error state", "file", p.filename, "error", err)
	}
	return err
}

// TruncateImage shrinks the logical database to n pages. The file itself is
// truncated during commit.
func (p *Pager) TruncateImage(n Pgno) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n >= p.dbSize {
		return
	}
	for _, page := range p.cache.Pages() {
		if page.Pgno > n {
			p.savePageState(page)
		}
	}
	p.dbSize = n
	p.cache.TruncateTo(n)
}

// incrChangeCounterLocked bumps the file change counter and refreshes the
// in-header size and version fields on page 1.
func (p *Pager) incrChangeCounterLocked() error {
	if p.changeCountDone || p.dbSize == 0 {
		return nil
	}
	page1, err := p.getLocked(1)
	if err != nil {
		return err
	}
	defer func() {
		page1.Unref()
		p.nRef--
	}()
	if err := p.writeLocked(page1); err != nil {
		return err
	}
	cc := binary.BigEndian.Uint32(page1.Data[OffsetFileChangeCounter:]) + 1
	binary.BigEndian.PutUint32(page1.Data[OffsetFileChangeCounter:], cc)
	binary.BigEndian.PutUint32(page1.Data[OffsetDatabaseSize:], uint32(p.dbSize))
	binary.BigEndian.PutUint32(page1.Data[OffsetVersionValidFor:], cc)
	binary.BigEndian.PutUint32(page1.Data[OffsetSQLiteVersion:], SQLiteVersionNumber)
	p.changeCountDone = true
	return nil
}

// CommitPhaseOne makes the transaction durable up to the commit point: the
// journal (with superJournal recorded, if given) is synced, the EXCLUSIVE
// lock taken, dirty pages written and the file truncated and synced. Only
// deleting the journal in CommitPhaseTwo remains.
func (p *Pager) CommitPhaseOne(superJournal string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	if p.state == PagerStateWriterFinished {
		return nil
	}
	if p.state == PagerStateWriterLocked && p.dbSize == p.dbOrigSize {
		return nil
	}

	if err := p.incrChangeCounterLocked(); err != nil {
		return err
	}

	if p.dbSize < p.dbOrigSize && p.journalMode != JournalModeOff {
		for pgno := p.dbSize + 1; pgno <= p.dbOrigSize; pgno++ {
			if _, done := p.inJournal[pgno]; done {
				continue
			}
			orig := make([]byte, p.pageSize)
			if err := readFull(p.file, orig, int64(pgno-1)*int64(p.pageSize)); err != nil {
				return p.setError(err)
			}
			if err := p.openJournalLocked(); err != nil {
				return p.setError(err)
			}
			if err := p.journal.WriteOriginal(pgno, orig); err != nil {
				return p.setError(err)
			}
			p.inJournal[pgno] = struct{}{}
		}
	}

	if p.journal != nil {
		if superJournal != "" {
			if err := p.journal.WriteSuper(superJournal); err != nil {
				return p.setError(err)
			}
		}
		if err := p.syncFile(p.journal.file); err != nil {
			return p.setError(err)
		}
	}

	if p.locks != nil {
		lvl, err := processLocks.lock(p.locks, p.lockState, LockExclusive)
		if lvl > p.lockState {
			p.lockState = lvl
		}
		if err != nil {
			return err
		}
	} else {
		p.lockState = LockExclusive
	}

	for _, page := range p.cache.DirtyPages() {
		if page.Pgno > p.dbSize || page.Flags&PageFlagDontWrite != 0 {
			continue
		}
		if _, err := p.file.WriteAt(page.Data, int64(page.Pgno-1)*int64(p.pageSize)); err != nil {
			return p.setError(err)
		}
		p.state = PagerStateWriterDbmod
	}
	if p.dbSize < p.dbFileSize {
		if err := p.file.Truncate(int64(p.dbSize) * int64(p.pageSize)); err != nil {
			return p.setError(err)
		}
		p.state = PagerStateWriterDbmod
	}
	if err := p.syncFile(p.file); err != nil {
		return p.setError(err)
	}
	p.dbFileSize = p.dbSize
	p.state = PagerStateWriterFinished
	return nil
}

// CommitPhaseTwo finalizes the journal, which is the commit point, and
// drops back to a SHARED (or no) lock.
func (p *Pager) CommitPhaseTwo() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	if p.state != PagerStateWriterFinished && p.state != PagerStateWriterLocked {
		return errors.Wrap(errors.ErrMisuse, "commit phase one has not run")
	}
	if err := p.finalizeJournalLocked(); err != nil {
		return p.setError(err)
	}
	if p.state == PagerStateWriterFinished && p.dbSize > 0 {
		if page1 := p.cache.Get(1); page1 != nil {
			p.changeCounter = binary.BigEndian.Uint32(page1.Data[OffsetFileChangeCounter:])
		}
	}
	p.endTransactionLocked()
	return nil
}

// Commit runs both commit phases.
func (p *Pager) Commit() error {
	if err := p.CommitPhaseOne(""); err != nil {
		return err
	}
	return p.CommitPhaseTwo()
}

func (p *Pager) finalizeJournalLocked() error {
	if p.journal == nil {
		return nil
	}
	j := p.journal
	p.journal = nil
	switch {
	case j.filename == "":
		return j.Close()
	case p.journalMode == JournalModeTruncate:
		err := j.Truncate()
		if err == nil {
			err = p.syncFile(j.file)
		}
		_ = j.Close()
		return err
	case p.journalMode == JournalModePersist:
		err := j.ZeroHeader()
		_ = j.Close()
		return err
	default:
		_ = j.Close()
		return p.removeJournalFile()
	}
}

func (p *Pager) endTransactionLocked() {
	p.cache.MakeClean()
	p.inJournal = nil
	p.clearSavepointsLocked()
	p.dbOrigSize = p.dbSize
	p.changeCountDone = false
	p.state = PagerStateReader
	p.unlockLocked(LockShared)
	p.unlockIfUnusedLocked()
}

// Rollback abandons the write transaction. Pinned pages are reloaded in
// place; everything else is dropped from the cache.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rollbackLocked()
}

func (p *Pager) rollbackLocked() error {
	if p.state < PagerStateWriterLocked {
		return nil
	}
	var err error
	if p.state >= PagerStateWriterDbmod {
		err = p.playbackLocked()
	}
	if ferr := p.finalizeJournalLocked(); err == nil {
		err = ferr
	}
	p.dbSize = p.dbOrigSize
	if err == nil {
		p.errCode = nil
		if size, serr := p.file.Size(); serr == nil {
			p.dbFileSize = Pgno((size + int64(p.pageSize) - 1) / int64(p.pageSize))
		}
	}
	p.cache.MakeClean()
	p.reloadPinned(p.cache.Clear())
	p.inJournal = nil
	p.clearSavepointsLocked()
	p.changeCountDone = false
	p.state = PagerStateReader
	p.unlockLocked(LockShared)
	p.unlockIfUnusedLocked()
	return err
}

// playbackLocked copies every journaled image back into the file.
func (p *Pager) playbackLocked() error {
	if p.journal == nil {
		if p.journalMode == JournalModeOff {
			return errors.Wrap(errors.ErrCorrupt, "cannot roll back without a journal")
		}
		return nil
	}
	_, recs, _, err := readJournal(p.journal.file)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.pgno > p.dbOrigSize {
			continue
		}
		if _, err := p.file.WriteAt(rec.data, int64(rec.pgno-1)*int64(p.pageSize)); err != nil {
			return err
		}
	}
	if err := p.file.Truncate(int64(p.dbOrigSize) * int64(p.pageSize)); err != nil {
		return err
	}
	return p.syncFile(p.file)
}

// reloadPinned refreshes pages that holders still reference from the file.
func (p *Pager) reloadPinned(pages []*DbPage) {
	for _, page := range pages {
		page.MakeClean()
		if page.Pgno <= p.dbSize && page.Pgno <= p.dbFileSize {
			if err := readFull(p.file, page.Data, int64(page.Pgno-1)*int64(p.pageSize)); err != nil {
				clear(page.Data)
			}
		} else {
			clear(page.Data)
		}
		if p.reiniter != nil {
			p.reiniter(page)
		}
	}
}

func (p *Pager) syncFile(f file) error {
	if p.noSync {
		return nil
	}
	return f.Sync()
}

// Sync flushes the database file.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncFile(p.file)
}

// PageCount returns the logical database size in pages.
func (p *Pager) PageCount() Pgno {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dbSize
}

// PageSize returns the page size in bytes.
func (p *Pager) PageSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageSize
}

// SetPageSize changes the page size when no page is in use and the file is
// empty. It returns the page size in effect afterwards.
func (p *Pager) SetPageSize(size int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !IsValidPageSize(size) {
		return p.pageSize, ErrInvalidPageSize
	}
	if size == p.pageSize || p.nRef > 0 || p.memory && p.dbSize > 0 {
		return p.pageSize, nil
	}
	if fsize, err := p.file.Size(); err != nil || fsize > 0 {
		return p.pageSize, err
	}
	p.cache.Clear()
	max, hard := p.cache.maxPages, p.cache.hardLimit
	p.cache.Close()
	p.pageSize = size
	p.cache = NewPageCache(size, max, hard)
	return p.pageSize, nil
}

// SetCacheSize changes the page cache capacity.
func (p *Pager) SetCacheSize(pages int) {
	p.cache.SetMaxPages(pages)
}

// CacheSize returns the page cache capacity.
func (p *Pager) CacheSize() int {
	return p.cache.MaxPages()
}

// SetSyncMode turns fsync on or off.
func (p *Pager) SetSyncMode(noSync bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noSync = noSync
}

// NoSync reports whether fsync is disabled.
func (p *Pager) NoSync() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.noSync
}

// SetJournalMode changes how the journal is finalized. It fails inside a
// write transaction.
func (p *Pager) SetJournalMode(mode int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state >= PagerStateWriterLocked {
		return errors.Wrap(errors.ErrMisuse, "cannot change journal mode inside a transaction")
	}
	switch mode {
	case JournalModeDelete, JournalModePersist, JournalModeOff, JournalModeTruncate, JournalModeMemory:
		if !p.memory {
			p.journalMode = mode
		}
		return nil
	}
	return errors.NewValidation("journal_mode", "unknown journal mode")
}

// JournalMode returns the journal mode.
func (p *Pager) JournalMode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.journalMode
}

// Filename returns the absolute database path or MemoryFilename.
func (p *Pager) Filename() string { return p.filename }

// JournalFilename returns the journal path, empty for in-memory databases.
func (p *Pager) JournalFilename() string { return p.journalFilename }

// IsMemory reports whether the database lives in memory.
func (p *Pager) IsMemory() bool { return p.memory }

// IsReadOnly reports whether the pager refuses writes.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// RefCount returns the number of outstanding page references.
func (p *Pager) RefCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nRef
}

// State returns the pager state.
func (p *Pager) State() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LockState returns the file lock level held.
func (p *Pager) LockState() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lockState
}

// InWriteTransaction reports whether a write transaction is open.
func (p *Pager) InWriteTransaction() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state >= PagerStateWriterLocked && p.state < PagerStateError
}

// ChangeCounter returns the file change counter last seen or written.
func (p *Pager) ChangeCounter() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.changeCounter
}

// CacheLen returns the number of pages in the pin table.
func (p *Pager) CacheLen() int { return p.cache.Len() }
