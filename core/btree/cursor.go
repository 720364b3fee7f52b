package btree

import (
	"bytes"
	"slices"

	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Cursor states.
const (
	cursorInvalid     = iota // No current entry
	cursorValid              // pages and idx describe the entry
	cursorRequireSeek        // Position saved as a key; restored on next use
	cursorFault              // Tripped; every call returns faultErr
)

// Cursor walks the entries of one table. The path from the root to the
// current page is kept as a stack of pinned pages and cell indexes.
type Cursor struct {
	btree  *Btree
	bt     *BtShared
	root   Pgno
	wrFlag bool
	intKey bool

	state    int
	skip     int // Set by a restore: >0 already on the next entry, <0 on the previous
	faultErr error
	key      []byte // Saved key of an index cursor
	nKey     int64  // Saved integer key, or the saved key length

	info      CellInfo
	validInfo bool
	atLast    bool

	isIncrblob bool
	overflow   []Pgno // Overflow page numbers of the current cell, cached for blob I/O

	iPage int
	pages [MaxBtreeDepth]*MemPage
	idx   [MaxBtreeDepth]int

	compare func(a, b []byte) int
}

// Comparator orders the keys of an index table. It returns a negative
// number, zero or a positive number as a sorts before, with or after b.
type Comparator func(a, b []byte) int

// OpenCursor opens a cursor on the table rooted at root. A read
// transaction must be open; a write cursor also needs the handle to be
// able to write. compare orders index keys and defaults to bytes.Compare.
func (b *Btree) OpenCursor(root Pgno, wrFlag bool, compare Comparator) (*Cursor, error) {
	b.enter()
	defer b.leave()
	bt := b.bt

	if b.inTrans == TransNone || bt.page1 == nil {
		return nil, errors.Wrap(errors.ErrMisuse, "cursor needs an open transaction")
	}
	lockType := ReadLock
	if wrFlag {
		if bt.readOnly {
			return nil, errors.ErrReadOnly
		}
		if err := b.checkReadLocks(root, nil, -1); err != nil {
			return nil, err
		}
		lockType = WriteLock
	}
	if err := b.querySharedCacheTableLock(root, lockType); err != nil {
		return nil, err
	}
	if root == 1 && bt.pager.PageCount() == 0 {
		return nil, errors.ErrEmpty
	}
	rootPage, err := bt.getAndInitPage(root)
	if err != nil {
		return nil, err
	}
	b.setSharedCacheTableLock(root, lockType)

	c := &Cursor{
		btree:   b,
		bt:      bt,
		root:    root,
		wrFlag:  wrFlag,
		intKey:  rootPage.intKey,
		state:   cursorInvalid,
		compare: bytes.Compare,
	}
	if compare != nil {
		c.compare = compare
	}
	c.pages[0] = rootPage
	bt.cursors = append(bt.cursors, c)
	return c, nil
}

// Close releases the cursor's pages. Closing twice is harmless.
func (c *Cursor) Close() error {
	if c.bt == nil {
		return nil
	}
	b := c.btree
	b.enter()
	defer b.leave()
	c.closeLocked()
	return nil
}

func (c *Cursor) closeLocked() {
	bt := c.bt
	if bt == nil {
		return
	}
	c.releaseAll()
	if i := slices.Index(bt.cursors, c); i >= 0 {
		bt.cursors = slices.Delete(bt.cursors, i, i+1)
	}
	bt.unlockBtreeIfUnused()
	c.state = cursorInvalid
	c.bt = nil
}

// releaseAll unpins the page stack.
func (c *Cursor) releaseAll() {
	for i := 0; i <= c.iPage && i < MaxBtreeDepth; i++ {
		c.bt.releasePage(c.pages[i])
		c.pages[i] = nil
	}
	c.iPage = -1
}

// invalidateInfo drops everything cached about the current cell.
func (c *Cursor) invalidateInfo() {
	c.validInfo = false
	c.overflow = nil
}

// cellInfo returns the parsed current cell. The cursor must be valid.
func (c *Cursor) cellInfo() *CellInfo {
	if !c.validInfo {
		p := c.pages[c.iPage]
		c.info = p.parseCell(p.cellAt(c.idx[c.iPage]))
		c.validInfo = true
	}
	return &c.info
}

// savePosition records the current key and unpins the pages so that the
// tree can change underneath.
func (c *Cursor) savePosition() error {
	info := c.cellInfo()
	c.nKey = info.Key
	if !c.intKey {
		key := make([]byte, c.nKey)
		if err := c.accessPayload(0, len(key), key, false, false); err != nil {
			return err
		}
		c.key = key
	}
	c.releaseAll()
	c.invalidateInfo()
	c.state = cursorRequireSeek
	return nil
}

// saveAllCursors saves every valid cursor on table root (every table when
// root is 0) except the given one. Invalid cursors give up their pages.
func (bt *BtShared) saveAllCursors(root Pgno, except *Cursor) error {
	for _, c := range bt.cursors {
		if c == except || (root != 0 && c.root != root) {
			continue
		}
		switch c.state {
		case cursorValid:
			if err := c.savePosition(); err != nil {
				return err
			}
		case cursorInvalid, cursorFault:
			c.releaseAll()
		}
	}
	return nil
}

// restorePosition moves a saved cursor back to its key, or next to where
// the key would be.
func (c *Cursor) restorePosition() error {
	if c.state == cursorFault {
		return c.faultErr
	}
	c.state = cursorInvalid
	res, err := c.moveTo(c.key, c.nKey, false)
	if err != nil {
		return err
	}
	c.key = nil
	c.skip = res
	return nil
}

func (c *Cursor) restoreIfNeeded() error {
	if c.state >= cursorRequireSeek {
		return c.restorePosition()
	}
	return nil
}

// Valid reports whether the cursor points at an entry, restoring a saved
// position first. A cursor whose entry was deleted reports the neighbour.
func (c *Cursor) Valid() (bool, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.restoreIfNeeded(); err != nil {
		return false, err
	}
	return c.state == cursorValid, nil
}

// trip puts the cursor in the fault state; every later call returns err.
func (c *Cursor) trip(err error) {
	c.releaseAll()
	c.invalidateInfo()
	c.key = nil
	c.state = cursorFault
	c.faultErr = err
}

// TripAllCursors faults every cursor on the BtShared with err. Used when
// the in-memory tree can no longer be trusted.
func (b *Btree) TripAllCursors(err error) {
	b.enter()
	defer b.leave()
	b.tripAllCursorsLocked(err)
}

func (b *Btree) tripAllCursorsLocked(err error) {
	if err == nil {
		err = errors.ErrAbort
	}
	for _, c := range b.bt.cursors {
		c.trip(err)
	}
}

func (c *Cursor) moveToChild(child Pgno) error {
	bt := c.bt
	if c.iPage >= MaxBtreeDepth-1 {
		return bt.corrupt(child, "tree deeper than %d levels", MaxBtreeDepth)
	}
	p, err := bt.getAndInitPage(child)
	if err != nil {
		return err
	}
	c.iPage++
	c.pages[c.iPage] = p
	c.idx[c.iPage] = 0
	c.invalidateInfo()
	c.atLast = false
	if p.nCell < 1 {
		return p.corrupt("non-root page has no cells")
	}
	return nil
}

func (c *Cursor) moveToParent() {
	c.bt.releasePage(c.pages[c.iPage])
	c.pages[c.iPage] = nil
	c.iPage--
	c.invalidateInfo()
	c.atLast = false
}

// moveToRoot positions the cursor on the first cell of the root, or on the
// single child of a root reduced to a right pointer.
func (c *Cursor) moveToRoot() error {
	bt := c.bt
	if c.state >= cursorRequireSeek {
		if c.state == cursorFault {
			return c.faultErr
		}
		c.key = nil
	}
	if c.iPage >= 0 {
		for i := 1; i <= c.iPage; i++ {
			bt.releasePage(c.pages[i])
			c.pages[i] = nil
		}
		c.iPage = 0
	} else {
		p, err := bt.getAndInitPage(c.root)
		if err != nil {
			c.state = cursorInvalid
			return err
		}
		c.pages[0] = p
		c.iPage = 0
	}
	root := c.pages[0]
	if err := root.initPage(); err != nil {
		c.state = cursorInvalid
		return err
	}
	c.idx[0] = 0
	c.invalidateInfo()
	c.atLast = false
	c.skip = 0

	if root.nCell == 0 && !root.leaf {
		c.state = cursorValid
		return c.moveToChild(root.rightChild())
	}
	if root.nCell > 0 {
		c.state = cursorValid
	} else {
		c.state = cursorInvalid
	}
	return nil
}

func (c *Cursor) moveToLeftmost() error {
	for {
		p := c.pages[c.iPage]
		if p.leaf {
			return nil
		}
		if err := c.moveToChild(p.childAt(c.idx[c.iPage])); err != nil {
			return err
		}
	}
}

func (c *Cursor) moveToRightmost() error {
	for {
		p := c.pages[c.iPage]
		if p.leaf {
			c.idx[c.iPage] = p.nCell - 1
			c.invalidateInfo()
			return nil
		}
		c.idx[c.iPage] = p.nCell
		if err := c.moveToChild(p.rightChild()); err != nil {
			return err
		}
	}
}

// First moves to the first entry. It reports false for an empty table.
func (c *Cursor) First() (bool, error) {
	c.btree.enter()
	defer c.btree.leave()
	if c.state == cursorFault {
		return false, c.faultErr
	}
	if err := c.moveToRoot(); err != nil {
		return false, err
	}
	if c.state == cursorInvalid {
		return false, nil
	}
	if err := c.moveToLeftmost(); err != nil {
		return false, err
	}
	return true, nil
}

// Last moves to the last entry. It reports false for an empty table.
func (c *Cursor) Last() (bool, error) {
	c.btree.enter()
	defer c.btree.leave()
	if c.state == cursorFault {
		return false, c.faultErr
	}
	if c.state == cursorValid && c.atLast {
		return true, nil
	}
	if err := c.moveToRoot(); err != nil {
		return false, err
	}
	if c.state == cursorInvalid {
		return false, nil
	}
	if err := c.moveToRightmost(); err != nil {
		return false, err
	}
	c.atLast = true
	return true, nil
}

// Next moves to the following entry. It reports false, leaving the
// cursor invalid, when there is none.
func (c *Cursor) Next() (bool, error) {
	c.btree.enter()
	defer c.btree.leave()
	return c.next()
}

func (c *Cursor) next() (bool, error) {
	if err := c.restoreIfNeeded(); err != nil {
		return false, err
	}
	if c.state == cursorInvalid {
		return false, nil
	}
	if c.skip > 0 {
		c.skip = 0
		return true, nil
	}
	c.skip = 0
	c.atLast = false

	p := c.pages[c.iPage]
	c.idx[c.iPage]++
	c.invalidateInfo()
	if c.idx[c.iPage] >= p.nCell {
		if !p.leaf {
			if err := c.moveToChild(p.rightChild()); err != nil {
				return false, err
			}
			return true, c.moveToLeftmost()
		}
		for {
			if c.iPage == 0 {
				c.state = cursorInvalid
				return false, nil
			}
			c.moveToParent()
			p = c.pages[c.iPage]
			if c.idx[c.iPage] < p.nCell {
				break
			}
		}
		if p.intKey {
			// Interior cells of a table only divide; they are not entries.
			return c.next()
		}
		return true, nil
	}
	if p.leaf {
		return true, nil
	}
	return true, c.moveToLeftmost()
}

// Previous moves to the preceding entry. It reports false, leaving the
// cursor invalid, when there is none.
func (c *Cursor) Previous() (bool, error) {
	c.btree.enter()
	defer c.btree.leave()
	return c.previous()
}

func (c *Cursor) previous() (bool, error) {
	if err := c.restoreIfNeeded(); err != nil {
		return false, err
	}
	c.atLast = false
	if c.state == cursorInvalid {
		return false, nil
	}
	if c.skip < 0 {
		c.skip = 0
		return true, nil
	}
	c.skip = 0

	p := c.pages[c.iPage]
	if !p.leaf {
		if err := c.moveToChild(p.childAt(c.idx[c.iPage])); err != nil {
			return false, err
		}
		return true, c.moveToRightmost()
	}
	for c.idx[c.iPage] == 0 {
		if c.iPage == 0 {
			c.state = cursorInvalid
			return false, nil
		}
		c.moveToParent()
	}
	c.idx[c.iPage]--
	c.invalidateInfo()
	if p = c.pages[c.iPage]; p.intKey && !p.leaf {
		return c.previous()
	}
	return true, nil
}

// MoveTo positions the cursor near key: intKey on table trees, key on
// index trees. The result is 0 on an exact match, negative when the
// cursor is left on an entry smaller than the key and positive when it is
// left on a larger one. On an empty table the result is negative and the
// cursor invalid. biasRight tries the last cell of each page first, which
// suits appends.
func (c *Cursor) MoveTo(key []byte, intKey int64, biasRight bool) (int, error) {
	c.btree.enter()
	defer c.btree.leave()
	return c.moveTo(key, intKey, biasRight)
}

func (c *Cursor) moveTo(key []byte, intKey int64, biasRight bool) (int, error) {
	if c.state == cursorValid && c.intKey {
		k := c.cellInfo().Key
		if k == intKey {
			return 0, nil
		}
		if c.atLast && k < intKey {
			return -1, nil
		}
	}
	if err := c.moveToRoot(); err != nil {
		return 0, err
	}
	if c.state == cursorInvalid {
		return -1, nil
	}
	for {
		p := c.pages[c.iPage]
		lwr, upr := 0, p.nCell-1
		cmp := -1
		if biasRight {
			c.idx[c.iPage] = upr
		} else {
			c.idx[c.iPage] = (upr + lwr) / 2
		}
		for lwr <= upr {
			idx := c.idx[c.iPage]
			c.invalidateInfo()
			var err error
			if cmp, err = c.compareCell(p, idx, key, intKey); err != nil {
				return 0, err
			}
			if cmp == 0 {
				if p.intKey && !p.leaf {
					lwr = idx
					break
				}
				return 0, nil
			}
			if cmp < 0 {
				lwr = idx + 1
			} else {
				upr = idx - 1
			}
			if lwr > upr {
				break
			}
			c.idx[c.iPage] = (lwr + upr) / 2
		}
		if p.leaf {
			return cmp, nil
		}
		child := p.childAt(lwr)
		c.idx[c.iPage] = lwr
		c.invalidateInfo()
		if err := c.moveToChild(child); err != nil {
			return 0, err
		}
	}
}

// compareCell compares cell idx of p, on which the cursor sits, with the
// search key.
func (c *Cursor) compareCell(p *MemPage, idx int, key []byte, intKey int64) (int, error) {
	if p.intKey {
		cell := p.cellAt(idx)[p.childPtrSize:]
		if p.hasData {
			_, n := codec.GetVarint32(cell)
			cell = cell[n:]
		}
		v, _ := codec.GetVarint(cell)
		switch k := int64(v); {
		case k == intKey:
			return 0, nil
		case k < intKey:
			return -1, nil
		}
		return 1, nil
	}
	info := c.cellInfo()
	nKey := int(info.Key)
	if info.Local >= nKey {
		cell := p.cellAt(idx)
		return c.compare(cell[info.Header:info.Header+nKey], key), nil
	}
	cellKey := make([]byte, nKey)
	if err := c.accessPayload(0, nKey, cellKey, false, false); err != nil {
		return 0, err
	}
	return c.compare(cellKey, key), nil
}

// Count returns the number of entries in the table. The cursor is left
// invalid.
func (c *Cursor) Count() (int64, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.moveToRoot(); err != nil {
		return 0, err
	}
	defer func() { c.state = cursorInvalid }()
	var n int64
	for {
		p := c.pages[c.iPage]
		if p.leaf || !p.intKey {
			n += int64(p.nCell)
		}
		if p.leaf {
			for {
				if c.iPage == 0 {
					return n, nil
				}
				c.moveToParent()
				if c.idx[c.iPage] < c.pages[c.iPage].nCell {
					break
				}
			}
			c.idx[c.iPage]++
			p = c.pages[c.iPage]
		}
		if err := c.moveToChild(p.childAt(c.idx[c.iPage])); err != nil {
			return 0, err
		}
	}
}

// IsEmpty reports whether the table has no entries.
func (c *Cursor) IsEmpty() (bool, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.moveToRoot(); err != nil {
		return false, err
	}
	return c.state == cursorInvalid, nil
}

// Root returns the root page of the cursor's table.
func (c *Cursor) Root() Pgno { return c.root }

// IntKey reports whether the cursor's table has integer keys.
func (c *Cursor) IntKey() bool { return c.intKey }
