package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// checkWritable runs the checks shared by Insert, Delete and the other
// modifying cursor calls.
func (c *Cursor) checkWritable(iRow int64) error {
	if c.state == cursorFault {
		return c.faultErr
	}
	b := c.btree
	if b.inTrans != TransWrite {
		if c.bt.readOnly {
			return errors.ErrReadOnly
		}
		return errors.Wrap(errors.ErrMisuse, "no write transaction open")
	}
	if !c.wrFlag {
		return errors.ErrPermission
	}
	return b.checkReadLocks(c.root, c, iRow)
}

// Insert adds an entry, replacing any entry with the same key. Table
// trees take intKey and ignore key; index trees take key and ignore
// intKey. data is followed by nZero zero bytes. appendBias hints that the
// key is larger than every key present. Afterwards the cursor points at
// the new entry.
func (c *Cursor) Insert(key []byte, intKey int64, data []byte, nZero int, appendBias bool) error {
	c.btree.enter()
	defer c.btree.leave()
	bt := c.bt

	nKey := intKey
	if !c.intKey {
		nKey = int64(len(key))
		data = nil
		nZero = 0
	}
	if err := c.checkWritable(intKey); err != nil {
		return err
	}
	if nZero < 0 {
		return errors.Wrapf(errors.ErrRange, "negative zero-fill %d", nZero)
	}
	if err := bt.saveAllCursors(c.root, c); err != nil {
		return err
	}
	loc, err := c.moveTo(key, intKey, appendBias)
	if err != nil {
		return err
	}

	p := c.pages[c.iPage]
	newCell := make([]byte, bt.pageSize)
	szNew, err := p.fillInCell(newCell, key, nKey, data, nZero)
	if err != nil {
		return err
	}
	if err := bt.pager.Write(p.dbPage); err != nil {
		return err
	}
	idx := c.idx[c.iPage]
	switch {
	case loc == 0:
		oldCell := p.cellAt(idx)
		if !p.leaf {
			copy(newCell[:4], oldCell[:4])
		}
		szOld := p.parseCell(oldCell).Size
		if err := p.clearCell(oldCell); err != nil {
			return err
		}
		if err := p.dropCell(idx, szOld); err != nil {
			return err
		}
	case loc < 0 && p.nCell > 0:
		idx++
		c.idx[c.iPage] = idx
	}
	if err := p.insertCell(idx, newCell, szNew); err != nil {
		return err
	}
	c.invalidateInfo()
	c.atLast = false

	if p.nOverflow() == 0 {
		c.state = cursorValid
		c.skip = 0
		return nil
	}
	err = c.balance()
	c.pages[c.iPage].ovfl = nil
	c.releaseAll()
	c.state = cursorInvalid
	if err != nil {
		return err
	}
	c.nKey = nKey
	if !c.intKey {
		c.key = append([]byte(nil), key...)
	}
	c.state = cursorRequireSeek
	return nil
}

// Delete removes the entry the cursor points at. Afterwards the cursor
// remembers the deleted key, so Next and Previous continue from the
// neighbours.
func (c *Cursor) Delete() error {
	c.btree.enter()
	defer c.btree.leave()
	bt := c.bt

	if c.state == cursorFault {
		return c.faultErr
	}
	if err := c.restoreIfNeeded(); err != nil {
		return err
	}
	if c.state != cursorValid || c.idx[c.iPage] >= c.pages[c.iPage].nCell {
		return errors.Wrap(errors.ErrMisuse, "cursor does not point at an entry")
	}
	if c.skip != 0 {
		return errors.Wrap(errors.ErrMisuse, "the entry under the cursor was already deleted")
	}
	info := *c.cellInfo()
	if err := c.checkWritable(info.Key); err != nil {
		return err
	}

	savedKey := info.Key
	var savedBytes []byte
	if !c.intKey {
		savedBytes = make([]byte, savedKey)
		if err := c.accessPayload(0, len(savedBytes), savedBytes, false, false); err != nil {
			return err
		}
	}

	iCellDepth := c.iPage
	iCellIdx := c.idx[iCellDepth]
	p := c.pages[iCellDepth]

	// An interior cell is replaced by the largest entry of its left subtree.
	if !p.leaf {
		if _, err := c.previous(); err != nil {
			return err
		}
	}
	if err := bt.saveAllCursors(c.root, c); err != nil {
		return err
	}
	if err := bt.pager.Write(p.dbPage); err != nil {
		return err
	}
	cell := p.cellAt(iCellIdx)
	if err := p.clearCell(cell); err != nil {
		return err
	}
	if err := p.dropCell(iCellIdx, p.parseCell(cell).Size); err != nil {
		return err
	}

	if !p.leaf {
		leaf := c.pages[c.iPage]
		child := c.pages[iCellDepth+1].pgno
		leafCell := leaf.cellAt(leaf.nCell - 1)
		nCell := leaf.parseCell(leafCell).Size
		if err := bt.pager.Write(leaf.dbPage); err != nil {
			return err
		}
		replacement := make([]byte, 4+nCell)
		codec.Put4(replacement, uint32(child))
		copy(replacement[4:], leafCell[:nCell])
		// The leaf size may include padding up to the minimum cell size;
		// the interior cell is stored at its own parsed size.
		replacement = replacement[:p.parseCell(replacement).Size]
		if err := p.insertCell(iCellIdx, replacement, len(replacement)); err != nil {
			return err
		}
		if err := leaf.dropCell(leaf.nCell-1, nCell); err != nil {
			return err
		}
	}

	err := c.balance()
	if err == nil && c.iPage > iCellDepth {
		for c.iPage > iCellDepth {
			c.moveToParent()
		}
		err = c.balance()
	}
	c.pages[c.iPage].ovfl = nil
	c.releaseAll()
	c.state = cursorInvalid
	if err != nil {
		return err
	}
	c.nKey = savedKey
	c.key = savedBytes
	c.state = cursorRequireSeek
	return nil
}
