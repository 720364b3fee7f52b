package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// accessPayload copies amt bytes of the current cell's payload, starting
// at offset, into buf, or from buf into the payload when write is set.
// With skipKey, offset counts from the start of the data. Incremental
// blob cursors remember overflow page numbers as they pass them.
func (c *Cursor) accessPayload(offset, amt int, buf []byte, skipKey, write bool) error {
	bt := c.bt
	p := c.pages[c.iPage]
	info := c.cellInfo()
	cell := p.cellAt(c.idx[c.iPage])
	payload := cell[info.Header:]

	if skipKey && !p.intKey {
		offset += int(info.Key)
	}
	if offset < 0 || amt < 0 || offset+amt > info.Payload {
		return errors.Wrapf(errors.ErrRange, "payload bytes %d+%d of %d", offset, amt, info.Payload)
	}

	if offset < info.Local {
		n := min(amt, info.Local-offset)
		if write {
			if err := bt.pager.Write(p.dbPage); err != nil {
				return err
			}
			copy(payload[offset:offset+n], buf[:n])
		} else {
			copy(buf[:n], payload[offset:offset+n])
		}
		buf = buf[n:]
		amt -= n
		offset = 0
	} else {
		offset -= info.Local
	}
	if amt == 0 {
		return nil
	}

	ovflSize := bt.usableSize - 4
	next := Pgno(codec.Get4(cell[info.Overflow:]))
	nOvfl := bt.overflowPages(*info)
	i := 0
	if c.isIncrblob {
		if c.overflow == nil {
			c.overflow = make([]Pgno, nOvfl)
		}
		if j := offset / ovflSize; j < len(c.overflow) && c.overflow[j] != 0 {
			i = j
			next = c.overflow[j]
			offset %= ovflSize
		}
	}
	for ; next != 0 && amt > 0; i++ {
		if next < 2 || next > bt.pager.PageCount() || i >= nOvfl {
			return p.corrupt("overflow chain of cell %d broken at page %d", c.idx[c.iPage], next)
		}
		if c.overflow != nil {
			c.overflow[i] = next
		}
		ovfl, err := bt.getPage(next)
		if err != nil {
			return err
		}
		if offset >= ovflSize {
			offset -= ovflSize
		} else {
			n := min(amt, ovflSize-offset)
			if write {
				if err := bt.pager.Write(ovfl.dbPage); err != nil {
					bt.releasePage(ovfl)
					return err
				}
				copy(ovfl.data[4+offset:4+offset+n], buf[:n])
			} else {
				copy(buf[:n], ovfl.data[4+offset:4+offset+n])
			}
			buf = buf[n:]
			amt -= n
			offset = 0
		}
		next = Pgno(codec.Get4(ovfl.data))
		bt.releasePage(ovfl)
	}
	if amt > 0 {
		return p.corrupt("overflow chain of cell %d ends early", c.idx[c.iPage])
	}
	return nil
}

// readyForRead restores the cursor and checks it has an entry.
func (c *Cursor) readyForRead() error {
	if err := c.restoreIfNeeded(); err != nil {
		return err
	}
	if c.state != cursorValid {
		return errors.Wrap(errors.ErrMisuse, "cursor does not point at an entry")
	}
	return nil
}

// KeySize returns the integer key of a table entry, or the key length of
// an index entry. It is 0 when the cursor has no entry.
func (c *Cursor) KeySize() (int64, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.restoreIfNeeded(); err != nil {
		return 0, err
	}
	if c.state != cursorValid {
		return 0, nil
	}
	return c.cellInfo().Key, nil
}

// DataSize returns the data length of a table entry; index entries have
// none.
func (c *Cursor) DataSize() (int, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.restoreIfNeeded(); err != nil {
		return 0, err
	}
	if c.state != cursorValid {
		return 0, nil
	}
	return c.cellInfo().Data, nil
}

// Key reads len(buf) bytes of an index key starting at offset.
func (c *Cursor) Key(offset int, buf []byte) error {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.readyForRead(); err != nil {
		return err
	}
	if c.intKey {
		return errors.Wrap(errors.ErrMisuse, "table keys are integers; use KeySize")
	}
	return c.accessPayload(offset, len(buf), buf, false, false)
}

// Data reads len(buf) bytes of the entry's data starting at offset.
func (c *Cursor) Data(offset int, buf []byte) error {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.readyForRead(); err != nil {
		return err
	}
	return c.accessPayload(offset, len(buf), buf, true, false)
}

// KeyBytes returns a copy of the whole index key.
func (c *Cursor) KeyBytes() ([]byte, error) {
	n, err := c.KeySize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := c.Key(0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DataBytes returns a copy of the entry's data.
func (c *Cursor) DataBytes() ([]byte, error) {
	n, err := c.DataSize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := c.Data(0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// fetchPayload returns the part of the key, or of the data with skipKey,
// that is stored on the page. The slice aliases the page.
func (c *Cursor) fetchPayload(skipKey bool) []byte {
	p := c.pages[c.iPage]
	info := c.cellInfo()
	payload := p.cellAt(c.idx[c.iPage])[info.Header:]
	nKey := 0
	if !p.intKey {
		nKey = int(info.Key)
	}
	if skipKey {
		if info.Local <= nKey {
			return payload[:0]
		}
		return payload[nKey:info.Local]
	}
	return payload[:min(info.Local, nKey)]
}

// KeyFetch returns the locally stored part of an index key without
// copying. The slice is only valid until the cursor moves or the tree
// changes.
func (c *Cursor) KeyFetch() ([]byte, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.readyForRead(); err != nil {
		return nil, err
	}
	return c.fetchPayload(false), nil
}

// DataFetch returns the locally stored part of the data without copying,
// valid until the cursor moves or the tree changes.
func (c *Cursor) DataFetch() ([]byte, error) {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.readyForRead(); err != nil {
		return nil, err
	}
	return c.fetchPayload(true), nil
}

// CacheOverflow marks the cursor as an incremental blob handle: overflow
// page numbers of the current entry are remembered, making repeated
// reads and writes at large offsets cheap.
func (c *Cursor) CacheOverflow() {
	c.btree.enter()
	defer c.btree.leave()
	c.isIncrblob = true
	c.overflow = nil
}

// PutData overwrites part of the data of the current table entry in
// place. The entry keeps its size.
func (c *Cursor) PutData(offset int, data []byte) error {
	c.btree.enter()
	defer c.btree.leave()
	if err := c.readyForRead(); err != nil {
		return err
	}
	if !c.wrFlag {
		return errors.ErrPermission
	}
	if !c.intKey {
		return errors.Wrap(errors.ErrMisuse, "PutData works on table entries only")
	}
	if c.btree.inTrans != TransWrite {
		return errors.Wrap(errors.ErrMisuse, "no write transaction open")
	}
	if err := c.btree.checkReadLocks(c.root, c, c.cellInfo().Key); err != nil {
		return err
	}
	return c.accessPayload(offset, len(data), data, true, true)
}
