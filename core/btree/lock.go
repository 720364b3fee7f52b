package btree

import (
	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// Table lock types.
const (
	ReadLock  = 1
	WriteLock = 2
)

// btLock is a table-level lock held by one handle on a shared BtShared.
type btLock struct {
	btree    *Btree
	table    Pgno
	lockType int
}

// querySharedCacheTableLock reports whether b could take a lock of the
// given type on table. Handles that do not share their cache never
// conflict. A refused WRITE request marks the BtShared pending so that no
// new readers start while the writer waits.
func (b *Btree) querySharedCacheTableLock(table Pgno, lockType int) error {
	if !b.sharable {
		return nil
	}
	bt := b.bt
	if bt.writer != b && bt.isExclusive {
		return errors.ErrLocked
	}
	if b.readUncommitted && lockType == ReadLock && table != 1 {
		return nil
	}
	for _, l := range bt.locks {
		if l.btree != b && l.table == table && (l.lockType != lockType || lockType != ReadLock) {
			if lockType == WriteLock {
				bt.isPending = true
			}
			logging.DebugContext(b.ctx, "table lock conflict", "file", bt.filename,
				"table", table, "held_by", l.btree.id)
			return errors.ErrLocked
		}
	}
	return nil
}

// setSharedCacheTableLock records that b holds a lock on table. A WRITE
// lock upgrades a READ lock already held.
func (b *Btree) setSharedCacheTableLock(table Pgno, lockType int) {
	if !b.sharable {
		return
	}
	bt := b.bt
	if b.readUncommitted && lockType == ReadLock && table != 1 {
		return
	}
	for _, l := range bt.locks {
		if l.btree == b && l.table == table {
			if lockType > l.lockType {
				l.lockType = lockType
			}
			return
		}
	}
	bt.locks = append(bt.locks, &btLock{btree: b, table: table, lockType: lockType})
}

// clearAllSharedCacheTableLocks drops every lock held by b and the writer
// state if b was the writer.
func (b *Btree) clearAllSharedCacheTableLocks() {
	bt := b.bt
	kept := bt.locks[:0]
	for _, l := range bt.locks {
		if l.btree != b {
			kept = append(kept, l)
		}
	}
	clear(bt.locks[len(kept):])
	bt.locks = kept

	if bt.writer == b {
		bt.writer = nil
		bt.isExclusive = false
		bt.isPending = false
	} else if bt.nTransaction == 2 {
		// The last reader besides the waiting writer is leaving.
		bt.isPending = false
	}
}

// downgradeAllSharedCacheTableLocks turns the WRITE locks of the writer
// into READ locks.
func (b *Btree) downgradeAllSharedCacheTableLocks() {
	bt := b.bt
	if bt.writer != b {
		return
	}
	bt.writer = nil
	bt.isExclusive = false
	bt.isPending = false
	for _, l := range bt.locks {
		l.lockType = ReadLock
	}
}

// LockTable takes a lock on table for the rest of the transaction. It is
// only meaningful for shared-cache handles and needs an open transaction.
func (b *Btree) LockTable(table Pgno, isWrite bool) error {
	b.enter()
	defer b.leave()
	if b.inTrans == TransNone {
		return errors.Wrap(errors.ErrMisuse, "no transaction open")
	}
	lockType := ReadLock
	if isWrite {
		lockType = WriteLock
	}
	if err := b.querySharedCacheTableLock(table, lockType); err != nil {
		return err
	}
	b.setSharedCacheTableLock(table, lockType)
	return nil
}

// checkReadLocks fails when a read cursor of another shared-cache handle
// is open on table root, unless that handle reads uncommitted data. Write
// cursors of an incremental blob on row iRow are invalidated instead.
func (b *Btree) checkReadLocks(root Pgno, except *Cursor, iRow int64) error {
	bt := b.bt
	for _, c := range bt.cursors {
		if c == except || c.root != root {
			continue
		}
		if !c.wrFlag && c.btree != b && !c.btree.readUncommitted {
			return errors.ErrLocked
		}
		if c.wrFlag && c.isIncrblob && c.state == cursorValid && c.cellInfo().Key == iRow {
			c.state = cursorInvalid
		}
	}
	return nil
}
