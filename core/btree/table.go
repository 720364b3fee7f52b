package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// requireWrite checks that the handle has a write transaction open.
func (b *Btree) requireWrite() error {
	if b.inTrans != TransWrite {
		if b.bt.readOnly {
			return errors.ErrReadOnly
		}
		return errors.Wrap(errors.ErrMisuse, "no write transaction open")
	}
	return nil
}

// CreateTable creates an empty table and returns its root page. flags is
// TableIntKey or TableBlobKey. With auto-vacuum the root goes right after
// the largest existing root, moving whatever page was there.
func (b *Btree) CreateTable(flags int) (Pgno, error) {
	b.enter()
	defer b.leave()
	if err := b.requireWrite(); err != nil {
		return 0, err
	}
	if flags != TableIntKey && flags != TableBlobKey {
		return 0, errors.NewValidation("flags", "must be TableIntKey or TableBlobKey")
	}
	bt := b.bt

	var root *MemPage
	var pgnoRoot Pgno
	if bt.autoVacuum {
		if err := bt.saveAllCursors(0, nil); err != nil {
			return 0, err
		}
		pgnoRoot = Pgno(codec.Get4(bt.page1.data[offsetMeta+4*MetaLargestRootPage:])) + 1
		for pgnoRoot == bt.ptrmapPageno(pgnoRoot) || pgnoRoot == bt.pendingPage() {
			pgnoRoot++
		}

		pageMove, pgnoMove, err := bt.allocatePage(pgnoRoot, true)
		if err != nil {
			return 0, err
		}
		if pgnoMove != pgnoRoot {
			bt.releasePage(pageMove)
			moved, err := bt.getPage(pgnoRoot)
			if err != nil {
				return 0, err
			}
			typ, ptrPage, err := bt.ptrmapGet(pgnoRoot)
			if err == nil && (typ == PtrmapRootPage || typ == PtrmapFreePage) {
				err = moved.corrupt("page %d cannot be moved (pointer-map type %d)", pgnoRoot, typ)
			}
			if err == nil {
				err = bt.relocatePage(moved, typ, ptrPage, pgnoMove)
			}
			bt.releasePage(moved)
			if err != nil {
				return 0, err
			}
			if root, err = bt.getPage(pgnoRoot); err != nil {
				return 0, err
			}
			if err := bt.pager.Write(root.dbPage); err != nil {
				bt.releasePage(root)
				return 0, err
			}
		} else {
			root = pageMove
		}
		if err := bt.ptrmapPut(pgnoRoot, PtrmapRootPage, 0); err != nil {
			bt.releasePage(root)
			return 0, err
		}
		if err := bt.pager.Write(bt.page1.dbPage); err != nil {
			bt.releasePage(root)
			return 0, err
		}
		codec.Put4(bt.page1.data[offsetMeta+4*MetaLargestRootPage:], uint32(pgnoRoot))
	} else {
		var err error
		if root, pgnoRoot, err = bt.allocatePage(1, false); err != nil {
			return 0, err
		}
	}
	defer bt.releasePage(root)
	if err := root.zeroPage(byte(flags) | PTF_LEAF); err != nil {
		return 0, err
	}
	return pgnoRoot, nil
}

// clearDatabasePage frees the overflow chains and children reachable
// from page pgno, then frees the page itself or, with keep, empties it.
// It returns the number of entries removed.
func (bt *BtShared) clearDatabasePage(pgno Pgno, keep bool, depth int) (int64, error) {
	if depth > MaxBtreeDepth {
		return 0, bt.corrupt(pgno, "tree deeper than %d levels", MaxBtreeDepth)
	}
	p, err := bt.getAndInitPage(pgno)
	if err != nil {
		return 0, err
	}
	defer bt.releasePage(p)

	var n int64
	for i := 0; i < p.nCell; i++ {
		cell := p.cellAt(i)
		if !p.leaf {
			m, err := bt.clearDatabasePage(Pgno(codec.Get4(cell)), false, depth+1)
			if err != nil {
				return 0, err
			}
			n += m
		}
		if err := p.clearCell(cell); err != nil {
			return 0, err
		}
	}
	if !p.leaf {
		m, err := bt.clearDatabasePage(p.rightChild(), false, depth+1)
		if err != nil {
			return 0, err
		}
		n += m
	}
	if p.leaf || !p.intKey {
		n += int64(p.nCell)
	}
	if !keep {
		return n, bt.freePage(p)
	}
	if err := bt.pager.Write(p.dbPage); err != nil {
		return 0, err
	}
	return n, p.zeroPage(p.data[p.hdrOffset] | PTF_LEAF)
}

// ClearTable deletes every entry of the table but keeps the table, and
// returns the number of entries removed.
func (b *Btree) ClearTable(table Pgno) (int64, error) {
	b.enter()
	defer b.leave()
	if err := b.requireWrite(); err != nil {
		return 0, err
	}
	if err := b.checkReadLocks(table, nil, -1); err != nil {
		return 0, err
	}
	bt := b.bt
	if err := bt.saveAllCursors(table, nil); err != nil {
		return 0, err
	}
	return bt.clearDatabasePage(table, true, 0)
}

// DropTable deletes the table. No cursor may be open on the database.
// With auto-vacuum the table with the largest root is moved into the
// freed root page; its old root page number is returned as moved, 0 if
// nothing moved.
func (b *Btree) DropTable(table Pgno) (moved Pgno, err error) {
	b.enter()
	defer b.leave()
	if err := b.requireWrite(); err != nil {
		return 0, err
	}
	bt := b.bt
	if len(bt.cursors) > 0 {
		return 0, errors.Wrap(errors.ErrLocked, "cursors are open")
	}
	if _, err := bt.clearDatabasePage(table, true, 0); err != nil {
		return 0, err
	}
	if table == 1 {
		p, err := bt.getPage(1)
		if err != nil {
			return 0, err
		}
		defer bt.releasePage(p)
		if err := bt.pager.Write(p.dbPage); err != nil {
			return 0, err
		}
		return 0, p.zeroPage(PTF_INTKEY | PTF_LEAFDATA | PTF_LEAF)
	}
	if !bt.autoVacuum {
		return 0, bt.freePageNo(table)
	}

	maxRoot := Pgno(codec.Get4(bt.page1.data[offsetMeta+4*MetaLargestRootPage:]))
	if table == maxRoot {
		if err := bt.freePageNo(table); err != nil {
			return 0, err
		}
	} else {
		move, err := bt.getPage(maxRoot)
		if err != nil {
			return 0, err
		}
		err = bt.relocatePage(move, PtrmapRootPage, 0, table)
		bt.releasePage(move)
		if err != nil {
			return 0, err
		}
		if err := bt.freePageNo(maxRoot); err != nil {
			return 0, err
		}
		moved = maxRoot
	}

	maxRoot--
	if maxRoot == bt.pendingPage() {
		maxRoot--
	}
	if maxRoot == bt.ptrmapPageno(maxRoot) {
		maxRoot--
	}
	if maxRoot == bt.pendingPage() {
		maxRoot--
	}
	if err := bt.pager.Write(bt.page1.dbPage); err != nil {
		return 0, err
	}
	codec.Put4(bt.page1.data[offsetMeta+4*MetaLargestRootPage:], uint32(maxRoot))
	return moved, nil
}
