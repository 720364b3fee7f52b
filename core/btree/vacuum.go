package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// incrVacuumStep empties page lastPg, the current last page of the file.
// A free page is taken off the freelist; an in-use page is moved to a
// free page. With nFin zero the file is then truncated past lastPg and
// any pointer-map or pending pages before it; with nFin set the moved
// page must land at or below nFin and truncation is left to the caller.
// done reports that there was nothing to do.
func (bt *BtShared) incrVacuumStep(nFin, lastPg Pgno) (done, moved bool, err error) {
	if !bt.isPtrmapPage(lastPg) && lastPg != bt.pendingPage() {
		if bt.freelistCount() == 0 || nFin == lastPg {
			return true, false, nil
		}
		typ, ptrPage, err := bt.ptrmapGet(lastPg)
		if err != nil {
			return false, false, err
		}
		switch typ {
		case PtrmapRootPage:
			return false, false, bt.corrupt(lastPg, "root page at the end of the file")
		case PtrmapFreePage:
			if nFin == 0 {
				p, pgno, err := bt.allocatePage(lastPg, true)
				if err != nil {
					return false, false, err
				}
				bt.releasePage(p)
				if pgno != lastPg {
					return false, false, bt.corrupt(lastPg, "free page not found on the freelist")
				}
			}
		default:
			last, err := bt.getPage(lastPg)
			if err != nil {
				return false, false, err
			}
			var freePg Pgno
			for {
				var fp *MemPage
				fp, freePg, err = bt.allocatePage(0, false)
				if err != nil {
					bt.releasePage(last)
					return false, false, err
				}
				bt.releasePage(fp)
				if nFin == 0 || freePg <= nFin {
					break
				}
			}
			if freePg >= lastPg {
				bt.releasePage(last)
				return false, false, bt.corrupt(lastPg, "free page %d is not below the last page", freePg)
			}
			err = bt.relocatePage(last, typ, ptrPage, freePg)
			bt.releasePage(last)
			if err != nil {
				return false, false, err
			}
			moved = true
		}
	}

	if nFin == 0 {
		lastPg--
		for lastPg == bt.pendingPage() || bt.isPtrmapPage(lastPg) {
			lastPg--
		}
		bt.pager.TruncateImage(lastPg)
	}
	return false, moved, nil
}

// autoVacuumCommit moves every in-use page into the space of the free
// pages and truncates the file, ahead of a commit in full auto-vacuum
// mode. Incremental mode leaves the file alone.
func (bt *BtShared) autoVacuumCommit() error {
	if bt.incrVacuum {
		return nil
	}
	if err := bt.saveAllCursors(0, nil); err != nil {
		return err
	}
	nOrig := bt.pager.PageCount()
	if bt.isPtrmapPage(nOrig) {
		return bt.corrupt(nOrig, "file ends on a pointer-map page")
	}
	if nOrig == bt.pendingPage() {
		nOrig--
	}
	nFree := Pgno(bt.freelistCount())
	if nFree == 0 {
		return nil
	}
	perMap := Pgno(bt.usableSize / 5)
	nPtrmap := (nFree - nOrig + bt.ptrmapPageno(nOrig) + perMap) / perMap
	nFin := nOrig - nFree - nPtrmap
	if nOrig > bt.pendingPage() && nFin <= bt.pendingPage() {
		nFin--
	}
	for bt.isPtrmapPage(nFin) || nFin == bt.pendingPage() {
		nFin--
	}

	nMoved := 0
	for pg := nOrig; pg > nFin; pg-- {
		done, moved, err := bt.incrVacuumStep(nFin, pg)
		if err != nil {
			return err
		}
		if moved {
			nMoved++
		}
		if done {
			break
		}
	}
	if err := bt.pager.Write(bt.page1.dbPage); err != nil {
		return err
	}
	codec.Put4(bt.page1.data[offsetFreelistTrunk:], 0)
	codec.Put4(bt.page1.data[offsetFreelistCount:], 0)
	bt.pager.TruncateImage(nFin)
	logging.VacuumEvent(bt.filename, nMoved, uint32(nFin), "mode", "full")
	return nil
}

// IncrVacuum performs one step of incremental vacuum: the last page of
// the file is freed, moving its content first if it is in use. done is
// true when the freelist is empty or auto-vacuum is off.
func (b *Btree) IncrVacuum() (done bool, err error) {
	b.enter()
	defer b.leave()
	if err := b.requireWrite(); err != nil {
		return false, err
	}
	bt := b.bt
	if !bt.autoVacuum {
		return true, nil
	}
	if err := bt.saveAllCursors(0, nil); err != nil {
		return false, err
	}
	last := bt.pager.PageCount()
	done, moved, err := bt.incrVacuumStep(0, last)
	if err != nil {
		return false, err
	}
	if !done {
		logging.VacuumEvent(bt.filename, boolInt(moved), uint32(bt.pager.PageCount()), "mode", "incremental")
	}
	return done, nil
}

// IncrVacuumAll runs IncrVacuum until the freelist is empty and returns
// the number of pages given back to the file system.
func (b *Btree) IncrVacuumAll() (int, error) {
	before := b.PageCount()
	for {
		done, err := b.IncrVacuum()
		if err != nil {
			return 0, err
		}
		if done {
			break
		}
	}
	after := b.PageCount()
	if after > before {
		return 0, errors.NewCorrupt(uint32(after), "file grew during incremental vacuum")
	}
	return int(before - after), nil
}
