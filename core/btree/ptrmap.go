package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
)

// pendingPage returns the page holding the lock byte range. It is never
// used for data.
func (bt *BtShared) pendingPage() Pgno {
	return pendingPage(bt.pageSize)
}

// ptrmapPageno returns the pointer-map page that holds the entry for pgno.
// Map pages sit every usableSize/5+1 pages starting at page 2.
func (bt *BtShared) ptrmapPageno(pgno Pgno) Pgno {
	if pgno < 2 {
		return 0
	}
	perPage := Pgno(bt.usableSize/5 + 1)
	ret := (pgno-2)/perPage*perPage + 2
	if ret == bt.pendingPage() {
		ret++
	}
	return ret
}

// isPtrmapPage reports whether pgno is a pointer-map page. Always false
// without auto-vacuum.
func (bt *BtShared) isPtrmapPage(pgno Pgno) bool {
	return bt.autoVacuum && bt.ptrmapPageno(pgno) == pgno
}

// ptrmapPut records the type and parent of page key.
func (bt *BtShared) ptrmapPut(key Pgno, typ byte, parent Pgno) error {
	if key == 0 {
		return bt.corrupt(0, "pointer-map entry for page 0")
	}
	iPtrmap := bt.ptrmapPageno(key)
	offset := 5 * int(key-iPtrmap-1)
	if key <= iPtrmap || offset+5 > bt.usableSize {
		return bt.corrupt(iPtrmap, "no pointer-map slot for page %d", key)
	}
	page, err := bt.getPage(iPtrmap)
	if err != nil {
		return err
	}
	defer bt.releasePage(page)
	data := page.data
	if data[offset] == typ && Pgno(codec.Get4(data[offset+1:])) == parent {
		return nil
	}
	if err := bt.pager.Write(page.dbPage); err != nil {
		return err
	}
	data[offset] = typ
	codec.Put4(data[offset+1:], uint32(parent))
	return nil
}

// ptrmapGet returns the type and parent recorded for page key.
func (bt *BtShared) ptrmapGet(key Pgno) (byte, Pgno, error) {
	iPtrmap := bt.ptrmapPageno(key)
	offset := 5 * int(key-iPtrmap-1)
	if key <= iPtrmap || offset+5 > bt.usableSize {
		return 0, 0, bt.corrupt(iPtrmap, "no pointer-map slot for page %d", key)
	}
	page, err := bt.getPage(iPtrmap)
	if err != nil {
		return 0, 0, err
	}
	defer bt.releasePage(page)
	typ := page.data[offset]
	parent := Pgno(codec.Get4(page.data[offset+1:]))
	if typ < PtrmapRootPage || typ > PtrmapBtree {
		return typ, parent, bt.corrupt(iPtrmap, "pointer-map entry for page %d has type %d", key, typ)
	}
	return typ, parent, nil
}

// ptrmapPutOvflPtr records page p as the owner of the overflow chain of
// cell, if the cell has one.
func (bt *BtShared) ptrmapPutOvflPtr(p *MemPage, cell []byte) error {
	info := p.parseCell(cell)
	if info.Overflow == 0 {
		return nil
	}
	ovfl := Pgno(codec.Get4(cell[info.Overflow:]))
	return bt.ptrmapPut(ovfl, PtrmapOverflow1, p.pgno)
}

// setChildPtrmaps points the pointer-map entries of every child and first
// overflow page referenced from p at p.
func (bt *BtShared) setChildPtrmaps(p *MemPage) error {
	wasInit := p.isInit
	if err := p.initPage(); err != nil {
		return err
	}
	defer func() { p.isInit = wasInit }()
	for i := 0; i < p.nCell; i++ {
		cell := p.cellAt(i)
		if err := bt.ptrmapPutOvflPtr(p, cell); err != nil {
			return err
		}
		if !p.leaf {
			if err := bt.ptrmapPut(Pgno(codec.Get4(cell)), PtrmapBtree, p.pgno); err != nil {
				return err
			}
		}
	}
	if !p.leaf {
		return bt.ptrmapPut(p.rightChild(), PtrmapBtree, p.pgno)
	}
	return nil
}

// modifyPagePointer rewrites the pointer on p that refers to page from so
// that it refers to page to. typ says where the pointer lives.
func (bt *BtShared) modifyPagePointer(p *MemPage, from, to Pgno, typ byte) error {
	if typ == PtrmapOverflow2 {
		if Pgno(codec.Get4(p.data)) != from {
			return p.corrupt("overflow link is not page %d", from)
		}
		codec.Put4(p.data, uint32(to))
		return nil
	}

	wasInit := p.isInit
	if err := p.initPage(); err != nil {
		return err
	}
	defer func() { p.isInit = wasInit }()
	for i := 0; i < p.nCell; i++ {
		cell := p.cellAt(i)
		if typ == PtrmapOverflow1 {
			info := p.parseCell(cell)
			if info.Overflow != 0 && Pgno(codec.Get4(cell[info.Overflow:])) == from {
				codec.Put4(cell[info.Overflow:], uint32(to))
				return nil
			}
		} else if Pgno(codec.Get4(cell)) == from {
			codec.Put4(cell, uint32(to))
			return nil
		}
	}
	if typ != PtrmapBtree || p.rightChild() != from {
		return p.corrupt("no pointer to page %d", from)
	}
	p.setRightChild(to)
	return nil
}

// relocatePage copies the content of src, whose pointer-map entry is typ
// with parent ptrPage, into page dest and repoints everything that
// referred to src. dest must be writable. Callers save all cursors first:
// the copy leaves src stale.
func (bt *BtShared) relocatePage(src *MemPage, typ byte, ptrPage, dest Pgno) error {
	destPage, err := bt.getPage(dest)
	if err != nil {
		return err
	}
	defer bt.releasePage(destPage)
	if err := bt.pager.Write(destPage.dbPage); err != nil {
		return err
	}
	copy(destPage.data, src.data)
	destPage.isInit = false
	src.isInit = false

	if typ == PtrmapBtree || typ == PtrmapRootPage {
		if err := bt.setChildPtrmaps(destPage); err != nil {
			return err
		}
	} else if next := Pgno(codec.Get4(destPage.data)); next != 0 {
		if err := bt.ptrmapPut(next, PtrmapOverflow2, dest); err != nil {
			return err
		}
	}

	if typ == PtrmapRootPage {
		return nil
	}
	ptr, err := bt.getPage(ptrPage)
	if err != nil {
		return err
	}
	defer bt.releasePage(ptr)
	if err := bt.pager.Write(ptr.dbPage); err != nil {
		return err
	}
	if err := bt.modifyPagePointer(ptr, src.pgno, dest, typ); err != nil {
		return err
	}
	return bt.ptrmapPut(dest, typ, ptrPage)
}
