package btree

import (
	"sync/atomic"

	"github.com/FocuswithJustin/btreedb/core/codec"
)

// freelistCount returns the number of pages on the freelist.
func (bt *BtShared) freelistCount() int {
	return int(codec.Get4(bt.page1.data[offsetFreelistCount:]))
}

// allocatePage takes a page off the freelist, or appends one to the file,
// and returns it writable. With nearby set the leaf closest to it is
// preferred; with exact also set and nearby on the freelist, exactly that
// page is returned.
func (bt *BtShared) allocatePage(nearby Pgno, exact bool) (*MemPage, Pgno, error) {
	page1 := bt.page1
	n := bt.freelistCount()
	var page *MemPage
	var pgno Pgno

	if n > 0 {
		searchList := false
		if exact && nearby <= bt.pager.PageCount() {
			typ, _, err := bt.ptrmapGet(nearby)
			if err != nil {
				return nil, 0, err
			}
			searchList = typ == PtrmapFreePage
		}
		if err := bt.pager.Write(page1.dbPage); err != nil {
			return nil, 0, err
		}
		codec.Put4(page1.data[offsetFreelistCount:], uint32(n-1))

		var trunk, prevTrunk *MemPage
		release := func() {
			bt.releasePage(trunk)
			bt.releasePage(prevTrunk)
		}
		for {
			bt.releasePage(prevTrunk)
			prevTrunk = trunk
			trunk = nil
			var iTrunk Pgno
			if prevTrunk != nil {
				iTrunk = Pgno(codec.Get4(prevTrunk.data))
			} else {
				iTrunk = Pgno(codec.Get4(page1.data[offsetFreelistTrunk:]))
			}
			if iTrunk < 2 || iTrunk > bt.pager.PageCount() {
				release()
				return nil, 0, bt.corrupt(iTrunk, "freelist trunk out of range")
			}
			t, err := bt.getPage(iTrunk)
			if err != nil {
				release()
				return nil, 0, err
			}
			trunk = t
			k := int(codec.Get4(trunk.data[4:]))

			switch {
			case k == 0 && !searchList:
				// A trunk without leaves is itself the page handed out.
				if err := bt.pager.Write(trunk.dbPage); err != nil {
					release()
					return nil, 0, err
				}
				pgno = iTrunk
				copy(page1.data[offsetFreelistTrunk:offsetFreelistTrunk+4], trunk.data[:4])
				page, trunk = trunk, nil

			case k > bt.usableSize/4-2:
				release()
				return nil, 0, bt.corrupt(iTrunk, "freelist trunk has %d leaves", k)

			case searchList && nearby == iTrunk:
				if err := bt.pager.Write(trunk.dbPage); err != nil {
					release()
					return nil, 0, err
				}
				pgno = iTrunk
				searchList = false
				if k == 0 {
					if prevTrunk == nil {
						copy(page1.data[offsetFreelistTrunk:offsetFreelistTrunk+4], trunk.data[:4])
					} else {
						if err := bt.pager.Write(prevTrunk.dbPage); err != nil {
							release()
							return nil, 0, err
						}
						copy(prevTrunk.data[:4], trunk.data[:4])
					}
				} else {
					// The first leaf takes over as trunk.
					iNewTrunk := Pgno(codec.Get4(trunk.data[8:]))
					if iNewTrunk < 2 || iNewTrunk > bt.pager.PageCount() {
						release()
						return nil, 0, bt.corrupt(iTrunk, "freelist leaf %d out of range", iNewTrunk)
					}
					newTrunk, err := bt.getPage(iNewTrunk)
					if err != nil {
						release()
						return nil, 0, err
					}
					if err := bt.pager.Write(newTrunk.dbPage); err != nil {
						bt.releasePage(newTrunk)
						release()
						return nil, 0, err
					}
					copy(newTrunk.data[:4], trunk.data[:4])
					codec.Put4(newTrunk.data[4:], uint32(k-1))
					copy(newTrunk.data[8:8+(k-1)*4], trunk.data[12:12+(k-1)*4])
					bt.releasePage(newTrunk)
					if prevTrunk == nil {
						codec.Put4(page1.data[offsetFreelistTrunk:], uint32(iNewTrunk))
					} else {
						if err := bt.pager.Write(prevTrunk.dbPage); err != nil {
							release()
							return nil, 0, err
						}
						codec.Put4(prevTrunk.data, uint32(iNewTrunk))
					}
				}
				page, trunk = trunk, nil

			case k == 0:
				// Searching: nothing on this trunk.

			default:
				// Take a leaf off the trunk.
				data := trunk.data
				if err := bt.pager.Write(trunk.dbPage); err != nil {
					release()
					return nil, 0, err
				}
				closest := 0
				if nearby > 0 {
					dist := absDiff(Pgno(codec.Get4(data[8:])), nearby)
					for i := 1; i < k; i++ {
						if d := absDiff(Pgno(codec.Get4(data[8+4*i:])), nearby); d < dist {
							closest, dist = i, d
						}
					}
				}
				iPage := Pgno(codec.Get4(data[8+4*closest:]))
				if !searchList || iPage == nearby {
					if iPage < 2 || iPage > bt.pager.PageCount() {
						release()
						return nil, 0, bt.corrupt(iTrunk, "free page %d off the end of the file", iPage)
					}
					if closest < k-1 {
						copy(data[8+4*closest:12+4*closest], data[4+4*k:8+4*k])
					}
					codec.Put4(data[4:], uint32(k-1))
					p, err := bt.getPage(iPage)
					if err != nil {
						release()
						return nil, 0, err
					}
					if err := bt.pager.Write(p.dbPage); err != nil {
						bt.releasePage(p)
						release()
						return nil, 0, err
					}
					pgno = iPage
					page = p
					searchList = false
				}
			}
			if !searchList {
				break
			}
		}
		release()
	} else {
		pgno = bt.pager.PageCount() + 1
		if pgno == bt.pendingPage() {
			pgno++
		}
		if bt.isPtrmapPage(pgno) {
			// The map page is taken along with the page after it.
			pgno++
			if pgno == bt.pendingPage() {
				pgno++
			}
		}
		p, err := bt.getPage(pgno)
		if err != nil {
			return nil, 0, err
		}
		if err := bt.pager.Write(p.dbPage); err != nil {
			bt.releasePage(p)
			return nil, 0, err
		}
		page = p
	}

	if atomic.LoadInt64(&page.dbPage.RefCount) > 1 {
		bt.releasePage(page)
		return nil, 0, bt.corrupt(pgno, "allocated page is still in use")
	}
	page.isInit = false
	return page, pgno, nil
}

func absDiff(a, b Pgno) Pgno {
	if a > b {
		return a - b
	}
	return b - a
}

// freePage puts p on the freelist. p stays referenced by the caller.
func (bt *BtShared) freePage(p *MemPage) error {
	page1 := bt.page1
	p.isInit = false
	if err := bt.pager.Write(page1.dbPage); err != nil {
		return err
	}
	n := bt.freelistCount()
	codec.Put4(page1.data[offsetFreelistCount:], uint32(n+1))

	if bt.secureDelete {
		if err := bt.pager.Write(p.dbPage); err != nil {
			return err
		}
		clear(p.data)
	}
	if bt.autoVacuum {
		if err := bt.ptrmapPut(p.pgno, PtrmapFreePage, 0); err != nil {
			return err
		}
	}

	if n == 0 {
		if err := bt.pager.Write(p.dbPage); err != nil {
			return err
		}
		clear(p.data[:8])
		codec.Put4(page1.data[offsetFreelistTrunk:], uint32(p.pgno))
		return nil
	}

	trunk, err := bt.getPage(Pgno(codec.Get4(page1.data[offsetFreelistTrunk:])))
	if err != nil {
		return err
	}
	defer bt.releasePage(trunk)
	k := int(codec.Get4(trunk.data[4:]))
	if k >= bt.usableSize/4-8 {
		// Full by the historical bound: p becomes the new head trunk.
		if err := bt.pager.Write(p.dbPage); err != nil {
			return err
		}
		codec.Put4(p.data, uint32(trunk.pgno))
		codec.Put4(p.data[4:], 0)
		codec.Put4(page1.data[offsetFreelistTrunk:], uint32(p.pgno))
		return nil
	}
	if err := bt.pager.Write(trunk.dbPage); err != nil {
		return err
	}
	codec.Put4(trunk.data[4:], uint32(k+1))
	codec.Put4(trunk.data[8+4*k:], uint32(p.pgno))
	return nil
}

// freePageNo frees page pgno.
func (bt *BtShared) freePageNo(pgno Pgno) error {
	p, err := bt.getPage(pgno)
	if err != nil {
		return err
	}
	defer bt.releasePage(p)
	return bt.freePage(p)
}
