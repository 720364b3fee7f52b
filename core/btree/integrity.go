package btree

import (
	"fmt"
	"math"

	"github.com/FocuswithJustin/btreedb/core/codec"
)

// DefaultMaxErrors bounds IntegrityCheck reports when mxErr is not positive.
const DefaultMaxErrors = 100

// integrityCheck is the state of one IntegrityCheck run.
type integrityCheck struct {
	bt    *BtShared
	nPage Pgno
	refs  []uint8
	mxErr int
	msgs  []string
}

func (ck *integrityCheck) full() bool { return len(ck.msgs) >= ck.mxErr }

func (ck *integrityCheck) errorf(context, format string, args ...any) {
	if ck.full() {
		return
	}
	ck.msgs = append(ck.msgs, context+fmt.Sprintf(format, args...))
}

// checkRef counts a reference to pgno. It returns true when the page must
// not be examined further: out of range or already seen.
func (ck *integrityCheck) checkRef(pgno Pgno, context string) bool {
	if pgno == 0 {
		return true
	}
	if pgno > ck.nPage {
		ck.errorf(context, "invalid page number %d", pgno)
		return true
	}
	if ck.refs[pgno] >= 1 {
		ck.errorf(context, "2nd reference to page %d", pgno)
		return true
	}
	ck.refs[pgno]++
	return false
}

func (ck *integrityCheck) checkPtrmap(child Pgno, typ byte, parent Pgno, context string) {
	gotTyp, gotParent, err := ck.bt.ptrmapGet(child)
	if err != nil {
		ck.errorf(context, "Failed to read ptrmap key=%d", child)
		return
	}
	if gotTyp != typ || gotParent != parent {
		ck.errorf(context, "Bad ptr map entry key=%d expected=(%d,%d) got=(%d,%d)",
			child, typ, parent, gotTyp, gotParent)
	}
}

// checkList walks a freelist (trunk chain with its leaves) or an overflow
// chain of n pages starting at pgno.
func (ck *integrityCheck) checkList(isFreelist bool, pgno Pgno, n int, context string) {
	bt := ck.bt
	expected, first := n, pgno
	for n > 0 && !ck.full() {
		n--
		if pgno < 1 {
			ck.errorf(context, "%d of %d pages missing from overflow list starting at %d",
				n+1, expected, first)
			return
		}
		if ck.checkRef(pgno, context) {
			return
		}
		p, err := bt.getPage(pgno)
		if err != nil {
			ck.errorf(context, "failed to get page %d", pgno)
			return
		}
		if isFreelist {
			k := int(codec.Get4(p.data[4:]))
			if bt.autoVacuum {
				ck.checkPtrmap(pgno, PtrmapFreePage, 0, context)
			}
			if k > bt.usableSize/4-2 {
				ck.errorf(context, "freelist leaf count too big on page %d", pgno)
				n--
			} else {
				for i := 0; i < k; i++ {
					leaf := Pgno(codec.Get4(p.data[8+4*i:]))
					if bt.autoVacuum {
						ck.checkPtrmap(leaf, PtrmapFreePage, 0, context)
					}
					ck.checkRef(leaf, context)
				}
				n -= k
			}
		} else if bt.autoVacuum && n > 0 {
			ck.checkPtrmap(Pgno(codec.Get4(p.data)), PtrmapOverflow2, pgno, context)
		}
		pgno = Pgno(codec.Get4(p.data))
		bt.releasePage(p)
	}
}

// checkTreePage checks the subtree rooted at pgno and returns its depth.
// Integer keys of the subtree must lie in (lower, upper].
func (ck *integrityCheck) checkTreePage(pgno Pgno, parentContext string, lower, upper int64) int {
	bt := ck.bt
	context := fmt.Sprintf("Page %d: ", pgno)
	if pgno == 0 || ck.checkRef(pgno, parentContext) {
		return 0
	}
	p, err := bt.getPage(pgno)
	if err != nil {
		ck.errorf(context, "unable to get the page: %v", err)
		return 0
	}
	defer bt.releasePage(p)
	p.isInit = false
	if err := p.initPage(); err != nil {
		ck.errorf(context, "invalid page: %v", err)
		return 0
	}

	depth := 0
	prevKey := lower
	for i := 0; i < p.nCell && !ck.full(); i++ {
		context = fmt.Sprintf("On tree page %d cell %d: ", pgno, i)
		cell := p.cellAt(i)
		info := p.parseCell(cell)
		if p.intKey {
			switch {
			case i > 0 && info.Key <= prevKey:
				ck.errorf(context, "Rowid %d out of order (previous was %d)", info.Key, prevKey)
			case i == 0 && lower != math.MinInt64 && info.Key <= lower:
				ck.errorf(context, "Rowid %d out of order (min less than parent min of %d)", info.Key, lower)
			}
			if info.Key > upper {
				ck.errorf(context, "Rowid %d out of order (max larger than parent max of %d)", info.Key, upper)
			}
		}
		if info.Payload > info.Local && info.Overflow+4 <= bt.usableSize {
			nPage := (info.Payload - info.Local + bt.usableSize - 5) / (bt.usableSize - 4)
			ovfl := Pgno(codec.Get4(cell[info.Overflow:]))
			if bt.autoVacuum {
				ck.checkPtrmap(ovfl, PtrmapOverflow1, pgno, context)
			}
			ck.checkList(false, ovfl, nPage, context)
		}
		if !p.leaf {
			child := Pgno(codec.Get4(cell))
			if bt.autoVacuum {
				ck.checkPtrmap(child, PtrmapBtree, pgno, context)
			}
			childUpper := upper
			if p.intKey {
				childUpper = info.Key
			}
			d := ck.checkTreePage(child, context, prevKey, childUpper)
			if i > 0 && d != depth {
				ck.errorf(context, "Child page depth differs")
			}
			depth = d
		}
		if p.intKey {
			prevKey = info.Key
		}
	}
	if !p.leaf {
		context = fmt.Sprintf("On page %d at right child: ", pgno)
		child := p.rightChild()
		if bt.autoVacuum {
			ck.checkPtrmap(child, PtrmapBtree, pgno, context)
		}
		d := ck.checkTreePage(child, context, prevKey, upper)
		if p.nCell > 0 && d != depth {
			ck.errorf(context, "Child page depth differs")
		}
		depth = d
	}

	ck.checkCoverage(p)
	return depth + 1
}

// checkCoverage verifies that header, cell pointers, cells and free
// blocks cover every byte of the page exactly once, apart from the
// fragmented bytes the header declares.
func (ck *integrityCheck) checkCoverage(p *MemPage) {
	usable := ck.bt.usableSize
	data := p.data
	hdr := p.hdrOffset
	hit := make([]uint8, usable)
	contentOffset := min(p.contentStart(), usable)
	for i := 0; i < contentOffset; i++ {
		hit[i] = 1
	}
	nCell := codec.Get2(data[hdr+3:])
	cellStart := hdr + 12 - 4*boolInt(p.leaf)
	for i := 0; i < nCell; i++ {
		pc := codec.Get2(data[cellStart+2*i:])
		size := 1024
		if pc <= usable-4 {
			if sz, err := p.cellSize(data[pc:]); err == nil {
				size = sz
			}
		}
		if pc+size-1 >= usable {
			ck.errorf("", "Corruption detected in cell %d on page %d", i, p.pgno)
			continue
		}
		for j := pc; j < pc+size; j++ {
			hit[j]++
		}
	}
	for i, steps := codec.Get2(data[hdr+1:]), 0; i > 0 && steps < usable/4; steps++ {
		if i > usable-4 {
			ck.errorf("", "Free block offset %d out of range on page %d", i, p.pgno)
			break
		}
		size := codec.Get2(data[i+2:])
		if i+size > usable {
			ck.errorf("", "Free block at %d overruns page %d", i, p.pgno)
			break
		}
		for j := i; j < i+size; j++ {
			hit[j]++
		}
		i = codec.Get2(data[i:])
	}
	cnt := 0
	for i := 0; i < usable; i++ {
		if hit[i] == 0 {
			cnt++
		} else if hit[i] > 1 {
			ck.errorf("", "Multiple uses for byte %d of page %d", i, p.pgno)
			return
		}
	}
	if cnt != int(data[hdr+7]) {
		ck.errorf("", "Fragmentation of %d bytes reported as %d on page %d", cnt, data[hdr+7], p.pgno)
	}
}

// IntegrityCheck verifies the freelist and the trees rooted at roots and
// reports at most mxErr problems. It never stops at the first problem;
// the error result is for failures to run the check at all. A read
// transaction is opened for the duration if none is active.
func (b *Btree) IntegrityCheck(roots []Pgno, mxErr int) ([]string, error) {
	if !b.IsInReadTrans() {
		if err := b.BeginTrans(BeginRead); err != nil {
			return nil, err
		}
		defer func() { _ = b.CommitPhaseTwo() }()
	}
	b.enter()
	defer b.leave()
	bt := b.bt
	if mxErr <= 0 {
		mxErr = DefaultMaxErrors
	}
	nRef := bt.pager.RefCount()
	ck := &integrityCheck{bt: bt, nPage: bt.pager.PageCount(), mxErr: mxErr}
	if ck.nPage == 0 {
		return nil, nil
	}
	ck.refs = make([]uint8, ck.nPage+1)
	if pp := bt.pendingPage(); pp <= ck.nPage {
		ck.refs[pp] = 1
	}

	ck.checkList(true, Pgno(codec.Get4(bt.page1.data[offsetFreelistTrunk:])),
		bt.freelistCount(), "Main freelist: ")

	for _, root := range roots {
		if ck.full() {
			break
		}
		if root == 0 {
			continue
		}
		if bt.autoVacuum && root > 1 {
			ck.checkPtrmap(root, PtrmapRootPage, 0, "")
		}
		ck.checkTreePage(root, "List of tree roots: ", math.MinInt64, math.MaxInt64)
	}

	for i := Pgno(1); i <= ck.nPage && !ck.full(); i++ {
		isMap := bt.autoVacuum && bt.isPtrmapPage(i)
		if ck.refs[i] == 0 && !isMap {
			ck.errorf("", "Page %d is never used", i)
		}
		if ck.refs[i] != 0 && isMap {
			ck.errorf("", "Pointer map page %d is referenced", i)
		}
	}

	if n := bt.pager.RefCount(); n != nRef {
		ck.errorf("", "Outstanding page count goes from %d to %d during this analysis", nRef, n)
	}
	return ck.msgs, nil
}
