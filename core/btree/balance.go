package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
)

// balance restores the size bounds of the pages on the cursor's path,
// working up from the current page. It stops at the first page that
// neither overflows nor is underfull.
func (c *Cursor) balance() error {
	bt := c.bt
	nMin := bt.usableSize * 2 / 3
	for {
		iPage := c.iPage
		p := c.pages[iPage]
		if iPage == 0 {
			if p.nOverflow() == 0 {
				return nil
			}
			child, err := bt.balanceDeeper(p)
			if err != nil {
				return err
			}
			c.pages[1] = child
			c.iPage = 1
			c.idx[0] = 0
			c.idx[1] = 0
			continue
		}
		if p.nOverflow() == 0 && p.nFree <= nMin {
			return nil
		}

		parent := c.pages[iPage-1]
		iIdx := c.idx[iPage-1]
		if err := bt.pager.Write(parent.dbPage); err != nil {
			return err
		}
		var err error
		if p.hasData && p.nOverflow() == 1 && p.ovfl[0].idx == p.nCell &&
			parent.pgno != 1 && parent.nCell == iIdx {
			// Appending at the right edge: start a new right-most leaf.
			err = bt.balanceQuick(parent, p)
		} else {
			err = bt.balanceNonRoot(parent, iIdx, iPage == 1)
		}
		p.ovfl = nil
		bt.releasePage(p)
		c.pages[iPage] = nil
		c.iPage--
		c.invalidateInfo()
		if err != nil {
			return err
		}
	}
}

// balanceQuick handles a table leaf whose single overflow cell belongs at
// its end and which is the right-most child of its parent: the cell goes
// alone on a new page that becomes the parent's right child.
func (bt *BtShared) balanceQuick(parent, p *MemPage) error {
	if p.nCell == 0 {
		return p.corrupt("quick balance of an empty page")
	}
	newPage, pgnoNew, err := bt.allocatePage(0, false)
	if err != nil {
		return err
	}
	defer bt.releasePage(newPage)

	cell := p.ovfl[0].cell
	sz := p.parseCell(cell).Size
	if err := newPage.zeroPage(PTF_INTKEY | PTF_LEAFDATA | PTF_LEAF); err != nil {
		return err
	}
	newPage.assemblePage([][]byte{cell}, []int{sz})
	if bt.autoVacuum {
		if err := bt.ptrmapPut(pgnoNew, PtrmapBtree, parent.pgno); err != nil {
			return err
		}
		if err := bt.ptrmapPutOvflPtr(newPage, newPage.cellAt(0)); err != nil {
			return err
		}
	}

	// The divider is the page number of p and its largest key.
	last := p.parseCell(p.cellAt(p.nCell - 1))
	var div [4 + 9]byte
	codec.Put4(div[:], uint32(p.pgno))
	n := codec.PutVarint(div[4:], uint64(last.Key))
	if err := parent.insertCell(parent.nCell, div[:4+n], 4+n); err != nil {
		return err
	}
	parent.setRightChild(pgnoNew)
	return nil
}

// balanceDeeper moves the content of an overflowing root, overflow cells
// included, into a new child and leaves the root as an empty interior page
// pointing at it. The child is returned referenced.
func (bt *BtShared) balanceDeeper(root *MemPage) (*MemPage, error) {
	if err := bt.pager.Write(root.dbPage); err != nil {
		return nil, err
	}
	child, pgnoChild, err := bt.allocatePage(root.pgno, false)
	if err != nil {
		return nil, err
	}
	if err := bt.copyNodeContent(root, child); err != nil {
		bt.releasePage(child)
		return nil, err
	}
	if bt.autoVacuum {
		if err := bt.ptrmapPut(pgnoChild, PtrmapBtree, root.pgno); err != nil {
			bt.releasePage(child)
			return nil, err
		}
	}
	child.ovfl = append([]overflowCell(nil), root.ovfl...)
	root.ovfl = nil
	if err := root.zeroPage(child.data[0] &^ PTF_LEAF); err != nil {
		bt.releasePage(child)
		return nil, err
	}
	root.setRightChild(pgnoChild)
	return child, nil
}

// balanceNonRoot redistributes the cells of the child of parent at
// iParentIdx and up to two of its siblings, together with the dividers
// between them, over as many pages as they need. parent must be writable
// and may end up overflowing. When parent is the root and loses its last
// cell, the single remaining child is pulled up into it.
func (bt *BtShared) balanceNonRoot(parent *MemPage, iParentIdx int, isRoot bool) error {
	var (
		apOld    [nbSiblings]*MemPage
		apCopy   [nbSiblings]*MemPage
		apNew    [nbSiblings + 2]*MemPage
		apDiv    [nbSiblings - 1][]byte
		szNew    [nbSiblings + 2]int
		cntNew   [nbSiblings + 2]int
		nOld     int
		nNew     int
		nxDiv    int
		rightOff int // Offset in parent of the pointer to the right-most sibling
	)
	defer func() {
		for i := range apOld {
			bt.releasePage(apOld[i])
		}
		for i := range apNew {
			bt.releasePage(apNew[i])
		}
	}()

	// Phase 1: find the siblings and take their dividers out of the parent.
	nOvfl := parent.nOverflow()
	if nOvfl > 1 || (nOvfl == 1 && parent.ovfl[0].idx != iParentIdx) {
		return parent.corrupt("unexpected overflow cells on parent")
	}
	i := nOvfl + parent.nCell
	if i < 2 {
		nxDiv = 0
		nOld = i + 1
	} else {
		nOld = 3
		switch iParentIdx {
		case 0:
			nxDiv = 0
		case i:
			nxDiv = i - 2
		default:
			nxDiv = iParentIdx - 1
		}
		i = 2
	}
	if i+nxDiv-nOvfl == parent.nCell {
		rightOff = parent.hdrOffset + PageHeaderOffsetRightChild
	} else {
		rightOff = codec.Get2(parent.data[parent.cellOffset+2*(i+nxDiv-nOvfl):])
	}
	pgno := Pgno(codec.Get4(parent.data[rightOff:]))
	nMaxCells := 0
	for {
		p, err := bt.getAndInitPage(pgno)
		if err != nil {
			return err
		}
		apOld[i] = p
		nMaxCells += 1 + p.nCell + p.nOverflow()
		if i == 0 {
			break
		}
		i--
		if nOvfl > 0 && i+nxDiv == parent.ovfl[0].idx {
			apDiv[i] = parent.ovfl[0].cell
			parent.ovfl = nil
			nOvfl = 0
		} else {
			idx := i + nxDiv - nOvfl
			cell := parent.cellAt(idx)
			sz := parent.parseCell(cell).Size
			apDiv[i] = append([]byte(nil), cell[:sz]...)
			if err := parent.dropCell(idx, sz); err != nil {
				return err
			}
		}
		szNew[i] = parent.parseCell(apDiv[i]).Size
		pgno = Pgno(codec.Get4(apDiv[i]))
	}

	// Phase 2: gather every cell of the siblings, and the dividers unless
	// the tree keeps its data in the leaves, into one array.
	apCell := make([][]byte, 0, nMaxCells)
	szCell := make([]int, 0, nMaxCells)
	leafCorrection := 4 * boolInt(apOld[0].leaf)
	leafData := apOld[0].hasData
	for i := 0; i < nOld; i++ {
		old := *apOld[i]
		old.data = append([]byte(nil), apOld[i].data...)
		apCopy[i] = &old
		limit := old.nCell + old.nOverflow()
		for j := 0; j < limit; j++ {
			cell := old.cellOrOverflow(j)
			apCell = append(apCell, cell)
			szCell = append(szCell, old.parseCell(cell).Size)
		}
		if i < nOld-1 && !leafData {
			div := append([]byte(nil), apDiv[i]...)
			sz := szNew[i]
			div = div[leafCorrection:]
			sz -= leafCorrection
			if !old.leaf {
				// The old right child becomes the left child of the divider.
				codec.Put4(div, uint32(old.rightChild()))
			} else if sz < 4 {
				sz = 4
				if len(div) < 4 {
					div = append(div, make([]byte, 4-len(div))...)
				}
			}
			apCell = append(apCell, div)
			szCell = append(szCell, sz)
		}
	}
	nCell := len(apCell)

	// Phase 3: pack greedily from the left.
	usableSpace := bt.usableSize - 12 + leafCorrection
	k := 0
	subtotal := 0
	for i := 0; i < nCell; i++ {
		subtotal += szCell[i] + 2
		if subtotal > usableSpace {
			szNew[k] = subtotal - szCell[i]
			cntNew[k] = i
			if leafData {
				i--
			}
			subtotal = 0
			k++
			if k > nbSiblings+1 {
				return parent.corrupt("cells need more than %d pages", nbSiblings+2)
			}
		}
	}
	szNew[k] = subtotal
	cntNew[k] = nCell
	k++

	// Phase 4: move cells right while that evens out neighbouring pages.
	// The greedy pass may have left the right-most page empty.
	ld := boolInt(leafData)
	for i := k - 1; i > 0; i-- {
		szRight := szNew[i]
		szLeft := szNew[i-1]
		r := cntNew[i-1] - 1
		d := r + 1 - ld
		for r >= 0 && d < nCell && (szRight == 0 || szRight+szCell[d]+2 <= szLeft-(szCell[r]+2)) {
			szRight += szCell[d] + 2
			szLeft -= szCell[r] + 2
			cntNew[i-1]--
			r = cntNew[i-1] - 1
			d = r + 1 - ld
		}
		szNew[i] = szRight
		szNew[i-1] = szLeft
	}
	first := 0
	for i := 0; i < k; i++ {
		if cntNew[i] <= first && !(k == 1 && nCell == 0) {
			return parent.corrupt("balance produced an empty page")
		}
		first = cntNew[i] + 1 - ld
	}

	// Phase 5: reuse the old pages, allocate the rest, free leftovers.
	if apOld[0].pgno <= 1 {
		return apOld[0].corrupt("page 1 cannot be a child")
	}
	pageFlags := apOld[0].data[0]
	for i := 0; i < k; i++ {
		if i < nOld {
			apNew[i] = apOld[i]
			apOld[i] = nil
			nNew++
			if err := bt.pager.Write(apNew[i].dbPage); err != nil {
				return err
			}
			continue
		}
		p, newPgno, err := bt.allocatePage(pgno, false)
		if err != nil {
			return err
		}
		pgno = newPgno
		apNew[i] = p
		nNew++
		if bt.autoVacuum {
			if err := bt.ptrmapPut(newPgno, PtrmapBtree, parent.pgno); err != nil {
				return err
			}
		}
	}
	for i := k; i < nOld; i++ {
		if err := bt.freePage(apOld[i]); err != nil {
			return err
		}
		bt.releasePage(apOld[i])
		apOld[i] = nil
	}

	// Keep the siblings in page order so that scans read the file forwards.
	for i := 0; i < nNew-1; i++ {
		minI := i
		for j := i + 1; j < nNew; j++ {
			if apNew[j].pgno < apNew[minI].pgno {
				minI = j
			}
		}
		apNew[i], apNew[minI] = apNew[minI], apNew[i]
	}
	// Dropping the dividers did not move the cell holding this pointer.
	codec.Put4(parent.data[rightOff:], uint32(apNew[nNew-1].pgno))

	// Phase 6: fill the new pages and put the new dividers in the parent.
	j := 0
	for i := 0; i < nNew; i++ {
		p := apNew[i]
		if err := p.zeroPage(pageFlags); err != nil {
			return err
		}
		p.assemblePage(apCell[j:cntNew[i]], szCell[j:cntNew[i]])
		j = cntNew[i]
		if j >= nCell {
			continue
		}

		var div []byte
		switch {
		case !p.leaf:
			cell := apCell[j]
			codec.Put4(p.data[p.hdrOffset+PageHeaderOffsetRightChild:], codec.Get4(cell))
			div = append([]byte(nil), cell[:szCell[j]]...)
		case leafData:
			// Only the largest key of the left page goes up.
			j--
			info := p.parseCell(apCell[j])
			div = make([]byte, 4, 4+9)
			div = codec.AppendVarint(div, uint64(info.Key))
		default:
			div = make([]byte, 4+szCell[j])
			copy(div[4:], apCell[j])
			if szCell[j] == 4 {
				div = div[:parent.parseCell(div).Size]
			}
		}
		codec.Put4(div, uint32(p.pgno))
		if err := parent.insertCell(nxDiv, div, len(div)); err != nil {
			return err
		}
		j++
		nxDiv++
	}
	if pageFlags&PTF_LEAF == 0 {
		apNew[nNew-1].setRightChild(apCopy[nOld-1].rightChild())
	}

	// Phase 7: a root left without cells takes in its only child.
	if isRoot && parent.nCell == 0 && parent.nOverflow() == 0 && parent.hdrOffset <= apNew[0].nFree {
		if err := bt.copyNodeContent(apNew[0], parent); err != nil {
			return err
		}
		return bt.freePage(apNew[0])
	}
	if bt.autoVacuum {
		for i := 0; i < nNew; i++ {
			if err := bt.setChildPtrmaps(apNew[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
