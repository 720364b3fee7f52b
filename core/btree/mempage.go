package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/pager"
)

// overflowCell is a cell that did not fit on its page and waits for the
// next balance. idx is the cell index it would have had.
type overflowCell struct {
	cell []byte
	idx  int
}

// MemPage is the decoded view of one btree page. It lives in the Extra
// field of the pager's page, so every holder of a page shares one MemPage.
// The parent of a page is not stored here: cursors keep the path from the
// root as a stack of pinned pages and cell indexes.
type MemPage struct {
	isInit       bool
	intKey       bool // Keys are 64-bit integers
	leaf         bool // No children
	hasData      bool // Cells carry data (table leaves)
	hdrOffset    int  // 100 on page 1, 0 elsewhere
	childPtrSize int  // 0 on leaves, 4 on interior pages
	maxLocal     int
	minLocal     int
	cellOffset   int // First byte of the cell pointer array
	nCell        int
	nFree        int // Free bytes: gap, freeblocks and fragments
	ovfl         []overflowCell

	pgno   Pgno
	data   []byte
	dbPage *pager.DbPage
	bt     *BtShared
}

// Pgno returns the page number.
func (p *MemPage) Pgno() Pgno { return p.pgno }

// NumCells returns the number of cells on the page, not counting cells
// waiting in overflow.
func (p *MemPage) NumCells() int { return p.nCell }

// IsLeaf reports whether the page has no children.
func (p *MemPage) IsLeaf() bool { return p.leaf }

// FreeBytes returns the free space on the page.
func (p *MemPage) FreeBytes() int { return p.nFree }

func (p *MemPage) nOverflow() int { return len(p.ovfl) }

func (p *MemPage) corrupt(format string, args ...interface{}) error {
	return p.bt.corrupt(p.pgno, format, args...)
}

// decodeFlags sets the page type fields from the flag byte. Only table
// (INTKEY|LEAFDATA) and index (ZERODATA) pages are legal.
func (p *MemPage) decodeFlags(flags byte) error {
	p.leaf = flags&PTF_LEAF != 0
	p.childPtrSize = 4
	if p.leaf {
		p.childPtrSize = 0
	}
	switch flags &^ PTF_LEAF {
	case PTF_LEAFDATA | PTF_INTKEY:
		p.intKey = true
		p.hasData = p.leaf
		p.maxLocal = p.bt.maxLeaf
		p.minLocal = p.bt.minLeaf
	case PTF_ZERODATA:
		p.intKey = false
		p.hasData = false
		p.maxLocal = p.bt.maxLocal
		p.minLocal = p.bt.minLocal
	default:
		return p.corrupt("invalid page flags 0x%02x", flags)
	}
	return nil
}

// contentStart returns the start of the cell content area.
func (p *MemPage) contentStart() int {
	top := codec.Get2(p.data[p.hdrOffset+PageHeaderOffsetCellStart:])
	if top == 0 {
		top = 65536
	}
	return top
}

// initPage decodes the page header and checks that the free list and the
// cell pointers describe a sane page. It does nothing if the page is
// already initialised.
func (p *MemPage) initPage() error {
	if p.isInit {
		return nil
	}
	bt := p.bt
	hdr := p.hdrOffset
	data := p.data
	if err := p.decodeFlags(data[hdr]); err != nil {
		return err
	}
	p.ovfl = nil
	usable := bt.usableSize
	p.cellOffset = hdr + PageHeaderSizeInterior - 4*boolInt(p.leaf)
	p.nCell = codec.Get2(data[hdr+PageHeaderOffsetNumCells:])
	if p.nCell > maxCells(bt.pageSize) {
		return p.corrupt("too many cells (%d)", p.nCell)
	}
	top := p.contentStart()
	cellEnd := p.cellOffset + 2*p.nCell
	if cellEnd > top || top > usable {
		return p.corrupt("cell content area starts at %d", top)
	}

	nFree := int(data[hdr+PageHeaderOffsetFragmented]) + top - cellEnd
	pc := codec.Get2(data[hdr+PageHeaderOffsetFreeblock:])
	for pc > 0 {
		if pc < top || pc > usable-4 {
			return p.corrupt("freeblock offset %d out of range", pc)
		}
		next := codec.Get2(data[pc:])
		size := codec.Get2(data[pc+2:])
		if next > 0 && next <= pc+size+3 {
			return p.corrupt("freeblocks out of order at %d", pc)
		}
		if pc+size > usable {
			return p.corrupt("freeblock at %d runs past the page", pc)
		}
		nFree += size
		pc = next
	}
	if nFree > usable {
		return p.corrupt("free space %d exceeds usable size", nFree)
	}
	p.nFree = nFree

	for i := 0; i < p.nCell; i++ {
		pc := codec.Get2(data[p.cellOffset+2*i:])
		if pc < top || pc > usable-4 {
			return p.corrupt("cell %d offset %d out of range", i, pc)
		}
		sz, err := p.cellSize(data[pc:])
		if err != nil {
			return err
		}
		if pc+sz > usable {
			return p.corrupt("cell %d extends past the page", i)
		}
	}
	p.isInit = true
	return nil
}

// zeroPage turns the page into an empty page of the given type.
func (p *MemPage) zeroPage(flags byte) error {
	bt := p.bt
	data := p.data
	hdr := p.hdrOffset
	if bt.secureDelete {
		clear(data[hdr:bt.usableSize])
	}
	data[hdr] = flags
	first := hdr + PageHeaderSizeLeaf
	if flags&PTF_LEAF == 0 {
		first = hdr + PageHeaderSizeInterior
	}
	clear(data[hdr+1 : first])
	codec.Put2(data[hdr+PageHeaderOffsetCellStart:], bt.usableSize)
	if err := p.decodeFlags(flags); err != nil {
		return err
	}
	p.nFree = bt.usableSize - first
	p.cellOffset = first
	p.nCell = 0
	p.ovfl = nil
	p.isInit = true
	return nil
}

// cellAt returns the bytes of cell i, from its first byte to the end of
// the page.
func (p *MemPage) cellAt(i int) []byte {
	return p.data[codec.Get2(p.data[p.cellOffset+2*i:]):]
}

// cellOrOverflow returns cell i counting overflow cells at their would-be
// positions.
func (p *MemPage) cellOrOverflow(i int) []byte {
	for j := len(p.ovfl) - 1; j >= 0; j-- {
		k := p.ovfl[j].idx
		if k <= i {
			if k == i {
				return p.ovfl[j].cell
			}
			i--
		}
	}
	return p.cellAt(i)
}

// childAt returns the left child of cell i, or the right child when i is
// nCell.
func (p *MemPage) childAt(i int) Pgno {
	if i >= p.nCell {
		return p.rightChild()
	}
	return Pgno(codec.Get4(p.cellAt(i)))
}

func (p *MemPage) rightChild() Pgno {
	return Pgno(codec.Get4(p.data[p.hdrOffset+PageHeaderOffsetRightChild:]))
}

func (p *MemPage) setRightChild(pgno Pgno) {
	codec.Put4(p.data[p.hdrOffset+PageHeaderOffsetRightChild:], uint32(pgno))
}

// defragment moves every cell to the end of the page in cell-pointer
// order, leaving all free space in one gap after the pointer array.
func (p *MemPage) defragment() error {
	data := p.data
	hdr := p.hdrOffset
	usable := p.bt.usableSize
	temp := make([]byte, usable)
	copy(temp, data[:usable])

	brk := usable
	for i := 0; i < p.nCell; i++ {
		ptr := p.cellOffset + 2*i
		pc := codec.Get2(data[ptr:])
		if pc >= usable {
			return p.corrupt("cell %d offset %d out of range", i, pc)
		}
		size, err := p.cellSize(temp[pc:])
		if err != nil {
			return err
		}
		brk -= size
		if brk < p.cellOffset+2*p.nCell || pc+size > usable {
			return p.corrupt("cells overlap during defragment")
		}
		copy(data[brk:], temp[pc:pc+size])
		codec.Put2(data[ptr:], brk)
	}
	codec.Put2(data[hdr+PageHeaderOffsetCellStart:], brk)
	data[hdr+PageHeaderOffsetFreeblock] = 0
	data[hdr+PageHeaderOffsetFreeblock+1] = 0
	data[hdr+PageHeaderOffsetFragmented] = 0
	clear(data[p.cellOffset+2*p.nCell : brk])
	return nil
}

// allocateSpace carves nByte bytes for a new cell out of the page and
// returns their offset. Room for one more cell pointer is kept free. The
// caller has checked that nFree covers nByte plus the pointer.
func (p *MemPage) allocateSpace(nByte int) (int, error) {
	data := p.data
	hdr := p.hdrOffset
	p.nFree -= nByte

	gap := p.cellOffset + 2*p.nCell
	top := p.contentStart()
	if gap > top {
		return 0, p.corrupt("cell pointers overrun the content area")
	}
	nFrag := int(data[hdr+PageHeaderOffsetFragmented])
	if nFrag >= maxFragmentation {
		if err := p.defragment(); err != nil {
			return 0, err
		}
		top = p.contentStart()
	} else if gap+2 <= top {
		addr := hdr + PageHeaderOffsetFreeblock
		for pc := codec.Get2(data[addr:]); pc > 0; pc = codec.Get2(data[addr:]) {
			size := codec.Get2(data[pc+2:])
			if size >= nByte {
				if size < nByte+4 {
					copy(data[addr:addr+2], data[pc:pc+2])
					data[hdr+PageHeaderOffsetFragmented] = byte(nFrag + size - nByte)
					return pc, nil
				}
				codec.Put2(data[pc+2:], size-nByte)
				return pc + size - nByte, nil
			}
			addr = pc
		}
	}

	if gap+2+nByte > top {
		if err := p.defragment(); err != nil {
			return 0, err
		}
		top = p.contentStart()
		if gap+2+nByte > top {
			return 0, p.corrupt("no room for %d bytes after defragment", nByte)
		}
	}
	top -= nByte
	codec.Put2(data[hdr+PageHeaderOffsetCellStart:], top)
	return top, nil
}

// freeSpace returns size bytes at start to the page's freeblock list,
// merging adjacent blocks.
func (p *MemPage) freeSpace(start, size int) error {
	data := p.data
	hdr := p.hdrOffset
	usable := p.bt.usableSize
	if size < 4 {
		size = 4
	}
	if start+size > usable {
		return p.corrupt("freeing %d bytes at %d past the page", size, start)
	}
	if p.bt.secureDelete {
		clear(data[start : start+size])
	}

	// Insert in offset order.
	addr := hdr + PageHeaderOffsetFreeblock
	pbegin := codec.Get2(data[addr:])
	for pbegin > 0 && pbegin < start {
		if pbegin <= addr {
			return p.corrupt("freeblock list loops at %d", pbegin)
		}
		addr = pbegin
		pbegin = codec.Get2(data[addr:])
	}
	if pbegin > usable-4 {
		return p.corrupt("freeblock offset %d out of range", pbegin)
	}
	codec.Put2(data[addr:], start)
	codec.Put2(data[start:], pbegin)
	codec.Put2(data[start+2:], size)
	p.nFree += size

	// Coalesce.
	addr = hdr + PageHeaderOffsetFreeblock
	for pbegin = codec.Get2(data[addr:]); pbegin > 0; pbegin = codec.Get2(data[addr:]) {
		if pbegin <= addr || pbegin > usable-4 {
			return p.corrupt("freeblock list loops at %d", pbegin)
		}
		pnext := codec.Get2(data[pbegin:])
		psize := codec.Get2(data[pbegin+2:])
		if pnext > 0 && pbegin+psize+3 >= pnext {
			frag := pnext - (pbegin + psize)
			if frag < 0 || frag > int(data[hdr+PageHeaderOffsetFragmented]) || pnext > usable-4 {
				return p.corrupt("overlapping freeblocks at %d", pbegin)
			}
			data[hdr+PageHeaderOffsetFragmented] -= byte(frag)
			copy(data[pbegin:pbegin+2], data[pnext:pnext+2])
			codec.Put2(data[pbegin+2:], pnext+codec.Get2(data[pnext+2:])-pbegin)
		} else {
			addr = pbegin
		}
	}

	// A freeblock at the start of the content area joins the gap.
	pbegin = codec.Get2(data[hdr+PageHeaderOffsetFreeblock:])
	if pbegin != 0 && pbegin == codec.Get2(data[hdr+PageHeaderOffsetCellStart:]) {
		copy(data[hdr+1:hdr+3], data[pbegin:pbegin+2])
		top := codec.Get2(data[hdr+PageHeaderOffsetCellStart:])
		codec.Put2(data[hdr+PageHeaderOffsetCellStart:], top+codec.Get2(data[pbegin+2:]))
	}
	return nil
}

// dropCell removes cell idx, whose size is sz, from the page.
func (p *MemPage) dropCell(idx, sz int) error {
	data := p.data
	ptr := p.cellOffset + 2*idx
	pc := codec.Get2(data[ptr:])
	if pc < p.cellOffset+2*p.nCell || pc+sz > p.bt.usableSize {
		return p.corrupt("cell %d at %d out of range", idx, pc)
	}
	if err := p.freeSpace(pc, sz); err != nil {
		return err
	}
	end := p.cellOffset + 2*p.nCell
	copy(data[ptr:end-2], data[ptr+2:end])
	p.nCell--
	codec.Put2(data[p.hdrOffset+PageHeaderOffsetNumCells:], p.nCell)
	p.nFree += 2
	return nil
}

// insertCell puts cell (sz bytes) at index i. A cell that does not fit,
// or any cell while others already wait, is kept as an overflow cell for
// the next balance. The page must be writable.
func (p *MemPage) insertCell(i int, cell []byte, sz int) error {
	if len(p.ovfl) > 0 || sz+2 > p.nFree {
		if len(p.ovfl) >= maxOverflowCells {
			return p.corrupt("too many overflow cells")
		}
		c := make([]byte, sz)
		copy(c, cell)
		p.ovfl = append(p.ovfl, overflowCell{cell: c, idx: i})
		return nil
	}
	idx, err := p.allocateSpace(sz)
	if err != nil {
		return err
	}
	data := p.data
	end := p.cellOffset + 2*p.nCell
	ins := p.cellOffset + 2*i
	copy(data[idx:idx+sz], cell[:sz])
	copy(data[ins+2:end+2], data[ins:end])
	codec.Put2(data[ins:], idx)
	p.nCell++
	p.nFree -= 2
	codec.Put2(data[p.hdrOffset+PageHeaderOffsetNumCells:], p.nCell)
	if p.bt.autoVacuum {
		return p.bt.ptrmapPutOvflPtr(p, data[idx:])
	}
	return nil
}

// assemblePage fills an empty page with the given cells in order.
func (p *MemPage) assemblePage(cells [][]byte, sizes []int) {
	data := p.data
	hdr := p.hdrOffset
	cellbody := p.bt.usableSize
	for i, cell := range cells {
		cellbody -= sizes[i]
		codec.Put2(data[p.cellOffset+2*i:], cellbody)
		copy(data[cellbody:cellbody+sizes[i]], cell[:sizes[i]])
	}
	codec.Put2(data[hdr+PageHeaderOffsetNumCells:], len(cells))
	codec.Put2(data[hdr+PageHeaderOffsetCellStart:], cellbody)
	p.nFree -= 2*len(cells) + p.bt.usableSize - cellbody
	p.nCell = len(cells)
	p.ovfl = nil
}

// copyNodeContent copies the btree content of from into to, which may be
// page 1 and so have a different header offset.
func (bt *BtShared) copyNodeContent(from, to *MemPage) error {
	fromHdr := from.hdrOffset
	toHdr := to.hdrOffset
	top := from.contentStart()
	if toHdr+from.cellOffset-fromHdr+2*from.nCell > top {
		return to.corrupt("content of page %d does not fit", from.pgno)
	}
	copy(to.data[top:bt.usableSize], from.data[top:bt.usableSize])
	copy(to.data[toHdr:], from.data[fromHdr:from.cellOffset+2*from.nCell])
	to.isInit = false
	if err := to.initPage(); err != nil {
		return err
	}
	if bt.autoVacuum {
		return bt.setChildPtrmaps(to)
	}
	return nil
}

// isUnderfull reports whether a non-root page should be merged with its
// siblings.
func (p *MemPage) isUnderfull() bool {
	return p.nFree > p.bt.usableSize*2/3
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
