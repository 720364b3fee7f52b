package btree

import (
	"github.com/FocuswithJustin/btreedb/core/codec"
)

// CellInfo describes a parsed cell.
type CellInfo struct {
	Key       int64 // Integer key, or the key length on index pages
	Data      int   // Bytes of data
	Payload   int   // Total payload bytes (Data on table pages, Key+Data elsewhere)
	Header    int   // Bytes before the payload
	Local     int   // Payload bytes stored on the page
	Overflow  int   // Offset of the first overflow page number, 0 if none
	Size      int   // Bytes the cell occupies on the page
	hasHeader bool  // Varints decoded completely
}

// parseCell decodes the header of a cell. cell runs from the first byte of
// the cell to the end of the page, or is an overflow cell held in memory.
func (p *MemPage) parseCell(cell []byte) CellInfo {
	var info CellInfo
	n := p.childPtrSize
	if len(cell) < n {
		return info
	}
	if p.hasData {
		v, m := codec.GetVarint32(cell[n:])
		if m == 0 {
			return info
		}
		info.Data = int(v)
		n += m
	}
	v, m := codec.GetVarint(cell[n:])
	if m == 0 {
		return info
	}
	n += m
	info.Key = int64(v)
	info.Header = n
	info.hasHeader = true
	info.Payload = info.Data
	if !p.intKey {
		info.Payload += int(info.Key)
	}

	if info.Payload <= p.maxLocal {
		info.Local = info.Payload
		info.Size = n + info.Payload
		if info.Size < 4 {
			info.Size = 4
		}
		return info
	}
	info.Local = p.localPayload(info.Payload)
	info.Overflow = n + info.Local
	info.Size = info.Overflow + 4
	return info
}

// localPayload returns how many bytes of an nPayload-byte payload stay on
// the page when the payload does not fit completely.
func (p *MemPage) localPayload(nPayload int) int {
	minLocal := p.minLocal
	surplus := minLocal + (nPayload-minLocal)%(p.bt.usableSize-4)
	if surplus <= p.maxLocal {
		return surplus
	}
	return minLocal
}

// cellSize returns the size of the cell, failing on cells whose header is
// cut short or that run past the end of the buffer.
func (p *MemPage) cellSize(cell []byte) (int, error) {
	info := p.parseCell(cell)
	if !info.hasHeader || info.Payload < 0 || info.Size > len(cell) {
		return 0, p.corrupt("malformed cell")
	}
	return info.Size, nil
}

// cellSizeAt returns the size of cell i, which must be on the page.
func (p *MemPage) cellSizeAt(i int) int {
	return p.parseCell(p.cellAt(i)).Size
}

// overflowPages returns the length of the overflow chain for a cell.
func (bt *BtShared) overflowPages(info CellInfo) int {
	if info.Overflow == 0 {
		return 0
	}
	ovflSize := bt.usableSize - 4
	return (info.Payload - info.Local + ovflSize - 1) / ovflSize
}

// fillInCell builds in cell the cell for the given key and data, followed
// by nZero zero bytes of data. Payload that does not fit locally goes to
// newly allocated overflow pages. Table pages take the key from nKey and
// ignore key; index pages store key as the payload and nKey must be its
// length. The left child pointer of interior cells is left for the caller.
// It returns the size of the cell.
func (p *MemPage) fillInCell(cell []byte, key []byte, nKey int64, data []byte, nZero int) (int, error) {
	bt := p.bt
	nHeader := p.childPtrSize
	if p.hasData {
		nHeader += codec.PutVarint(cell[nHeader:], uint64(len(data)+nZero))
	}
	nHeader += codec.PutVarint(cell[nHeader:], uint64(nKey))
	info := p.parseCell(cell)

	nPayload := len(data) + nZero
	var src []byte
	if p.intKey {
		src = data
		data = nil
	} else {
		nPayload += int(nKey)
		src = key[:nKey]
	}

	spaceLeft := info.Local
	payload := cell[nHeader:]
	prior := cell[info.Overflow:]
	var toRelease *MemPage
	var pgnoOvfl Pgno
	defer func() { bt.releasePage(toRelease) }()

	for nPayload > 0 {
		if len(src) == 0 && data != nil {
			src = data
			data = nil
		}
		if spaceLeft == 0 {
			prev := pgnoOvfl
			if bt.autoVacuum {
				for {
					pgnoOvfl++
					if !bt.isPtrmapPage(pgnoOvfl) && pgnoOvfl != bt.pendingPage() {
						break
					}
				}
			}
			ovfl, pgno, err := bt.allocatePage(pgnoOvfl, false)
			if err != nil {
				return 0, err
			}
			pgnoOvfl = pgno
			if bt.autoVacuum {
				// The first page gets a partial entry now so that clearCell
				// never follows garbage; insertCell completes it.
				typ := byte(PtrmapOverflow2)
				if prev == 0 {
					typ = PtrmapOverflow1
				}
				if err := bt.ptrmapPut(pgnoOvfl, typ, prev); err != nil {
					bt.releasePage(ovfl)
					return 0, err
				}
			}
			codec.Put4(prior, uint32(pgnoOvfl))
			bt.releasePage(toRelease)
			toRelease = ovfl
			prior = ovfl.data
			codec.Put4(prior, 0)
			payload = ovfl.data[4:bt.usableSize]
			spaceLeft = bt.usableSize - 4
		}
		n := min(nPayload, spaceLeft)
		if len(src) > 0 {
			n = min(n, len(src))
			copy(payload[:n], src[:n])
			src = src[n:]
		} else {
			clear(payload[:n])
		}
		nPayload -= n
		payload = payload[n:]
		spaceLeft -= n
	}
	return info.Size, nil
}

// clearCell frees the overflow chain of a cell.
func (p *MemPage) clearCell(cell []byte) error {
	bt := p.bt
	info := p.parseCell(cell)
	if info.Overflow == 0 {
		return nil
	}
	ovflPgno := Pgno(codec.Get4(cell[info.Overflow:]))
	for n := bt.overflowPages(info); n > 0; n-- {
		if ovflPgno < 2 || ovflPgno > bt.pager.PageCount() {
			return p.corrupt("overflow page %d out of range", ovflPgno)
		}
		ovfl, err := bt.getPage(ovflPgno)
		if err != nil {
			return err
		}
		next := Pgno(codec.Get4(ovfl.data))
		err = bt.freePage(ovfl)
		bt.releasePage(ovfl)
		if err != nil {
			return err
		}
		ovflPgno = next
	}
	return nil
}
