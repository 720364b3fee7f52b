package btree

import (
	"io"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// TreeStats describes the shape and space use of one tree.
type TreeStats struct {
	Root          Pgno
	IntKey        bool
	Depth         int
	InteriorPages int
	LeafPages     int
	OverflowPages int
	Entries       int64
	PayloadBytes  int64
	UnusedBytes   int64
}

// Pages is the total number of pages the tree occupies.
func (s *TreeStats) Pages() int {
	return s.InteriorPages + s.LeafPages + s.OverflowPages
}

// Analyze walks the tree rooted at root and collects its statistics. A
// read transaction is opened for the duration if none is active.
func (b *Btree) Analyze(root Pgno) (*TreeStats, error) {
	if !b.IsInReadTrans() {
		if err := b.BeginTrans(BeginRead); err != nil {
			return nil, err
		}
		defer func() { _ = b.CommitPhaseTwo() }()
	}
	b.enter()
	defer b.leave()
	st := &TreeStats{Root: root}
	if err := b.bt.analyzePage(st, root, 1); err != nil {
		return nil, err
	}
	return st, nil
}

func (bt *BtShared) analyzePage(st *TreeStats, pgno Pgno, depth int) error {
	if depth > MaxBtreeDepth {
		return bt.corrupt(pgno, "tree deeper than %d levels", MaxBtreeDepth)
	}
	p, err := bt.getAndInitPage(pgno)
	if err != nil {
		return err
	}
	defer bt.releasePage(p)

	if depth == 1 {
		st.IntKey = p.intKey
	}
	st.Depth = max(st.Depth, depth)
	st.UnusedBytes += int64(p.nFree)
	if p.leaf {
		st.LeafPages++
	} else {
		st.InteriorPages++
	}
	for i := 0; i < p.nCell; i++ {
		cell := p.cellAt(i)
		info := p.parseCell(cell)
		if p.leaf || !p.intKey {
			st.Entries++
			st.PayloadBytes += int64(info.Payload)
		}
		if n := bt.overflowPages(info); n > 0 {
			st.OverflowPages += n
			spill := info.Payload - info.Local
			ovflSize := bt.usableSize - 4
			st.UnusedBytes += int64(n*ovflSize - spill)
		}
		if !p.leaf {
			if err := bt.analyzePage(st, p.childAt(i), depth+1); err != nil {
				return err
			}
		}
	}
	if !p.leaf {
		return bt.analyzePage(st, p.rightChild(), depth+1)
	}
	return nil
}

// CopyFile writes the database image, page by page, to w and returns the
// number of bytes written. Inside a write transaction the copy includes
// the uncommitted changes; otherwise a read transaction keeps the image
// consistent while it is copied.
func (b *Btree) CopyFile(w io.Writer) (int64, error) {
	if !b.IsInReadTrans() {
		if err := b.BeginTrans(BeginRead); err != nil {
			return 0, err
		}
		defer func() { _ = b.CommitPhaseTwo() }()
	}
	b.enter()
	defer b.leave()
	pg := b.bt.pager
	var total int64
	for pgno := Pgno(1); pgno <= pg.PageCount(); pgno++ {
		dbp, err := pg.Get(pgno)
		if err != nil {
			return total, err
		}
		n, err := w.Write(dbp.Data)
		pg.Put(dbp)
		total += int64(n)
		if err != nil {
			return total, errors.NewIO("copy", b.GetFilename(), err)
		}
	}
	return total, nil
}
