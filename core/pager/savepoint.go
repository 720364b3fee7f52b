package pager

import (
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Savepoint is a named point inside a write transaction that the
// transaction can later be rolled back to. It keeps the image of every page
// first written after it was opened.
type Savepoint struct {
	name       string
	dbSize     Pgno
	pageStates map[Pgno][]byte
}

// Savepoint opens a new savepoint. Savepoints nest; names must be unique.
func (p *Pager) Savepoint(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	if name == "" {
		return errors.NewValidation("name", "savepoint name cannot be empty")
	}
	if p.findSavepoint(name) >= 0 {
		return errors.Wrapf(errors.ErrMisuse, "savepoint %s already exists", name)
	}
	p.savepoints = append(p.savepoints, &Savepoint{
		name:       name,
		dbSize:     p.dbSize,
		pageStates: make(map[Pgno][]byte),
	})
	return nil
}

// Release forgets a savepoint and every savepoint opened after it, keeping
// their changes.
func (p *Pager) Release(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	i := p.findSavepoint(name)
	if i < 0 {
		return errors.NewNotFound("savepoint", name)
	}
	p.savepoints = p.savepoints[:i]
	return nil
}

// RollbackTo undoes every change made since the savepoint was opened. The
// savepoint itself stays open; newer ones are discarded.
func (p *Pager) RollbackTo(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errCode != nil {
		return p.errCode
	}
	if p.state < PagerStateWriterLocked {
		return ErrNoTransaction
	}
	i := p.findSavepoint(name)
	if i < 0 {
		return errors.NewNotFound("savepoint", name)
	}
	sp := p.savepoints[i]

	// The oldest saved image of each page is its state at the savepoint.
	restore := make(map[Pgno][]byte)
	for j := len(p.savepoints) - 1; j >= i; j-- {
		for pgno, data := range p.savepoints[j].pageStates {
			restore[pgno] = data
		}
	}

	p.dbSize = sp.dbSize
	p.cache.TruncateTo(sp.dbSize)
	for pgno, data := range restore {
		if pgno > sp.dbSize {
			continue
		}
		page := p.cache.Get(pgno)
		if page == nil {
			page = NewDbPage(pgno, p.pageSize)
			page.RefCount = 0
			page.pager = p
			if err := p.cache.Put(page); err != nil {
				return err
			}
		}
		copy(page.Data, data)
		p.cache.MarkDirty(page)
		p.cache.Forget(pgno)
		if p.reiniter != nil {
			p.reiniter(page)
		}
	}

	p.savepoints = p.savepoints[:i+1]
	sp.pageStates = make(map[Pgno][]byte)
	return nil
}

// HasSavepoint reports whether a savepoint with the given name is open.
func (p *Pager) HasSavepoint(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.findSavepoint(name) >= 0
}

// SavepointNames returns the open savepoints, oldest first.
func (p *Pager) SavepointNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.savepoints))
	for i, sp := range p.savepoints {
		names[i] = sp.name
	}
	return names
}

func (p *Pager) findSavepoint(name string) int {
	for i, sp := range p.savepoints {
		if sp.name == name {
			return i
		}
	}
	return -1
}

func (p *Pager) clearSavepointsLocked() {
	p.savepoints = nil
}

// savePageState records page's current image in every open savepoint that
// has not seen it yet. Pages created after a savepoint need no image since
// rolling back discards them.
func (p *Pager) savePageState(page *DbPage) {
	var img []byte
	for _, sp := range p.savepoints {
		if page.Pgno > sp.dbSize {
			continue
		}
		if _, ok := sp.pageStates[page.Pgno]; ok {
			continue
		}
		if img == nil {
			img = make([]byte, len(page.Data))
			copy(img, page.Data)
		}
		sp.pageStates[page.Pgno] = img
	}
}
