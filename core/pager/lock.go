package pager

import (
	"sync"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Lock levels held by a pager on its database file.
const (
	LockNone = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

// lockTable coordinates pagers of this process that have the same file
// open. It plays the part of the operating system's byte-range locks: any
// number of SHARED holders, at most one RESERVED holder, and EXCLUSIVE only
// once every other SHARED holder is gone. A PENDING request blocks new
// SHARED locks so that a waiting writer cannot be starved.
type lockTable struct {
	mu    sync.Mutex
	files map[string]*fileLock
}

type fileLock struct {
	path     string
	refs     int
	shared   int
	reserved bool
	pending  bool
	excl     bool
}

var processLocks = &lockTable{files: make(map[string]*fileLock)}

func (t *lockTable) acquire(path string) *fileLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	fl, ok := t.files[path]
	if !ok {
		fl = &fileLock{path: path}
		t.files[path] = fl
	}
	fl.refs++
	return fl
}

func (t *lockTable) release(fl *fileLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fl.refs--
	if fl.refs <= 0 {
		delete(t.files, fl.path)
	}
}

// lock raises the holder from level cur to level want. It returns ErrBusy
// when the transition conflicts with another holder; on an EXCLUSIVE request
// the PENDING bit stays set so that a retry can succeed once readers drain.
func (t *lockTable) lock(fl *fileLock, cur, want int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if want <= cur {
		return cur, nil
	}
	switch want {
	case LockShared:
		if fl.pending || fl.excl {
			return cur, errors.ErrBusy
		}
		fl.shared++
		return LockShared, nil
	case LockReserved:
		if fl.reserved {
			return cur, errors.ErrBusy
		}
		fl.reserved = true
		return LockReserved, nil
	case LockExclusive:
		if cur < LockReserved {
			if fl.reserved {
				return cur, errors.ErrBusy
			}
			fl.reserved = true
		}
		fl.pending = true
		if fl.shared > 1 {
			return LockPending, errors.ErrBusy
		}
		fl.excl = true
		return LockExclusive, nil
	}
	return cur, nil
}

// unlock lowers the holder from cur to want (LockShared or LockNone).
func (t *lockTable) unlock(fl *fileLock, cur, want int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur >= LockReserved && want < LockReserved {
		fl.reserved = false
		fl.pending = false
		fl.excl = false
	}
	if cur >= LockShared && want < LockShared {
		fl.shared--
	}
	return want
}

// reservedByOther reports whether a holder other than one at level cur has
// claimed RESERVED. A journal is only hot when nobody is writing it.
func (t *lockTable) reservedByOther(fl *fileLock, cur int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fl.reserved && cur < LockReserved
}

func (t *lockTable) sharedCount(fl *fileLock) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fl.shared
}
