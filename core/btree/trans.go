package btree

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// stmtSavepoint names the pager savepoint backing statement transactions.
const stmtSavepoint = "btree.stmt"

// BeginTrans starts a transaction. wrflag is BeginRead, BeginWrite or
// BeginExclusive. A read transaction already open is upgraded. Only one
// write transaction may be open on a BtShared; a second writer gets
// ErrLocked. File-level contention returns ErrBusy once the busy handler
// gives up; a handle that already reads never waits, so two upgrading
// readers cannot deadlock.
func (b *Btree) BeginTrans(wrflag int) error {
	b.enter()
	defer b.leave()
	bt := b.bt

	if b.inTrans == TransWrite || (b.inTrans == TransRead && wrflag == BeginRead) {
		return nil
	}
	if bt.readOnly && wrflag != BeginRead {
		return errors.ErrReadOnly
	}
	if (wrflag != BeginRead && bt.inTransaction == TransWrite) || bt.isPending {
		return errors.ErrLocked
	}
	if err := b.querySharedCacheTableLock(1, ReadLock); err != nil {
		return err
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = nil
		if bt.page1 == nil {
			err = bt.lockBtree()
		}
		if err == nil && wrflag != BeginRead {
			began := false
			if bt.readOnly {
				err = errors.ErrReadOnly
			} else if err = bt.pager.Begin(wrflag > BeginWrite); err == nil {
				began = true
				err = bt.newDatabase()
			}
			if err != nil && began && bt.inTransaction != TransWrite {
				_ = bt.pager.Rollback()
			}
		}
		if err != nil {
			bt.unlockBtreeIfUnused()
		}
		if !errors.Is(err, errors.ErrBusy) || bt.inTransaction != TransNone || b.busyHandler == nil {
			break
		}
		if !b.busyHandler(attempt) {
			logging.InfoContext(b.ctx, "busy handler gave up", "file", bt.filename, "attempts", attempt+1)
			break
		}
		logging.DebugContext(b.ctx, "database busy, retrying", "file", bt.filename, "attempt", attempt)
	}
	if err != nil {
		return err
	}

	if b.inTrans == TransNone {
		bt.nTransaction++
		b.setSharedCacheTableLock(1, ReadLock)
		b.inTrans = TransRead
	}
	if bt.inTransaction == TransNone {
		bt.inTransaction = TransRead
	}
	if wrflag != BeginRead {
		b.inTrans = TransWrite
		bt.inTransaction = TransWrite
		bt.writer = b
		bt.isExclusive = wrflag > BeginWrite
	}
	logging.TransactionEvent(b.ctx, "begin", bt.filename, "write", wrflag != BeginRead)
	return nil
}

// endTransaction finishes the handle's transaction after a commit or
// rollback. A handle that still has cursors open keeps a read transaction
// with its locks downgraded.
func (b *Btree) endTransaction() {
	bt := b.bt
	if b.inTrans > TransNone && b.hasOpenCursors() {
		b.downgradeAllSharedCacheTableLocks()
		b.inTrans = TransRead
		return
	}
	if b.inTrans != TransNone {
		b.clearAllSharedCacheTableLocks()
		bt.nTransaction--
		if bt.nTransaction == 0 {
			bt.inTransaction = TransNone
		}
	}
	b.inTrans = TransNone
	bt.unlockBtreeIfUnused()
}

func (b *Btree) hasOpenCursors() bool {
	for _, c := range b.bt.cursors {
		if c.btree == b {
			return true
		}
	}
	return false
}

// CommitPhaseOne runs the auto-vacuum truncation, if any, and the pager's
// first commit phase. superJournal names the super-journal of a multi-file
// commit, or is empty.
func (b *Btree) CommitPhaseOne(superJournal string) error {
	b.enter()
	defer b.leave()
	if b.inTrans != TransWrite {
		return nil
	}
	bt := b.bt
	if bt.autoVacuum {
		if err := bt.autoVacuumCommit(); err != nil {
			return err
		}
	}
	return bt.pager.CommitPhaseOne(superJournal)
}

// CommitPhaseTwo finishes the commit and ends the transaction. It is also
// how a read transaction is ended.
func (b *Btree) CommitPhaseTwo() error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if b.inTrans == TransWrite {
		if err := bt.pager.CommitPhaseTwo(); err != nil {
			return err
		}
		bt.inTransaction = TransRead
		logging.TransactionEvent(b.ctx, "commit", bt.filename,
			"pages", bt.pager.PageCount())
	}
	b.endTransaction()
	return nil
}

// Commit commits the transaction of the handle.
func (b *Btree) Commit() error {
	if err := b.CommitPhaseOne(""); err != nil {
		return err
	}
	return b.CommitPhaseTwo()
}

// Rollback abandons the transaction. Open cursors are saved first so that
// they survive; if saving fails every cursor is tripped.
func (b *Btree) Rollback() error {
	b.enter()
	defer b.leave()
	return b.rollbackLocked()
}

func (b *Btree) rollbackLocked() error {
	bt := b.bt
	if err := bt.saveAllCursors(0, nil); err != nil {
		b.tripAllCursorsLocked(err)
	}
	var err error
	if b.inTrans == TransWrite {
		err = bt.pager.Rollback()
		if bt.page1 != nil {
			// Resync the decoded view of page 1 with the restored image.
			if p1, gerr := bt.getPage(1); gerr == nil {
				bt.releasePage(p1)
			}
		}
		bt.inTransaction = TransRead
		bt.inStmt = false
		logging.TransactionEvent(b.ctx, "rollback", bt.filename)
	}
	b.endTransaction()
	return err
}

// BeginStmt opens a statement subtransaction inside the write
// transaction. Only one statement may be open at a time.
func (b *Btree) BeginStmt() error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if b.inTrans != TransWrite || bt.inStmt {
		if bt.readOnly {
			return errors.ErrReadOnly
		}
		return errors.Wrap(errors.ErrMisuse, "statement needs a write transaction and no open statement")
	}
	if err := bt.pager.Savepoint(stmtSavepoint); err != nil {
		return err
	}
	bt.inStmt = true
	return nil
}

// CommitStmt keeps the changes of the open statement.
func (b *Btree) CommitStmt() error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if !bt.inStmt {
		return nil
	}
	bt.inStmt = false
	return bt.pager.Release(stmtSavepoint)
}

// RollbackStmt undoes the changes of the open statement. Cursors are
// saved first and find their keys again afterwards.
func (b *Btree) RollbackStmt() error {
	b.enter()
	defer b.leave()
	bt := b.bt
	if !bt.inStmt {
		return nil
	}
	bt.inStmt = false
	if err := bt.saveAllCursors(0, nil); err != nil {
		b.tripAllCursorsLocked(err)
	}
	if err := bt.pager.RollbackTo(stmtSavepoint); err != nil {
		return err
	}
	return bt.pager.Release(stmtSavepoint)
}

// IsInTrans reports whether the handle has a write transaction open.
func (b *Btree) IsInTrans() bool {
	return b != nil && b.inTrans == TransWrite
}

// IsInReadTrans reports whether the handle has any transaction open.
func (b *Btree) IsInReadTrans() bool {
	return b != nil && b.inTrans != TransNone
}

// IsInStmt reports whether a statement is open on the BtShared.
func (b *Btree) IsInStmt() bool {
	return b != nil && b.bt.inStmt
}

// CommitAll commits the write transactions of handles on different files
// so that either all of them or none survive a crash. With more than one
// file-backed writer, a super-journal listing their journals is written
// first; deleting it is the commit point.
func CommitAll(handles ...*Btree) error {
	var files []*Btree
	for _, b := range handles {
		if b.IsInTrans() && !b.bt.pager.IsMemory() {
			files = append(files, b)
		}
	}
	var super string
	if len(files) > 1 {
		name, err := writeSuperJournal(files)
		if err != nil {
			return err
		}
		super = name
	}
	for _, b := range handles {
		s := ""
		if !b.bt.pager.IsMemory() {
			s = super
		}
		if err := b.CommitPhaseOne(s); err != nil {
			if super != "" {
				_ = os.Remove(super)
			}
			return err
		}
	}
	if super != "" {
		if err := os.Remove(super); err != nil {
			return errors.NewIO("delete", super, err)
		}
	}
	var firstErr error
	for _, b := range handles {
		if err := b.CommitPhaseTwo(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeSuperJournal creates and syncs the super-journal next to the first
// database file. It holds the journal names, NUL-terminated.
func writeSuperJournal(files []*Btree) (string, error) {
	first := files[0].bt.pager.Filename()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := filepath.Join(filepath.Dir(first), filepath.Base(first)+"-mj"+id)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.NewIO("create", name, err)
	}
	var sb strings.Builder
	for _, b := range files {
		sb.WriteString(b.bt.pager.JournalFilename())
		sb.WriteByte(0)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", errors.NewIO("write", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", errors.NewIO("sync", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", errors.NewIO("close", name, err)
	}
	logging.Debug("super-journal written", "file", name, "journals", len(files))
	return name, nil
}
