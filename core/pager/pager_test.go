package pager

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

const testPageSize = 1024

func tempFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func openTest(t *testing.T, filename string) *Pager {
	t.Helper()
	p, err := Open(filename, Options{PageSize: testPageSize})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// writePage stores payload at offset 100 of page pgno inside the open
// write transaction.
func writePage(t *testing.T, p *Pager, pgno Pgno, payload string) {
	t.Helper()
	page, err := p.Get(pgno)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", pgno, err)
	}
	defer p.Put(page)
	if err := p.Write(page); err != nil {
		t.Fatalf("Write(%d) error = %v", pgno, err)
	}
	copy(page.Data[DatabaseHeaderSize:], payload)
}

func readPage(t *testing.T, p *Pager, pgno Pgno, n int) string {
	t.Helper()
	page, err := p.Get(pgno)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", pgno, err)
	}
	defer p.Put(page)
	return string(page.Data[DatabaseHeaderSize : DatabaseHeaderSize+n])
}

func TestOpen_NewDatabase(t *testing.T) {
	filename := tempFile(t)
	p := openTest(t, filename)

	if p.PageSize() != testPageSize {
		t.Errorf("PageSize() = %d, want %d", p.PageSize(), testPageSize)
	}
	if p.PageCount() != 0 {
		t.Errorf("PageCount() = %d, want 0", p.PageCount())
	}
	if p.State() != PagerStateOpen {
		t.Errorf("State() = %d, want %d", p.State(), PagerStateOpen)
	}
	if _, err := os.Stat(filename); err != nil {
		t.Errorf("database file was not created: %v", err)
	}
	if p.JournalFilename() != p.Filename()+"-journal" {
		t.Errorf("JournalFilename() = %q", p.JournalFilename())
	}
}

func TestOpen_InvalidPageSize(t *testing.T) {
	_, err := Open(tempFile(t), Options{PageSize: 1000})
	if !errors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("Open() error = %v, want ErrInvalidInput", err)
	}
}

func TestGet_PageZero(t *testing.T) {
	p := openTest(t, tempFile(t))
	if _, err := p.Get(0); !errors.Is(err, errors.ErrCorrupt) {
		t.Fatalf("Get(0) error = %v, want ErrCorrupt", err)
	}
}

func TestWrite_RequiresTransaction(t *testing.T) {
	p := openTest(t, tempFile(t))
	page, err := p.Get(1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer p.Put(page)
	if err := p.Write(page); !errors.Is(err, errors.ErrMisuse) {
		t.Fatalf("Write() error = %v, want ErrMisuse", err)
	}
}

func TestCommit_Persists(t *testing.T) {
	filename := tempFile(t)
	p := openTest(t, filename)

	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "first")
	writePage(t, p, 3, "third")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if p.PageCount() != 3 {
		t.Errorf("PageCount() = %d, want 3", p.PageCount())
	}
	if _, err := os.Stat(p.JournalFilename()); !os.IsNotExist(err) {
		t.Errorf("journal still exists after commit: %v", err)
	}
	if p.LockState() != LockNone {
		t.Errorf("LockState() = %d, want LockNone", p.LockState())
	}
	p.Close()

	p2 := openTest(t, filename)
	if got := readPage(t, p2, 1, 5); got != "first" {
		t.Errorf("page 1 = %q, want first", got)
	}
	if got := readPage(t, p2, 3, 5); got != "third" {
		t.Errorf("page 3 = %q, want third", got)
	}
	if got := readPage(t, p2, 2, 5); got != "\x00\x00\x00\x00\x00" {
		t.Errorf("page 2 = %q, want zeros", got)
	}
}

func TestCommit_ChangeCounter(t *testing.T) {
	p := openTest(t, tempFile(t))
	for i := 1; i <= 3; i++ {
		if err := p.Begin(false); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		writePage(t, p, 2, "x")
		if err := p.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if got := p.ChangeCounter(); got != uint32(i) {
			t.Errorf("ChangeCounter() = %d, want %d", got, i)
		}
	}
	page, err := p.Get(1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer p.Put(page)
	if hdrSize := binary.BigEndian.Uint32(page.Data[OffsetDatabaseSize:]); hdrSize != 2 {
		t.Errorf("in-header size = %d, want 2", hdrSize)
	}
}

func TestRollback_RestoresContent(t *testing.T) {
	tests := []struct {
		name  string
		phase bool
	}{
		{"cache only", false},
		{"after phase one", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := openTest(t, tempFile(t))
			if err := p.Begin(false); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			writePage(t, p, 1, "original")
			writePage(t, p, 2, "original")
			if err := p.Commit(); err != nil {
				t.Fatalf("Commit() error = %v", err)
			}

			held, err := p.Get(1)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			defer p.Put(held)
			var reinit []Pgno
			p.SetReiniter(func(pg *DbPage) { reinit = append(reinit, pg.Pgno) })

			if err := p.Begin(false); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			writePage(t, p, 1, "modified")
			writePage(t, p, 2, "modified")
			writePage(t, p, 5, "new page")
			if tt.phase {
				if err := p.CommitPhaseOne(""); err != nil {
					t.Fatalf("CommitPhaseOne() error = %v", err)
				}
			}
			if err := p.Rollback(); err != nil {
				t.Fatalf("Rollback() error = %v", err)
			}

			if got := string(held.Data[DatabaseHeaderSize : DatabaseHeaderSize+8]); got != "original" {
				t.Errorf("pinned page 1 = %q, want original", got)
			}
			if len(reinit) != 1 || reinit[0] != 1 {
				t.Errorf("reinit = %v, want [1]", reinit)
			}
			if got := readPage(t, p, 2, 8); got != "original" {
				t.Errorf("page 2 = %q, want original", got)
			}
			if p.PageCount() != 2 {
				t.Errorf("PageCount() = %d, want 2", p.PageCount())
			}
		})
	}
}

func TestTruncateImage(t *testing.T) {
	filename := tempFile(t)
	p := openTest(t, filename)
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	for i := Pgno(1); i <= 6; i++ {
		writePage(t, p, i, "page")
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "head")
	p.TruncateImage(3)
	if p.PageCount() != 3 {
		t.Fatalf("PageCount() = %d, want 3", p.PageCount())
	}
	if err := p.CommitPhaseOne(""); err != nil {
		t.Fatalf("CommitPhaseOne() error = %v", err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 3*testPageSize {
		t.Errorf("file size = %d, want %d", info.Size(), 3*testPageSize)
	}

	// The dropped pages went to the journal, so rollback brings them back.
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if p.PageCount() != 6 {
		t.Errorf("PageCount() after rollback = %d, want 6", p.PageCount())
	}
	if got := readPage(t, p, 6, 4); got != "page" {
		t.Errorf("page 6 = %q, want page", got)
	}
}

func TestHotJournal_RollsBackCrash(t *testing.T) {
	filename := tempFile(t)
	p := openTest(t, filename)
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "committed")
	writePage(t, p, 2, "committed")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 2, "uncommitted")
	writePage(t, p, 4, "uncommitted")
	if err := p.CommitPhaseOne(""); err != nil {
		t.Fatalf("CommitPhaseOne() error = %v", err)
	}

	crashed := filepath.Join(t.TempDir(), "crashed.db")
	copyFile(t, filename, crashed)
	copyFile(t, p.JournalFilename(), crashed+"-journal")

	c := openTest(t, crashed)
	if got := readPage(t, c, 2, 9); got != "committed" {
		t.Errorf("page 2 = %q, want committed", got)
	}
	if c.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", c.PageCount())
	}
	if _, err := os.Stat(crashed + "-journal"); !os.IsNotExist(err) {
		t.Errorf("hot journal was not removed: %v", err)
	}
}

func TestHotJournal_TornTail(t *testing.T) {
	filename := tempFile(t)
	p := openTest(t, filename)
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "aaaa")
	writePage(t, p, 2, "bbbb")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "AAAA")
	writePage(t, p, 2, "BBBB")
	if err := p.CommitPhaseOne(""); err != nil {
		t.Fatalf("CommitPhaseOne() error = %v", err)
	}

	crashed := filepath.Join(t.TempDir(), "torn.db")
	copyFile(t, filename, crashed)
	copyFile(t, p.JournalFilename(), crashed+"-journal")

	// Damage the second record. Playback stops there and page 2 keeps the
	// content phase one wrote.
	jf, err := os.OpenFile(crashed+"-journal", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	off := int64(JournalHeaderSize + 2*(4+testPageSize+checksumSize) - 1)
	if _, err := jf.WriteAt([]byte{0xff}, off); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	jf.Close()

	c := openTest(t, crashed)
	if got := readPage(t, c, 1, 4); got != "aaaa" {
		t.Errorf("page 1 = %q, want aaaa", got)
	}
	if got := readPage(t, c, 2, 4); got != "BBBB" {
		t.Errorf("page 2 = %q, want BBBB", got)
	}
}

func TestHotJournal_SuperJournalGone(t *testing.T) {
	filename := tempFile(t)
	p := openTest(t, filename)
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "old")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	super := filepath.Join(t.TempDir(), "super")
	if err := os.WriteFile(super, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "new")
	if err := p.CommitPhaseOne(super); err != nil {
		t.Fatalf("CommitPhaseOne() error = %v", err)
	}

	withSuper := filepath.Join(t.TempDir(), "a.db")
	copyFile(t, filename, withSuper)
	copyFile(t, p.JournalFilename(), withSuper+"-journal")
	a := openTest(t, withSuper)
	if got := readPage(t, a, 1, 3); got != "old" {
		t.Errorf("with super-journal: page 1 = %q, want old", got)
	}

	os.Remove(super)
	without := filepath.Join(t.TempDir(), "b.db")
	copyFile(t, filename, without)
	copyFile(t, p.JournalFilename(), without+"-journal")
	b := openTest(t, without)
	if got := readPage(t, b, 1, 3); got != "new" {
		t.Errorf("without super-journal: page 1 = %q, want new", got)
	}
}

func TestLocking_Busy(t *testing.T) {
	filename := tempFile(t)
	a := openTest(t, filename)
	b := openTest(t, filename)

	if err := a.Begin(false); err != nil {
		t.Fatalf("a.Begin() error = %v", err)
	}
	if err := b.Begin(false); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("b.Begin() error = %v, want ErrBusy", err)
	}
	writePage(t, a, 1, "from a")

	// b reads, which keeps a from taking EXCLUSIVE.
	held, err := b.Get(1)
	if err != nil {
		t.Fatalf("b.Get() error = %v", err)
	}
	if err := a.CommitPhaseOne(""); !errors.Is(err, errors.ErrBusy) {
		t.Fatalf("a.CommitPhaseOne() error = %v, want ErrBusy", err)
	}
	b.Put(held)

	if err := a.Commit(); err != nil {
		t.Fatalf("a.Commit() error = %v", err)
	}
	if got := readPage(t, b, 1, 6); got != "from a" {
		t.Errorf("b sees %q, want from a", got)
	}
	if err := b.Begin(false); err != nil {
		t.Fatalf("b.Begin() after commit error = %v", err)
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("b.Rollback() error = %v", err)
	}
}

func TestLocking_StaleCacheDropped(t *testing.T) {
	filename := tempFile(t)
	a := openTest(t, filename)
	b := openTest(t, filename)

	for _, text := range []string{"one", "two"} {
		if err := a.Begin(false); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		writePage(t, a, 2, text)
		if err := a.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		if got := readPage(t, b, 2, 3); got != text {
			t.Errorf("b sees %q, want %q", got, text)
		}
	}
}

func TestSavepoint_RollbackTo(t *testing.T) {
	p := openTest(t, tempFile(t))
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "base")
	writePage(t, p, 2, "base")

	if err := p.Savepoint("outer"); err != nil {
		t.Fatalf("Savepoint() error = %v", err)
	}
	writePage(t, p, 2, "outr")
	if err := p.Savepoint("inner"); err != nil {
		t.Fatalf("Savepoint() error = %v", err)
	}
	writePage(t, p, 1, "innr")
	writePage(t, p, 3, "innr")

	if err := p.RollbackTo("inner"); err != nil {
		t.Fatalf("RollbackTo(inner) error = %v", err)
	}
	if got := readPage(t, p, 1, 4); got != "base" {
		t.Errorf("page 1 = %q, want base", got)
	}
	if got := readPage(t, p, 2, 4); got != "outr" {
		t.Errorf("page 2 = %q, want outr", got)
	}
	if p.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", p.PageCount())
	}

	if err := p.RollbackTo("outer"); err != nil {
		t.Fatalf("RollbackTo(outer) error = %v", err)
	}
	if got := readPage(t, p, 2, 4); got != "base" {
		t.Errorf("page 2 = %q, want base", got)
	}
	if names := p.SavepointNames(); len(names) != 1 || names[0] != "outer" {
		t.Errorf("SavepointNames() = %v, want [outer]", names)
	}
	if err := p.Release("outer"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if p.HasSavepoint("outer") {
		t.Error("outer still open after Release")
	}
	if err := p.RollbackTo("outer"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("RollbackTo(released) error = %v, want ErrNotFound", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestMemoryDatabase(t *testing.T) {
	p := openTest(t, MemoryFilename)
	if !p.IsMemory() {
		t.Fatal("IsMemory() = false")
	}
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "kept")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "lost")
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if got := readPage(t, p, 1, 4); got != "kept" {
		t.Errorf("page 1 = %q, want kept", got)
	}
}

func TestJournalModes(t *testing.T) {
	modes := []struct {
		name string
		mode int
		keep bool
	}{
		{"delete", JournalModeDelete, false},
		{"truncate", JournalModeTruncate, true},
		{"persist", JournalModePersist, true},
		{"memory", JournalModeMemory, false},
	}
	for _, m := range modes {
		t.Run(m.name, func(t *testing.T) {
			filename := tempFile(t)
			p, err := Open(filename, Options{PageSize: testPageSize, JournalMode: m.mode})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer p.Close()
			for i := 0; i < 2; i++ {
				if err := p.Begin(false); err != nil {
					t.Fatalf("Begin() error = %v", err)
				}
				writePage(t, p, 1, "data")
				if err := p.Commit(); err != nil {
					t.Fatalf("Commit() error = %v", err)
				}
			}
			_, err = os.Stat(p.JournalFilename())
			if exists := err == nil; exists != m.keep {
				t.Errorf("journal exists = %v, want %v", exists, m.keep)
			}

			// A finalized journal is never hot.
			q := openTest(t, filename)
			if got := readPage(t, q, 1, 4); got != "data" {
				t.Errorf("page 1 = %q, want data", got)
			}
		})
	}
}

func TestSetPageSize(t *testing.T) {
	p := openTest(t, tempFile(t))
	got, err := p.SetPageSize(4096)
	if err != nil || got != 4096 {
		t.Fatalf("SetPageSize(4096) = %d, %v", got, err)
	}
	if _, err := p.SetPageSize(3000); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("SetPageSize(3000) error = %v, want ErrInvalidInput", err)
	}
	if err := p.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, p, 1, "x")
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got, _ := p.SetPageSize(512); got != 4096 {
		t.Errorf("SetPageSize on non-empty file = %d, want 4096", got)
	}
}

func TestReadOnly(t *testing.T) {
	filename := tempFile(t)
	w := openTest(t, filename)
	if err := w.Begin(false); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	writePage(t, w, 1, "ro")
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	r, err := Open(filename, Options{PageSize: testPageSize, ReadOnly: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()
	if err := r.Begin(false); !errors.Is(err, errors.ErrReadOnly) {
		t.Errorf("Begin() error = %v, want ErrReadOnly", err)
	}
	if got := readPage(t, r, 1, 2); got != "ro" {
		t.Errorf("page 1 = %q, want ro", got)
	}
}

func copyFile(t *testing.T, from, to string) {
	t.Helper()
	data, err := os.ReadFile(from)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", from, err)
	}
	if err := os.WriteFile(to, data, 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", to, err)
	}
}

