package pager

import (
	"bytes"
	"testing"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

func TestJournal_WriteRead(t *testing.T) {
	f := newMemFile()
	j := NewJournal(f, "", 512, 7)
	if err := j.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	pages := map[Pgno][]byte{
		2: bytes.Repeat([]byte{0x22}, 512),
		5: bytes.Repeat([]byte{0x55}, 512),
	}
	for _, pgno := range []Pgno{2, 5} {
		if err := j.WriteOriginal(pgno, pages[pgno]); err != nil {
			t.Fatalf("WriteOriginal(%d) error = %v", pgno, err)
		}
	}
	if err := j.WriteSuper("/tmp/super-journal"); err != nil {
		t.Fatalf("WriteSuper() error = %v", err)
	}
	if j.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", j.PageCount())
	}

	hdr, recs, super, err := readJournal(f)
	if err != nil {
		t.Fatalf("readJournal() error = %v", err)
	}
	if hdr == nil {
		t.Fatal("header not recognised")
	}
	if hdr.InitialSize != 7 || hdr.PageSize != 512 || hdr.Salt != j.ID() {
		t.Errorf("header = %+v", hdr)
	}
	if len(recs) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if !bytes.Equal(rec.data, pages[rec.pgno]) {
			t.Errorf("record for page %d differs", rec.pgno)
		}
	}
	if super != "/tmp/super-journal" {
		t.Errorf("super = %q", super)
	}
}

func TestJournal_WrongSize(t *testing.T) {
	j := NewJournal(newMemFile(), "", 512, 0)
	if err := j.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := j.WriteOriginal(1, make([]byte, 100)); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("WriteOriginal() error = %v, want ErrInvalidInput", err)
	}
}

func TestJournal_NotAJournal(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(j *Journal, f *memFile)
	}{
		{"empty", func(j *Journal, f *memFile) { f.Truncate(0) }},
		{"zeroed header", func(j *Journal, f *memFile) { j.ZeroHeader() }},
		{"bad header checksum", func(j *Journal, f *memFile) { f.WriteAt([]byte{1}, 12) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemFile()
			j := NewJournal(f, "", 512, 1)
			if err := j.Open(); err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			j.WriteOriginal(1, make([]byte, 512))
			tt.prepare(j, f)
			hdr, recs, _, err := readJournal(f)
			if err != nil {
				t.Fatalf("readJournal() error = %v", err)
			}
			if hdr != nil || len(recs) != 0 {
				t.Errorf("readJournal() = %v, %d records; want nothing", hdr, len(recs))
			}
		})
	}
}

func TestJournal_StaleRecordsIgnored(t *testing.T) {
	f := newMemFile()
	old := NewJournal(f, "", 512, 3)
	old.Open()
	old.WriteOriginal(1, make([]byte, 512))
	old.WriteOriginal(2, make([]byte, 512))

	// A persisted journal reused by the next transaction: the old records
	// carry another salt.
	fresh := NewJournal(f, "", 512, 3)
	fresh.Open()
	fresh.WriteOriginal(3, make([]byte, 512))

	_, recs, _, err := readJournal(f)
	if err != nil {
		t.Fatalf("readJournal() error = %v", err)
	}
	if len(recs) != 1 || recs[0].pgno != 3 {
		t.Errorf("records = %v, want only page 3", recs)
	}
}

func TestLockTable(t *testing.T) {
	table := &lockTable{files: make(map[string]*fileLock)}
	a := table.acquire("/db")
	b := table.acquire("/db")
	if a != b {
		t.Fatal("same path gave different lock entries")
	}

	la, err := table.lock(a, LockNone, LockShared)
	if err != nil {
		t.Fatalf("a SHARED error = %v", err)
	}
	lb, err := table.lock(b, LockNone, LockShared)
	if err != nil {
		t.Fatalf("b SHARED error = %v", err)
	}
	if la, err = table.lock(a, la, LockReserved); err != nil {
		t.Fatalf("a RESERVED error = %v", err)
	}
	if _, err := table.lock(b, lb, LockReserved); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("b RESERVED error = %v, want ErrBusy", err)
	}
	if !table.reservedByOther(b, lb) {
		t.Error("reservedByOther() = false for the reader")
	}
	if la, err = table.lock(a, la, LockExclusive); !errors.Is(err, errors.ErrBusy) || la != LockPending {
		t.Errorf("a EXCLUSIVE = %d, %v; want PENDING, ErrBusy", la, err)
	}

	// PENDING keeps new readers out.
	c := table.acquire("/db")
	if _, err := table.lock(c, LockNone, LockShared); !errors.Is(err, errors.ErrBusy) {
		t.Errorf("c SHARED error = %v, want ErrBusy", err)
	}

	lb = table.unlock(b, lb, LockNone)
	if la, err = table.lock(a, la, LockExclusive); err != nil || la != LockExclusive {
		t.Errorf("a EXCLUSIVE retry = %d, %v", la, err)
	}
	la = table.unlock(a, la, LockNone)
	if _, err := table.lock(c, LockNone, LockShared); err != nil {
		t.Errorf("c SHARED after release error = %v", err)
	}

	table.release(a)
	table.release(b)
	table.release(c)
	if len(table.files) != 0 {
		t.Errorf("lock table still has %d entries", len(table.files))
	}
	_ = lb
	_ = la
}
