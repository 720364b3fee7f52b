package btree

import (
	"bytes"
	"fmt"
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

func openTest(t *testing.T, filename string, opts Options) *Btree {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = testPageSize
	}
	b, err := Open(filename, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func beginWrite(t *testing.T, b *Btree) {
	t.Helper()
	if err := b.BeginTrans(BeginWrite); err != nil {
		t.Fatalf("BeginTrans(BeginWrite) error = %v", err)
	}
}

func beginRead(t *testing.T, b *Btree) {
	t.Helper()
	if err := b.BeginTrans(BeginRead); err != nil {
		t.Fatalf("BeginTrans(BeginRead) error = %v", err)
	}
}

func commit(t *testing.T, b *Btree) {
	t.Helper()
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func createTable(t *testing.T, b *Btree, flags int) Pgno {
	t.Helper()
	root, err := b.CreateTable(flags)
	if err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	return root
}

func openCursor(t *testing.T, b *Btree, root Pgno, wrFlag bool) *Cursor {
	t.Helper()
	c, err := b.OpenCursor(root, wrFlag, nil)
	if err != nil {
		t.Fatalf("OpenCursor(%d) error = %v", root, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func rowData(key int64, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + key%26)}, size)
}

// insertRows inserts every key with rowData(key, size) through c.
func insertRows(t *testing.T, c *Cursor, keys []int64, size int) {
	t.Helper()
	for _, k := range keys {
		if err := c.Insert(nil, k, rowData(k, size), 0, false); err != nil {
			t.Fatalf("Insert(%d) error = %v", k, err)
		}
	}
}

func seq(from, to int64) []int64 {
	keys := make([]int64, 0, to-from+1)
	for k := from; k <= to; k++ {
		keys = append(keys, k)
	}
	return keys
}

// collectKeys walks the table forwards and returns its integer keys.
func collectKeys(t *testing.T, c *Cursor) []int64 {
	t.Helper()
	var keys []int64
	ok, err := c.First()
	for ; ok && err == nil; ok, err = c.Next() {
		k, kerr := c.KeySize()
		if kerr != nil {
			t.Fatalf("KeySize() error = %v", kerr)
		}
		keys = append(keys, k)
	}
	if err != nil {
		t.Fatalf("cursor walk error = %v", err)
	}
	return keys
}

func checkIntegrity(t *testing.T, b *Btree, roots ...Pgno) {
	t.Helper()
	msgs, err := b.IntegrityCheck(append([]Pgno{1}, roots...), 0)
	if err != nil {
		t.Fatalf("IntegrityCheck() error = %v", err)
	}
	for _, m := range msgs {
		t.Errorf("integrity: %s", m)
	}
}

func TestOpen_NewDatabase(t *testing.T) {
	filename := tempFile(t)
	b := openTest(t, filename, Options{})

	if b.PageCount() != 0 {
		t.Errorf("PageCount() before first write = %d, want 0", b.PageCount())
	}
	beginWrite(t, b)
	commit(t, b)
	if b.PageCount() != 1 {
		t.Errorf("PageCount() = %d, want 1", b.PageCount())
	}
	if b.GetPageSize() != testPageSize {
		t.Errorf("GetPageSize() = %d, want %d", b.GetPageSize(), testPageSize)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.HasPrefix(data, []byte("SQLite format 3\x00")) {
		t.Errorf("file header = %q, want SQLite magic", data[:16])
	}
	if len(data) != testPageSize {
		t.Errorf("file size = %d, want %d", len(data), testPageSize)
	}
}

func TestOpen_ReopenKeepsSettings(t *testing.T) {
	filename := tempFile(t)
	b, err := Open(filename, Options{PageSize: 4096, AutoVacuum: AutoVacuumIncremental})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	beginWrite(t, b)
	createTable(t, b, TableIntKey)
	commit(t, b)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b = openTest(t, filename, Options{PageSize: 512})
	beginRead(t, b)
	if got := b.GetPageSize(); got != 4096 {
		t.Errorf("GetPageSize() = %d, want 4096", got)
	}
	if got := b.GetAutoVacuum(); got != AutoVacuumIncremental {
		t.Errorf("GetAutoVacuum() = %d, want %d", got, AutoVacuumIncremental)
	}
	if err := b.SetPageSize(8192, -1); !errors.Is(err, errors.ErrReadOnly) {
		t.Errorf("SetPageSize() on a used file error = %v, want ErrReadOnly", err)
	}
	if err := b.SetAutoVacuum(AutoVacuumNone); !errors.Is(err, errors.ErrReadOnly) {
		t.Errorf("SetAutoVacuum() on a used file error = %v, want ErrReadOnly", err)
	}
}

func TestSetPageSize_BeforeFirstWrite(t *testing.T) {
	b := openTest(t, "", Options{})
	tests := []struct {
		name     string
		pageSize int
		reserve  int
		wantErr  bool
	}{
		{"power of two", 2048, 0, false},
		{"with reserve", 4096, 32, false},
		{"not a power of two", 3000, 0, true},
		{"too small", 256, 0, true},
		{"reserve too large", 512, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.SetPageSize(tt.pageSize, tt.reserve)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SetPageSize(%d, %d) error = %v, wantErr %v", tt.pageSize, tt.reserve, err, tt.wantErr)
			}
			if err == nil && (b.GetPageSize() != tt.pageSize || b.GetReserve() != tt.reserve) {
				t.Errorf("page size %d reserve %d, want %d %d", b.GetPageSize(), b.GetReserve(), tt.pageSize, tt.reserve)
			}
		})
	}
}

func TestMeta_RoundTrip(t *testing.T) {
	filename := tempFile(t)
	b := openTest(t, filename, Options{})

	if _, err := b.GetMeta(MetaUserVersion); !errors.Is(err, errors.ErrMisuse) {
		t.Errorf("GetMeta() outside a transaction error = %v, want ErrMisuse", err)
	}
	beginWrite(t, b)
	if err := b.UpdateMeta(MetaUserVersion, 42); err != nil {
		t.Fatalf("UpdateMeta() error = %v", err)
	}
	if err := b.UpdateMeta(MaxMeta+1, 1); !errors.Is(err, errors.ErrRange) {
		t.Errorf("UpdateMeta(%d) error = %v, want ErrRange", MaxMeta+1, err)
	}
	if err := b.UpdateMeta(MetaIncrVacuum, 1); !errors.Is(err, errors.ErrMisuse) {
		t.Errorf("UpdateMeta(MetaIncrVacuum) without auto-vacuum error = %v, want ErrMisuse", err)
	}
	commit(t, b)
	b.Close()

	b = openTest(t, filename, Options{})
	beginRead(t, b)
	got, err := b.GetMeta(MetaUserVersion)
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if got != 42 {
		t.Errorf("GetMeta(MetaUserVersion) = %d, want 42", got)
	}
	if _, err := b.GetMeta(MaxMeta + 1); !errors.Is(err, errors.ErrRange) {
		t.Errorf("GetMeta(%d) error = %v, want ErrRange", MaxMeta+1, err)
	}
}

func TestSchema_SharedAndFreed(t *testing.T) {
	type schema struct{ tables []string }
	created, freed := 0, 0
	newSchema := func() any { created++; return &schema{} }
	free := func(any) { freed++ }

	b, err := Open("", Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s1 := b.Schema(newSchema, free).(*schema)
	s1.tables = append(s1.tables, "t")
	s2 := b.Schema(newSchema, free).(*schema)
	if s1 != s2 || created != 1 {
		t.Errorf("Schema() created %d objects, want 1 shared object", created)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if freed != 1 {
		t.Errorf("free called %d times, want 1", freed)
	}
}

func TestSafetyAndSecureDelete(t *testing.T) {
	b := openTest(t, "", Options{})
	b.SetSafetyLevel(1)
	if !b.SyncDisabled() {
		t.Error("SyncDisabled() = false after SetSafetyLevel(1)")
	}
	b.SetSafetyLevel(2)
	if b.SyncDisabled() {
		t.Error("SyncDisabled() = true after SetSafetyLevel(2)")
	}
	if b.SecureDelete(-1) {
		t.Error("SecureDelete(-1) = true, want the default false")
	}
	if !b.SecureDelete(1) {
		t.Error("SecureDelete(1) = false")
	}
}

func TestCreateTable_Flags(t *testing.T) {
	b := openTest(t, "", Options{})
	beginWrite(t, b)

	if _, err := b.CreateTable(PTF_LEAF); err == nil {
		t.Error("CreateTable(PTF_LEAF) succeeded, want a validation error")
	}
	table := createTable(t, b, TableIntKey)
	index := createTable(t, b, TableBlobKey)
	if table == index || table < 2 || index < 2 {
		t.Fatalf("CreateTable() roots = %d, %d", table, index)
	}
	if c := openCursor(t, b, table, false); !c.IntKey() {
		t.Error("table cursor IntKey() = false")
	}
	if c := openCursor(t, b, index, false); c.IntKey() {
		t.Error("index cursor IntKey() = true")
	}
}

func TestCreateTable_NeedsWriteTransaction(t *testing.T) {
	b := openTest(t, tempFile(t), Options{})
	if _, err := b.CreateTable(TableIntKey); !errors.Is(err, errors.ErrMisuse) {
		t.Errorf("CreateTable() outside a transaction error = %v, want ErrMisuse", err)
	}
}

func TestDropTable_FreesPages(t *testing.T) {
	b := openTest(t, tempFile(t), Options{})
	beginWrite(t, b)
	keep := createTable(t, b, TableIntKey)
	drop := createTable(t, b, TableIntKey)
	c := openCursor(t, b, drop, true)
	insertRows(t, c, seq(1, 300), 200)
	c.Close()

	if _, err := b.DropTable(drop); err != nil {
		t.Fatalf("DropTable() error = %v", err)
	}
	free, err := b.GetMeta(MetaFreePageCount)
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if Pgno(free) != b.PageCount()-2 {
		t.Errorf("free pages = %d, want %d", free, b.PageCount()-2)
	}
	commit(t, b)
	checkIntegrity(t, b, keep)
}

func TestDropTable_CursorOpen(t *testing.T) {
	b := openTest(t, "", Options{})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	openCursor(t, b, root, false)

	if _, err := b.DropTable(root); !errors.Is(err, errors.ErrLocked) {
		t.Errorf("DropTable() with an open cursor error = %v, want ErrLocked", err)
	}
}

func TestClearTable(t *testing.T) {
	b := openTest(t, tempFile(t), Options{})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	c := openCursor(t, b, root, true)
	insertRows(t, c, seq(1, 500), 150)

	n, err := b.ClearTable(root)
	if err != nil {
		t.Fatalf("ClearTable() error = %v", err)
	}
	if n != 500 {
		t.Errorf("ClearTable() = %d, want 500", n)
	}
	if empty, err := c.IsEmpty(); err != nil || !empty {
		t.Errorf("IsEmpty() = %v, %v after clear, want true", empty, err)
	}
	insertRows(t, c, seq(1, 3), 10)
	if got := collectKeys(t, c); len(got) != 3 {
		t.Errorf("keys after refill = %v, want 3 keys", got)
	}
	commit(t, b)
	checkIntegrity(t, b, root)
}

func TestAutoVacuum_DropTableMovesRoot(t *testing.T) {
	b := openTest(t, tempFile(t), Options{AutoVacuum: AutoVacuumFull})
	beginWrite(t, b)
	first := createTable(t, b, TableIntKey)
	second := createTable(t, b, TableIntKey)
	if first != 3 || second != 4 {
		t.Fatalf("roots = %d, %d, want 3 and 4 (page 2 is the pointer map)", first, second)
	}
	c := openCursor(t, b, second, true)
	insertRows(t, c, seq(1, 200), 100)
	c.Close()

	moved, err := b.DropTable(first)
	if err != nil {
		t.Fatalf("DropTable() error = %v", err)
	}
	if moved != second {
		t.Errorf("DropTable() moved = %d, want %d", moved, second)
	}
	largest, err := b.GetMeta(MetaLargestRootPage)
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if Pgno(largest) != first {
		t.Errorf("largest root = %d, want %d", largest, first)
	}
	commit(t, b)

	beginRead(t, b)
	c = openCursor(t, b, first, false)
	if got := collectKeys(t, c); len(got) != 200 {
		t.Errorf("moved table has %d rows, want 200", len(got))
	}
	c.Close()
	checkIntegrity(t, b, first)
	free, _ := b.GetMeta(MetaFreePageCount)
	if free != 0 {
		t.Errorf("free pages after auto-vacuum commit = %d, want 0", free)
	}
}

func TestAutoVacuum_FullTruncatesOnCommit(t *testing.T) {
	b := openTest(t, tempFile(t), Options{AutoVacuum: AutoVacuumFull})
	beginWrite(t, b)
	small := createTable(t, b, TableIntKey)
	big := createTable(t, b, TableIntKey)
	cs := openCursor(t, b, small, true)
	cb := openCursor(t, b, big, true)
	insertRows(t, cs, seq(1, 50), 100)
	insertRows(t, cb, seq(1, 400), 700)
	commit(t, b)
	full := b.PageCount()

	beginWrite(t, b)
	if _, err := b.ClearTable(big); err != nil {
		t.Fatalf("ClearTable() error = %v", err)
	}
	commit(t, b)
	if got := b.PageCount(); got >= full/4 {
		t.Errorf("PageCount() after clear = %d, want well below %d", got, full)
	}
	checkIntegrity(t, b, small, big)

	beginRead(t, b)
	if got := collectKeys(t, cs); len(got) != 50 {
		t.Errorf("small table has %d rows after vacuum, want 50", len(got))
	}
}

func TestIncrVacuum(t *testing.T) {
	b := openTest(t, tempFile(t), Options{AutoVacuum: AutoVacuumIncremental})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	c := openCursor(t, b, root, true)
	insertRows(t, c, seq(1, 300), 500)
	commit(t, b)

	beginWrite(t, b)
	for k := int64(51); k <= 300; k++ {
		if res, err := c.MoveTo(nil, k, false); err != nil || res != 0 {
			t.Fatalf("MoveTo(%d) = %d, %v", k, res, err)
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete(%d) error = %v", k, err)
		}
	}
	commit(t, b)
	before := b.PageCount()

	beginWrite(t, b)
	if fl, _ := b.GetMeta(MetaFreePageCount); fl == 0 {
		t.Fatal("no free pages after deleting most rows")
	}
	n, err := b.IncrVacuumAll()
	if err != nil {
		t.Fatalf("IncrVacuumAll() error = %v", err)
	}
	commit(t, b)
	if n == 0 || b.PageCount() != before-Pgno(n) {
		t.Errorf("IncrVacuumAll() = %d, pages %d -> %d", n, before, b.PageCount())
	}

	beginRead(t, b)
	if fl, _ := b.GetMeta(MetaFreePageCount); fl != 0 {
		t.Errorf("free pages after incremental vacuum = %d, want 0", fl)
	}
	keys := collectKeys(t, c)
	if len(keys) != 50 || keys[0] != 1 || keys[49] != 50 {
		t.Errorf("rows after vacuum = %v, want keys 1..50", keys)
	}
	checkIntegrity(t, b, root)
}

func TestIncrVacuum_NotAutoVacuum(t *testing.T) {
	b := openTest(t, "", Options{})
	beginWrite(t, b)
	done, err := b.IncrVacuum()
	if err != nil || !done {
		t.Errorf("IncrVacuum() = %v, %v, want done", done, err)
	}
}

func TestCopyFile(t *testing.T) {
	filename := tempFile(t)
	b := openTest(t, filename, Options{})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	c := openCursor(t, b, root, true)
	insertRows(t, c, seq(1, 100), 64)
	c.Close()
	commit(t, b)

	var buf bytes.Buffer
	n, err := b.CopyFile(&buf)
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	want, _ := os.ReadFile(filename)
	if n != int64(len(want)) || !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("CopyFile() wrote %d bytes, differs from the %d-byte file", n, len(want))
	}

	copyName := filepath.Join(t.TempDir(), "copy.db")
	if err := os.WriteFile(copyName, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cp := openTest(t, copyName, Options{})
	beginRead(t, cp)
	if got := collectKeys(t, openCursor(t, cp, root, false)); len(got) != 100 {
		t.Errorf("copy has %d rows, want 100", len(got))
	}
}

func TestMemoryDatabase(t *testing.T) {
	b := openTest(t, "", Options{})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	c := openCursor(t, b, root, true)
	insertRows(t, c, seq(1, 1000), 50)
	commit(t, b)
	if b.GetFilename() != "" && b.GetFilename() != ":memory:" {
		t.Errorf("GetFilename() = %q for a memory database", b.GetFilename())
	}
	if got, err := c.Count(); err == nil && got != 1000 {
		t.Errorf("Count() = %d, want 1000", got)
	} else if err != nil {
		t.Errorf("Count() error = %v", err)
	}
}

func ExampleOpen() {
	db, err := Open("", Options{PageSize: 1024})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer db.Close()

	if err := db.BeginTrans(BeginWrite); err != nil {
		fmt.Println(err)
		return
	}
	root, _ := db.CreateTable(TableIntKey)
	c, _ := db.OpenCursor(root, true, nil)
	for k, v := range []string{"alpha", "beta", "gamma"} {
		_ = c.Insert(nil, int64(k+1), []byte(v), 0, false)
	}
	for ok, _ := c.First(); ok; ok, _ = c.Next() {
		key, _ := c.KeySize()
		data, _ := c.DataBytes()
		fmt.Println(key, string(data))
	}
	c.Close()
	_ = db.Commit()
	// Output:
	// 1 alpha
	// 2 beta
	// 3 gamma
}
