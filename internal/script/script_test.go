package script

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

func newSession(t *testing.T, opts btree.Options) (*Session, *bytes.Buffer) {
	t.Helper()
	db, err := btree.Open(filepath.Join(t.TempDir(), "script.db"), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	var out bytes.Buffer
	return NewSession(db, &out), &out
}

func run(t *testing.T, s *Session, src string) {
	t.Helper()
	if err := s.Run("test", src); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestParse(t *testing.T) {
	sc, err := Parse("p", `
		create table t   # a comment
		insert t -5 "a \"quoted\" value"; insert $2 7 x'00ff'
		insert t 9 zero(10)
		scan t reverse limit 3
		stmt rollback
		vacuum all
		meta 6 = 42
	`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(sc.Stmts) != 8 {
		t.Fatalf("Parse() returned %d statements, want 8", len(sc.Stmts))
	}
	ins := sc.Stmts[1].Insert
	if ins == nil || *ins.Key.Int != -5 || *ins.Data.Str != `a "quoted" value` {
		t.Errorf("insert statement = %+v", ins)
	}
	if r := sc.Stmts[2].Insert.Tree; r.Root == nil || *r.Root != 2 {
		t.Errorf("root reference = %v, want $2", r)
	}
	if z := sc.Stmts[3].Insert.Data.Zero; z == nil || *z != 10 {
		t.Errorf("zero() data = %v, want 10", z)
	}
	if scan := sc.Stmts[4].Scan; !scan.Reverse || scan.Limit != 3 {
		t.Errorf("scan statement = %+v", scan)
	}
	if sc.Stmts[5].Nested != "rollback" || !sc.Stmts[6].Vacuum.All {
		t.Errorf("stmt/vacuum statements = %+v, %+v", sc.Stmts[5], sc.Stmts[6])
	}
	if m := sc.Stmts[7].Meta; m.Index != 6 || *m.Value != 42 {
		t.Errorf("meta statement = %+v", m)
	}
	if sc.Stmts[2].Pos.Line != 3 {
		t.Errorf("statement line = %d, want 3", sc.Stmts[2].Pos.Line)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"insert",
		"create view v",
		"scan t sideways",
		"meta = 4",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			var pe *errors.ParseError
			if _, err := Parse("p", src); !errors.As(err, &pe) {
				t.Errorf("Parse(%q) error = %v, want *ParseError", src, err)
			}
		})
	}
}

func TestSession_Run(t *testing.T) {
	s, out := newSession(t, btree.Options{PageSize: 1024})
	run(t, s, `
		create table t
		create index i
		begin write
		insert t 1 "one"
		insert t 2 "two"
		insert t 3 zero(3)
		insert i "b"
		insert i x'00ff'
		commit
		count t
		scan t reverse limit 2
		scan i
		seek t 2
		seek t 5
		check
	`)
	want := strings.Join([]string{
		"t: root 2",
		"i: root 3",
		"3",
		`3 x'000000'`,
		`2 "two"`,
		`x'00ff'`,
		`"b"`,
		`2 "two"`,
		`not found; before: 3 x'000000'`,
		"ok",
	}, "\n") + "\n"
	if got := out.String(); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}
}

func TestSession_LongValuesAreCut(t *testing.T) {
	s, out := newSession(t, btree.Options{})
	run(t, s, "create table t\ninsert t 1 zero(5000)")
	out.Reset()
	run(t, s, "scan t")
	want := "1 x'" + strings.Repeat("00", maxShown) + "'... (5000 bytes)\n"
	if got := out.String(); got != want {
		t.Errorf("scan output = %q, want %q", got, want)
	}
}

func TestSession_ErrorsCarryLine(t *testing.T) {
	s, _ := newSession(t, btree.Options{})
	err := s.Run("setup.bt", "create table t\n\ninsert u 1 \"x\"")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Run() error = %v, want ErrNotFound", err)
	}
	if !strings.HasPrefix(err.Error(), "setup.bt:3: ") {
		t.Errorf("error %q does not name the line", err)
	}
}

func TestSession_FailureRollsBack(t *testing.T) {
	s, out := newSession(t, btree.Options{})
	run(t, s, "create table t")

	err := s.Run("test", "begin\ninsert t 1 \"a\"\ninsert t x'00' \"b\"")
	var ve *errors.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Run() error = %v, want *ValidationError", err)
	}
	out.Reset()
	run(t, s, "count t")
	if got := out.String(); got != "0\n" {
		t.Errorf("count after failed transaction = %q, want 0", got)
	}
}

func TestSession_Statements(t *testing.T) {
	s, out := newSession(t, btree.Options{})
	run(t, s, `
		create table t
		begin
		insert t 1 "kept"
		stmt begin
		insert t 2 "undone"
		stmt rollback
		stmt begin
		insert t 3 "kept"
		stmt commit
		commit
	`)
	out.Reset()
	run(t, s, "scan t")
	if got := out.String(); got != "1 \"kept\"\n3 \"kept\"\n" {
		t.Errorf("scan output = %q", got)
	}
	if err := s.Run("test", "stmt begin"); !errors.Is(err, errors.ErrMisuse) {
		t.Errorf("stmt outside a transaction error = %v, want ErrMisuse", err)
	}
}

func TestSession_ReadTransactionRefusesWrites(t *testing.T) {
	s, _ := newSession(t, btree.Options{})
	run(t, s, "create table t")
	if err := s.Run("test", "begin read\ninsert t 1 \"a\""); !errors.Is(err, errors.ErrReadOnly) {
		t.Errorf("Run() error = %v, want ErrReadOnly", err)
	}
}

func TestSession_DropRebindsMovedRoot(t *testing.T) {
	s, _ := newSession(t, btree.Options{AutoVacuum: btree.AutoVacuumFull})
	run(t, s, "create table a\ncreate table b\ninsert b 7 \"seven\"")
	if root, _ := s.Root("b"); root != 4 {
		t.Fatalf("b root = %d, want 4", root)
	}
	run(t, s, "drop a")
	if _, ok := s.Root("a"); ok {
		t.Error("a is still bound after drop")
	}
	if root, _ := s.Root("b"); root != 3 {
		t.Errorf("b root after drop = %d, want 3", root)
	}
	run(t, s, "seek b 7\ncheck")
}

func TestSession_MetaAndVacuum(t *testing.T) {
	s, out := newSession(t, btree.Options{AutoVacuum: btree.AutoVacuumIncremental})
	run(t, s, "meta 6 = 42; meta 6")
	if got := out.String(); got != "meta 6 = 42\n" {
		t.Errorf("meta output = %q", got)
	}

	run(t, s, "create table t")
	var src strings.Builder
	src.WriteString("begin\n")
	for k := 1; k <= 200; k++ {
		src.WriteString("insert t " + itoa(int64(k)) + " zero(100)\n")
	}
	src.WriteString("commit\nclear t\n")
	run(t, s, src.String())

	out.Reset()
	run(t, s, "vacuum all\ncheck")
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || lines[0] == "reclaimed 0 pages" || lines[1] != "ok" {
		t.Errorf("vacuum output = %q", lines)
	}
}

func TestSession_Close(t *testing.T) {
	s, _ := newSession(t, btree.Options{})
	run(t, s, "create table t\nbegin\ninsert t 1 \"a\"")
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.db.IsInTrans() {
		t.Error("Close() left the transaction open")
	}
}
