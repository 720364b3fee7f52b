package script

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/errors"
	"github.com/FocuswithJustin/btreedb/internal/logging"
)

// maxShown bounds how many bytes of a value scan and seek print.
const maxShown = 40

// Session runs scripts against one handle and remembers tree names
// between runs.
type Session struct {
	db    *btree.Btree
	out   io.Writer
	names map[string]btree.Pgno

	explicit bool // Inside begin ... commit
}

// NewSession returns a session that prints results to out.
func NewSession(db *btree.Btree, out io.Writer) *Session {
	return &Session{db: db, out: out, names: map[string]btree.Pgno{}}
}

// Bind names an existing tree.
func (s *Session) Bind(name string, root btree.Pgno) {
	s.names[name] = root
}

// Root returns the root page bound to name.
func (s *Session) Root(name string) (btree.Pgno, bool) {
	root, ok := s.names[name]
	return root, ok
}

// Run parses and executes src. It stops at the first failing statement;
// an explicit transaction left open by the failure is rolled back.
func (s *Session) Run(name, src string) error {
	sc, err := Parse(name, src)
	if err != nil {
		return err
	}
	for _, st := range sc.Stmts {
		if err := s.exec(st); err != nil {
			if s.explicit {
				_ = s.db.Rollback()
				s.explicit = false
			}
			return errors.Wrapf(err, "%s:%d", name, st.Pos.Line)
		}
	}
	return nil
}

// Close ends a transaction the script left open by committing it.
func (s *Session) Close() error {
	if !s.explicit {
		return nil
	}
	s.explicit = false
	return s.db.Commit()
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// auto runs fn in a transaction of its own unless an explicit one is open.
func (s *Session) auto(write bool, fn func() error) error {
	if s.explicit {
		if write && !s.db.IsInTrans() {
			return errors.Wrap(errors.ErrReadOnly, "read transaction is open")
		}
		return fn()
	}
	mode := btree.BeginRead
	if write {
		mode = btree.BeginWrite
	}
	if err := s.db.BeginTrans(mode); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = s.db.Rollback()
		return err
	}
	return s.db.Commit()
}

func (s *Session) resolve(r TreeRef) (btree.Pgno, error) {
	if r.Root != nil {
		if *r.Root < 1 {
			return 0, errors.NewValidation("root", "page numbers start at 1")
		}
		return btree.Pgno(*r.Root), nil
	}
	root, ok := s.names[r.Name]
	if !ok {
		return 0, errors.NewNotFound("tree", r.Name)
	}
	return root, nil
}

func (s *Session) exec(st *Stmt) error {
	switch {
	case st.Create != nil:
		return s.create(st.Create)
	case st.Drop != nil:
		return s.drop(st.Drop.Tree)
	case st.Clear != nil:
		return s.withRoot(st.Clear.Tree, true, func(root btree.Pgno) error {
			n, err := s.db.ClearTable(root)
			if err == nil {
				fmt.Fprintf(s.out, "cleared %d entries\n", n)
			}
			return err
		})
	case st.Count != nil:
		return s.withCursor(st.Count.Tree, false, func(c *btree.Cursor) error {
			n, err := c.Count()
			if err == nil {
				fmt.Fprintln(s.out, n)
			}
			return err
		})
	case st.Analyze != nil:
		return s.analyze(st.Analyze.Tree)
	case st.Insert != nil:
		return s.insert(st.Insert)
	case st.Delete != nil:
		return s.delete(st.Delete)
	case st.Seek != nil:
		return s.seek(st.Seek)
	case st.Scan != nil:
		return s.scan(st.Scan)
	case st.Begin != nil:
		return s.begin(st.Begin.Mode)
	case st.Commit:
		s.explicit = false
		return s.db.Commit()
	case st.Rollback:
		s.explicit = false
		return s.db.Rollback()
	case st.Nested != "":
		return s.nested(st.Nested)
	case st.Vacuum != nil:
		return s.vacuum(st.Vacuum)
	case st.Check:
		return s.check()
	case st.Meta != nil:
		return s.meta(st.Meta)
	}
	return errors.Wrap(errors.ErrMisuse, "empty statement")
}

func (s *Session) withRoot(r TreeRef, write bool, fn func(btree.Pgno) error) error {
	root, err := s.resolve(r)
	if err != nil {
		return err
	}
	return s.auto(write, func() error { return fn(root) })
}

func (s *Session) withCursor(r TreeRef, write bool, fn func(*btree.Cursor) error) error {
	return s.withRoot(r, write, func(root btree.Pgno) error {
		c, err := s.db.OpenCursor(root, write, nil)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(c)
	})
}

func (s *Session) create(cs *CreateStmt) error {
	if _, ok := s.names[cs.Name]; ok {
		return errors.NewValidation("name", cs.Name+" is already bound")
	}
	flags := btree.TableIntKey
	if cs.Kind == "index" {
		flags = btree.TableBlobKey
	}
	return s.auto(true, func() error {
		root, err := s.db.CreateTable(flags)
		if err != nil {
			return err
		}
		s.names[cs.Name] = root
		fmt.Fprintf(s.out, "%s: root %d\n", cs.Name, root)
		return nil
	})
}

func (s *Session) drop(r TreeRef) error {
	return s.withRoot(r, true, func(root btree.Pgno) error {
		moved, err := s.db.DropTable(root)
		if err != nil {
			return err
		}
		for name, p := range s.names {
			if p == root {
				delete(s.names, name)
			}
		}
		if moved != 0 {
			// Auto-vacuum moved the tree at page moved into the freed root.
			for name, p := range s.names {
				if p == moved {
					s.names[name] = root
				}
			}
			logging.Debug("tree root moved by drop", "from", moved, "to", root)
		}
		return nil
	})
}

// bytesOf returns the bytes of v: string and blob literals as written,
// integers in decimal and zero(n) as n zero bytes.
func bytesOf(v *Value) ([]byte, int, error) {
	switch {
	case v == nil:
		return nil, 0, nil
	case v.Str != nil:
		return []byte(*v.Str), 0, nil
	case v.Blob != nil:
		b, err := blobBytes(*v.Blob)
		return b, 0, err
	case v.Zero != nil:
		if *v.Zero < 0 {
			return nil, 0, errors.NewValidation("zero", "negative length")
		}
		return nil, *v.Zero, nil
	case v.Int != nil:
		return []byte(itoa(*v.Int)), 0, nil
	}
	return nil, 0, nil
}

// key splits a key value into the form the tree needs.
func key(c *btree.Cursor, v Value) ([]byte, int64, error) {
	if c.IntKey() {
		if v.Int == nil {
			return nil, 0, errors.NewValidation("key", "table keys are integers")
		}
		return nil, *v.Int, nil
	}
	if v.Zero != nil {
		return nil, 0, errors.NewValidation("key", "index keys cannot be zero()")
	}
	b, _, err := bytesOf(&v)
	return b, int64(len(b)), err
}

func (s *Session) insert(is *InsertStmt) error {
	return s.withCursor(is.Tree, true, func(c *btree.Cursor) error {
		k, intKey, err := key(c, is.Key)
		if err != nil {
			return err
		}
		data, nZero, err := bytesOf(is.Data)
		if err != nil {
			return err
		}
		if !c.IntKey() && (len(data) > 0 || nZero > 0) {
			return errors.NewValidation("data", "index entries have no data")
		}
		return c.Insert(k, intKey, data, nZero, false)
	})
}

func (s *Session) delete(ks *KeyStmt) error {
	return s.withCursor(ks.Tree, true, func(c *btree.Cursor) error {
		k, intKey, err := key(c, ks.Key)
		if err != nil {
			return err
		}
		res, err := c.MoveTo(k, intKey, false)
		if err != nil {
			return err
		}
		if res != 0 {
			return errors.NewNotFound("key", valueString(c, k, intKey))
		}
		return c.Delete()
	})
}

func (s *Session) seek(ks *KeyStmt) error {
	return s.withCursor(ks.Tree, false, func(c *btree.Cursor) error {
		k, intKey, err := key(c, ks.Key)
		if err != nil {
			return err
		}
		res, err := c.MoveTo(k, intKey, false)
		if err != nil {
			return err
		}
		if ok, err := c.Valid(); err != nil || !ok {
			fmt.Fprintln(s.out, "empty")
			return err
		}
		line, err := entry(c)
		if err != nil {
			return err
		}
		switch {
		case res == 0:
			fmt.Fprintln(s.out, line)
		case res < 0:
			fmt.Fprintf(s.out, "not found; before: %s\n", line)
		default:
			fmt.Fprintf(s.out, "not found; after: %s\n", line)
		}
		return nil
	})
}

func (s *Session) scan(ss *ScanStmt) error {
	return s.withCursor(ss.Tree, false, func(c *btree.Cursor) error {
		start, step := c.First, c.Next
		if ss.Reverse {
			start, step = c.Last, c.Previous
		}
		n := 0
		ok, err := start()
		for ; ok && err == nil; ok, err = step() {
			if ss.Limit > 0 && n == ss.Limit {
				break
			}
			line, lerr := entry(c)
			if lerr != nil {
				return lerr
			}
			fmt.Fprintln(s.out, line)
			n++
		}
		return err
	})
}

// entry formats the entry under the cursor.
func entry(c *btree.Cursor) (string, error) {
	if c.IntKey() {
		k, err := c.KeySize()
		if err != nil {
			return "", err
		}
		size, err := c.DataSize()
		if err != nil {
			return "", err
		}
		buf := make([]byte, min(size, maxShown))
		if err := c.Data(0, buf); err != nil {
			return "", err
		}
		return itoa(k) + " " + show(buf, size), nil
	}
	k, err := c.KeyBytes()
	if err != nil {
		return "", err
	}
	return show(k[:min(len(k), maxShown)], len(k)), nil
}

func valueString(c *btree.Cursor, k []byte, intKey int64) string {
	if c.IntKey() {
		return itoa(intKey)
	}
	return show(k, len(k))
}

// show quotes printable text and writes anything else as a hex blob. A
// value cut short is followed by its full size.
func show(b []byte, size int) string {
	var out string
	if utf8.Valid(b) && isPrintable(b) {
		out = strconv.Quote(string(b))
	} else {
		out = fmt.Sprintf("x'%x'", b)
	}
	if len(b) < size {
		out += fmt.Sprintf("... (%d bytes)", size)
	}
	return out
}

func isPrintable(b []byte) bool {
	for _, r := range string(b) {
		if !strconv.IsPrint(r) {
			return false
		}
	}
	return true
}

func (s *Session) analyze(r TreeRef) error {
	root, err := s.resolve(r)
	if err != nil {
		return err
	}
	st, err := s.db.Analyze(root)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: depth %d, %d interior, %d leaf, %d overflow pages, %d entries\n",
		r, st.Depth, st.InteriorPages, st.LeafPages, st.OverflowPages, st.Entries)
	return nil
}

func (s *Session) begin(mode string) error {
	if s.explicit {
		return errors.Wrap(errors.ErrMisuse, "transaction already open")
	}
	wrflag := btree.BeginWrite
	switch mode {
	case "read":
		wrflag = btree.BeginRead
	case "exclusive":
		wrflag = btree.BeginExclusive
	}
	if err := s.db.BeginTrans(wrflag); err != nil {
		return err
	}
	s.explicit = true
	return nil
}

func (s *Session) nested(op string) error {
	if !s.explicit {
		return errors.Wrap(errors.ErrMisuse, "stmt needs an open transaction")
	}
	switch op {
	case "begin":
		return s.db.BeginStmt()
	case "commit":
		return s.db.CommitStmt()
	}
	return s.db.RollbackStmt()
}

func (s *Session) vacuum(vs *VacuumStmt) error {
	return s.auto(true, func() error {
		if vs.All {
			n, err := s.db.IncrVacuumAll()
			if err == nil {
				fmt.Fprintf(s.out, "reclaimed %d pages\n", n)
			}
			return err
		}
		steps := max(vs.Steps, 1)
		for i := 0; i < steps; i++ {
			done, err := s.db.IncrVacuum()
			if err != nil {
				return err
			}
			if done {
				fmt.Fprintln(s.out, "done")
				return nil
			}
		}
		return nil
	})
}

func (s *Session) check() error {
	roots := []btree.Pgno{1}
	for _, r := range s.names {
		roots = append(roots, r)
	}
	slices.Sort(roots)
	roots = slices.Compact(roots)
	msgs, err := s.db.IntegrityCheck(roots, 0)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(s.out, "ok")
	}
	for _, m := range msgs {
		fmt.Fprintln(s.out, m)
	}
	return nil
}

func (s *Session) meta(ms *MetaStmt) error {
	if ms.Index < 0 || ms.Index > btree.MaxMeta {
		return errors.NewValidation("meta", "index out of range")
	}
	if ms.Value == nil {
		return s.auto(false, func() error {
			v, err := s.db.GetMeta(ms.Index)
			if err == nil {
				fmt.Fprintf(s.out, "meta %d = %d\n", ms.Index, v)
			}
			return err
		})
	}
	return s.auto(true, func() error {
		return s.db.UpdateMeta(ms.Index, uint32(*ms.Value))
	})
}
