package main

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/FocuswithJustin/btreedb/core/btree"
	"github.com/FocuswithJustin/btreedb/core/codec"
	"github.com/FocuswithJustin/btreedb/core/errors"
)

// schemaEntry is one row of sqlite_master.
type schemaEntry struct {
	Type string
	Name string
	Root btree.Pgno
}

// decodeRecord splits a record into its columns: nil, int64, float64,
// string or []byte.
func decodeRecord(rec []byte) ([]any, error) {
	hdrLen, n := codec.GetVarint(rec)
	if n == 0 || hdrLen > uint64(len(rec)) {
		return nil, errors.NewValidation("record", "bad header size")
	}
	pos, off := n, int(hdrLen)
	var cols []any
	for pos < int(hdrLen) {
		st, m := codec.GetVarint(rec[pos:])
		pos += m
		size := serialSize(st)
		if off+size > len(rec) {
			return nil, errors.NewValidation("record", "column runs past the end")
		}
		cols = append(cols, serialValue(st, rec[off:off+size]))
		off += size
	}
	return cols, nil
}

func serialSize(st uint64) int {
	switch {
	case st >= 12:
		return int(st-12) / 2
	case st >= 1 && st <= 4:
		return int(st)
	case st == 5:
		return 6
	case st == 6 || st == 7:
		return 8
	}
	return 0
}

func serialValue(st uint64, b []byte) any {
	switch {
	case st == 0:
		return nil
	case st == 7:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	case st == 8:
		return int64(0)
	case st == 9:
		return int64(1)
	case st >= 12 && st%2 == 0:
		return slices.Clone(b)
	case st >= 13:
		return string(b)
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		v -= 1 << (8 * len(b))
	}
	return v
}

// readSchema lists the trees named in sqlite_master. Rows without a
// root page, such as views and triggers, are skipped.
func readSchema(db *btree.Btree) ([]schemaEntry, error) {
	if !db.IsInReadTrans() {
		if err := db.BeginTrans(btree.BeginRead); err != nil {
			return nil, err
		}
		defer func() { _ = db.CommitPhaseTwo() }()
	}
	c, err := db.OpenCursor(1, false, nil)
	if errors.Is(err, errors.ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var entries []schemaEntry
	ok, err := c.First()
	for ; ok && err == nil; ok, err = c.Next() {
		rec, err := c.DataBytes()
		if err != nil {
			return nil, err
		}
		cols, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		if len(cols) < 4 {
			continue
		}
		root, isInt := cols[3].(int64)
		if !isInt || root < 1 {
			continue
		}
		typ, _ := cols[0].(string)
		name, _ := cols[1].(string)
		entries = append(entries, schemaEntry{Type: typ, Name: name, Root: btree.Pgno(root)})
	}
	return entries, err
}

// schemaRoots returns page 1 and every root in sqlite_master, sorted.
func schemaRoots(entries []schemaEntry) []btree.Pgno {
	roots := []btree.Pgno{1}
	for _, e := range entries {
		roots = append(roots, e.Root)
	}
	slices.Sort(roots)
	return slices.Compact(roots)
}
