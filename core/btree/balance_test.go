package btree

import (
	"bytes"
	"math/rand"
	"slices"
	"testing"
)

func TestBalance_SequentialInsertPacksLeaves(t *testing.T) {
	b, c := newTable(t, TableIntKey)
	insertRows(t, c, seq(1, 10000), 100)

	st, err := b.Analyze(c.Root())
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if st.Entries != 10000 {
		t.Errorf("Entries = %d, want 10000", st.Entries)
	}
	// A 1024-byte page holds nine 100-byte rows; halving splits would
	// need about 2000 leaves.
	if st.LeafPages > 1250 {
		t.Errorf("LeafPages = %d, want at most 1250", st.LeafPages)
	}
	if st.Depth < 2 || st.Depth > 3 {
		t.Errorf("Depth = %d, want 2 or 3", st.Depth)
	}
	checkIntegrity(t, b, c.Root())
}

func TestBalance_DescendingInsert(t *testing.T) {
	b, c := newTable(t, TableIntKey)
	keys := seq(1, 3000)
	slices.Reverse(keys)
	insertRows(t, c, keys, 70)
	if n, _ := c.Count(); n != 3000 {
		t.Errorf("Count() = %d, want 3000", n)
	}
	checkIntegrity(t, b, c.Root())
}

// TestBalance_RandomWorkload mixes inserts, replacements and deletes of
// varied sizes, including overflowing rows, and compares against a map.
func TestBalance_RandomWorkload(t *testing.T) {
	for _, pageSize := range []int{512, 1024, 4096} {
		t.Run(sizeName(pageSize), func(t *testing.T) {
			b := openTest(t, "", Options{PageSize: pageSize})
			beginWrite(t, b)
			root := createTable(t, b, TableIntKey)
			c := openCursor(t, b, root, true)

			rng := rand.New(rand.NewSource(int64(pageSize)))
			model := map[int64][]byte{}
			for i := 0; i < 4000; i++ {
				key := rng.Int63n(1500)
				if rng.Intn(3) == 0 {
					res, err := c.MoveTo(nil, key, false)
					if err != nil {
						t.Fatalf("MoveTo(%d) error = %v", key, err)
					}
					if res == 0 {
						if err := c.Delete(); err != nil {
							t.Fatalf("Delete(%d) error = %v", key, err)
						}
						delete(model, key)
					}
					continue
				}
				size := rng.Intn(200)
				if rng.Intn(10) == 0 {
					size = 2000 + rng.Intn(6000)
				}
				data := make([]byte, size)
				rng.Read(data)
				if err := c.Insert(nil, key, data, 0, false); err != nil {
					t.Fatalf("Insert(%d) error = %v", key, err)
				}
				model[key] = data
			}

			verifyModel(t, c, model)
			commit(t, b)
			checkIntegrity(t, b, root)
		})
	}
}

func verifyModel(t *testing.T, c *Cursor, model map[int64][]byte) {
	t.Helper()
	var want []int64
	for k := range model {
		want = append(want, k)
	}
	slices.Sort(want)
	got := collectKeys(t, c)
	if !slices.Equal(got, want) {
		t.Fatalf("table has %d keys, model has %d", len(got), len(want))
	}
	for _, k := range want {
		if res, err := c.MoveTo(nil, k, false); err != nil || res != 0 {
			t.Fatalf("MoveTo(%d) = %d, %v", k, res, err)
		}
		data, err := c.DataBytes()
		if err != nil {
			t.Fatalf("DataBytes(%d) error = %v", k, err)
		}
		if !bytes.Equal(data, model[k]) {
			t.Fatalf("row %d: %d bytes, want %d", k, len(data), len(model[k]))
		}
	}
}

func TestBalance_DeleteEverythingShrinksTree(t *testing.T) {
	b := openTest(t, tempFile(t), Options{})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	c := openCursor(t, b, root, true)
	insertRows(t, c, seq(1, 4000), 90)
	commit(t, b)

	beginWrite(t, b)
	for {
		ok, err := c.First()
		if err != nil {
			t.Fatalf("First() error = %v", err)
		}
		if !ok {
			break
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	}
	commit(t, b)

	st, err := b.Analyze(root)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if st.Depth != 1 || st.Pages() != 1 || st.Entries != 0 {
		t.Errorf("empty table stats = %+v, want a single empty leaf", st)
	}
	beginRead(t, b)
	free, _ := b.GetMeta(MetaFreePageCount)
	if want := b.PageCount() - 2; Pgno(free) != want {
		t.Errorf("free pages = %d, want %d", free, want)
	}
	checkIntegrity(t, b, root)
}

func TestBalance_DeleteFromMiddle(t *testing.T) {
	b, c := newTable(t, TableIntKey)
	insertRows(t, c, seq(1, 5000), 50)
	for k := int64(1000); k < 4000; k++ {
		if res, err := c.MoveTo(nil, k, false); err != nil || res != 0 {
			t.Fatalf("MoveTo(%d) = %d, %v", k, res, err)
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete(%d) error = %v", k, err)
		}
	}
	got := collectKeys(t, c)
	want := append(seq(1, 999), seq(4000, 5000)...)
	if !slices.Equal(got, want) {
		t.Errorf("remaining keys = %d, want %d", len(got), len(want))
	}
	checkIntegrity(t, b, c.Root())
}

func TestBalance_IndexDeleteInteriorCells(t *testing.T) {
	b, c := newTable(t, TableBlobKey)
	rng := rand.New(rand.NewSource(3))
	var keys [][]byte
	seen := map[string]bool{}
	for len(keys) < 2500 {
		// Keys of one or two bytes give leaf cells padded to the
		// minimum cell size.
		key := make([]byte, 1+rng.Intn(140))
		rng.Read(key)
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		keys = append(keys, key)
		if err := c.Insert(key, 0, nil, 0, false); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, key := range keys[:2000] {
		res, err := c.MoveTo(key, 0, false)
		if err != nil || res != 0 {
			t.Fatalf("MoveTo() = %d, %v", res, err)
		}
		if err := c.Delete(); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	}
	if n, _ := c.Count(); n != 500 {
		t.Errorf("Count() = %d, want 500", n)
	}
	rest := keys[2000:]
	slices.SortFunc(rest, bytes.Compare)
	i := 0
	ok, err := c.First()
	for ; ok && err == nil; ok, err = c.Next() {
		got, _ := c.KeyBytes()
		if !bytes.Equal(got, rest[i]) {
			t.Fatalf("key %d differs after deletes", i)
		}
		i++
	}
	checkIntegrity(t, b, c.Root())
}

func TestBalance_IndexShortKeysWorkload(t *testing.T) {
	for _, pageSize := range []int{1024, 4096} {
		t.Run(sizeName(pageSize), func(t *testing.T) {
			b := openTest(t, "", Options{PageSize: pageSize})
			beginWrite(t, b)
			root := createTable(t, b, TableBlobKey)
			c := openCursor(t, b, root, true)

			rng := rand.New(rand.NewSource(int64(pageSize) + 7))
			model := map[string]bool{}
			for op := 0; op < 3000; op++ {
				key := make([]byte, 1+rng.Intn(60))
				rng.Read(key)
				if rng.Intn(3) == 0 {
					res, err := c.MoveTo(key, 0, false)
					if err != nil {
						t.Fatalf("op %d: MoveTo() error = %v", op, err)
					}
					if res == 0 {
						if err := c.Delete(); err != nil {
							t.Fatalf("op %d: Delete() error = %v", op, err)
						}
						delete(model, string(key))
					}
				} else {
					if err := c.Insert(key, 0, nil, 0, false); err != nil {
						t.Fatalf("op %d: Insert() error = %v", op, err)
					}
					model[string(key)] = true
				}
				if op%50 == 0 {
					msgs, err := b.IntegrityCheck([]Pgno{1, root}, 0)
					if err != nil || len(msgs) > 0 {
						t.Fatalf("after op %d: IntegrityCheck() = %v, %v", op, msgs, err)
					}
				}
			}

			if n, err := c.Count(); err != nil || n != int64(len(model)) {
				t.Errorf("Count() = %d, %v, want %d", n, err, len(model))
			}
			commit(t, b)
			checkIntegrity(t, b, root)
		})
	}
}

func sizeName(pageSize int) string {
	switch pageSize {
	case 512:
		return "page512"
	case 1024:
		return "page1024"
	}
	return "page4096"
}
