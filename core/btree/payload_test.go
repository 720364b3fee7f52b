package btree

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPayload_LargeBlobOverflowChain(t *testing.T) {
	b := openTest(t, tempFile(t), Options{PageSize: 4096})
	beginWrite(t, b)
	root := createTable(t, b, TableIntKey)
	c := openCursor(t, b, root, true)

	blob := make([]byte, 1000000)
	rand.New(rand.NewSource(1)).Read(blob)
	if err := c.Insert(nil, 1, blob, 0, false); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	commit(t, b)

	st, err := b.Analyze(root)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	// 1552 bytes stay on the leaf; the rest fills 244 pages of 4092 bytes.
	if st.OverflowPages != 244 {
		t.Errorf("OverflowPages = %d, want 244", st.OverflowPages)
	}
	if got := b.PageCount(); got != 246 {
		t.Errorf("PageCount() = %d, want 246", got)
	}

	beginRead(t, b)
	if res, err := c.MoveTo(nil, 1, false); err != nil || res != 0 {
		t.Fatalf("MoveTo(1) = %d, %v", res, err)
	}
	got, err := c.DataBytes()
	if err != nil {
		t.Fatalf("DataBytes() error = %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("blob read back differs")
	}
	commit(t, b)

	beginWrite(t, b)
	if res, err := c.MoveTo(nil, 1, false); err != nil || res != 0 {
		t.Fatalf("MoveTo(1) = %d, %v", res, err)
	}
	if err := c.Delete(); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	commit(t, b)

	beginRead(t, b)
	free, err := b.GetMeta(MetaFreePageCount)
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if free != 244 {
		t.Errorf("free pages = %d, want 244", free)
	}
	commit(t, b)
	checkIntegrity(t, b, root)
}

func TestPayload_PartialReads(t *testing.T) {
	_, c := newTable(t, TableIntKey)
	blob := make([]byte, 5000)
	for i := range blob {
		blob[i] = byte(i * 7)
	}
	if err := c.Insert(nil, 9, blob, 0, false); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if res, err := c.MoveTo(nil, 9, false); err != nil || res != 0 {
		t.Fatalf("MoveTo(9) = %d, %v", res, err)
	}

	tests := []struct {
		name   string
		offset int
		n      int
	}{
		{"local part", 0, 100},
		{"spans first overflow page", 900, 300},
		{"inside chain", 2100, 1000},
		{"tail", 4990, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.n)
			if err := c.Data(tt.offset, buf); err != nil {
				t.Fatalf("Data(%d, %d) error = %v", tt.offset, tt.n, err)
			}
			if !bytes.Equal(buf, blob[tt.offset:tt.offset+tt.n]) {
				t.Errorf("Data(%d, %d) returned wrong bytes", tt.offset, tt.n)
			}
		})
	}

	if err := c.Data(4995, make([]byte, 10)); err == nil {
		t.Error("Data() past the end succeeded")
	}
}

func TestPayload_GrowAndShrinkRow(t *testing.T) {
	b, c := newTable(t, TableIntKey)
	insertRows(t, c, seq(1, 20), 40)
	for _, size := range []int{3000, 20, 9000, 0, 500} {
		data := rowData(10, size)
		if err := c.Insert(nil, 10, data, 0, false); err != nil {
			t.Fatalf("Insert(size %d) error = %v", size, err)
		}
		if res, err := c.MoveTo(nil, 10, false); err != nil || res != 0 {
			t.Fatalf("MoveTo(10) = %d, %v", res, err)
		}
		got, err := c.DataBytes()
		if err != nil {
			t.Fatalf("DataBytes() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("size %d: read %d bytes back", size, len(got))
		}
	}
	if n, _ := c.Count(); n != 20 {
		t.Errorf("Count() = %d, want 20", n)
	}
	checkIntegrity(t, b, c.Root())
}
