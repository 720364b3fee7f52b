package btree

import (
	"github.com/FocuswithJustin/btreedb/core/pager"
)

// Pgno is a page number. Page numbers start at 1; 0 means "no page".
type Pgno = pager.Pgno

// Page type constants (first byte of page header)
const (
	PageTypeInteriorIndex = 0x02 // Interior index b-tree page
	PageTypeInteriorTable = 0x05 // Interior table b-tree page
	PageTypeLeafIndex     = 0x0a // Leaf index b-tree page
	PageTypeLeafTable     = 0x0d // Leaf table b-tree page
)

// Page type flags (bit flags in page type byte)
const (
	PTF_INTKEY   = 0x01 // Integer keys
	PTF_ZERODATA = 0x02 // Keys only, no data
	PTF_LEAFDATA = 0x04 // Data lives in the leaves only
	PTF_LEAF     = 0x08 // Leaf page
)

// Table kinds accepted by CreateTable.
const (
	// TableIntKey is a table keyed by a 64-bit integer with data in the leaves.
	TableIntKey = PTF_INTKEY | PTF_LEAFDATA
	// TableBlobKey is an index-like table keyed by opaque byte strings.
	TableBlobKey = PTF_ZERODATA
)

// Page header offsets
const (
	PageHeaderOffsetType       = 0 // Page type (1 byte)
	PageHeaderOffsetFreeblock  = 1 // First freeblock offset (2 bytes)
	PageHeaderOffsetNumCells   = 3 // Number of cells (2 bytes)
	PageHeaderOffsetCellStart  = 5 // Start of cell content area (2 bytes)
	PageHeaderOffsetFragmented = 7 // Fragmented free bytes (1 byte)
	PageHeaderOffsetRightChild = 8 // Right-most child pointer (4 bytes, interior only)
)

// Header sizes
const (
	PageHeaderSizeLeaf     = 8                         // Leaf pages: 8 bytes
	PageHeaderSizeInterior = 12                        // Interior pages: 12 bytes
	FileHeaderSize         = pager.DatabaseHeaderSize // Database file header on page 1
)

// Offsets of the page-1 fields the btree maintains itself.
const (
	offsetFreelistTrunk = 32
	offsetFreelistCount = 36
	offsetMeta          = 36
)

// Meta value indexes. Index i lives at byte 36+4*i of page 1.
const (
	MetaFreePageCount   = 0
	MetaSchemaCookie    = 1
	MetaSchemaFormat    = 2
	MetaDefaultCache    = 3
	MetaLargestRootPage = 4
	MetaTextEncoding    = 5
	MetaUserVersion     = 6
	MetaIncrVacuum      = 7
	MaxMeta             = 15
)

// Pointer-map entry types.
const (
	PtrmapRootPage  = 1 // Root page of a table; parent is 0
	PtrmapFreePage  = 2 // On the freelist; parent is 0
	PtrmapOverflow1 = 3 // First overflow page; parent is the btree page
	PtrmapOverflow2 = 4 // Later overflow page; parent is the previous overflow page
	PtrmapBtree     = 5 // Non-root btree page; parent is the parent page
)

// Auto-vacuum modes.
const (
	AutoVacuumNone        = 0
	AutoVacuumFull        = 1
	AutoVacuumIncremental = 2
)

// Transaction states, per handle and per shared btree.
const (
	TransNone  = 0
	TransRead  = 1
	TransWrite = 2
)

// Arguments for BeginTrans.
const (
	BeginRead      = 0
	BeginWrite     = 1
	BeginExclusive = 2
)

// Maximum B-tree depth (to prevent infinite loops in corrupt databases)
const MaxBtreeDepth = 20

const (
	// maxOverflowCells bounds the cells a page may hold pending a balance.
	maxOverflowCells = 5
	// maxFragmentation triggers defragmentation before allocating in a page.
	maxFragmentation = 60
	// Siblings taking part in a balance: the page and one neighbour each side.
	nnSiblings = 1
	nbSiblings = 2*nnSiblings + 1
)

var magicHeader = []byte(pager.MagicHeaderString)

// maxCells is the most cells a page of the given size can hold.
func maxCells(pageSize int) int {
	return (pageSize - 8) / 6
}

func pendingPage(pageSize int) Pgno {
	return pager.PendingPage(pageSize)
}
