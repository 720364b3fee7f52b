package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// File format constants.
const (
	// DatabaseHeaderSize is the size of the file header stored on page 1.
	DatabaseHeaderSize = 100

	// DefaultPageSize is the page size used for new databases.
	DefaultPageSize = 1024

	// MinPageSize is the smallest legal page size.
	MinPageSize = 512

	// MaxPageSize is the largest legal page size. It is stored as 1 on disk.
	MaxPageSize = 65536

	// DefaultCacheSize is the default page cache capacity in pages.
	DefaultCacheSize = 2000

	// MagicHeaderString is the 16-byte magic at the start of every database.
	MagicHeaderString = "SQLite format 3\x00"

	// PendingByte is the file offset of the lock byte range. The page that
	// holds it is never used for data.
	PendingByte = 0x40000000

	// SQLiteVersionNumber is written to the header on every commit.
	SQLiteVersionNumber = 3006023
)

// Header byte offsets.
const (
	OffsetMagic             = 0
	OffsetPageSize          = 16
	OffsetFileFormatWrite   = 18
	OffsetFileFormatRead    = 19
	OffsetReservedSpace     = 20
	OffsetMaxPayloadFrac    = 21
	OffsetMinPayloadFrac    = 22
	OffsetLeafPayloadFrac   = 23
	OffsetFileChangeCounter = 24
	OffsetDatabaseSize      = 28
	OffsetFreelistTrunk     = 32
	OffsetFreelistCount     = 36
	OffsetSchemaCookie      = 40
	OffsetSchemaFormat      = 44
	OffsetDefaultCacheSize  = 48
	OffsetLargestRootPage   = 52
	OffsetTextEncoding      = 56
	OffsetUserVersion       = 60
	OffsetIncrementalVacuum = 64
	OffsetVersionValidFor   = 92
	OffsetSQLiteVersion     = 96
)

// Text encodings stored at OffsetTextEncoding.
const (
	EncodingUTF8    = 1
	EncodingUTF16LE = 2
	EncodingUTF16BE = 3
)

// DatabaseHeader is the decoded form of the 100-byte file header.
type DatabaseHeader struct {
	PageSize          int
	FileFormatWrite   uint8
	FileFormatRead    uint8
	ReservedSpace     uint8
	MaxPayloadFrac    uint8
	MinPayloadFrac    uint8
	LeafPayloadFrac   uint8
	FileChangeCounter uint32
	DatabaseSize      uint32
	FreelistTrunk     uint32
	FreelistCount     uint32
	SchemaCookie      uint32
	SchemaFormat      uint32
	DefaultCacheSize  uint32
	LargestRootPage   uint32
	TextEncoding      uint32
	UserVersion       uint32
	IncrementalVacuum uint32
	VersionValidFor   uint32
	SQLiteVersion     uint32
}

// ParseDatabaseHeader decodes the header found at the start of data.
// Only the magic and the page size are checked here; Validate applies the
// remaining rules.
func ParseDatabaseHeader(data []byte) (*DatabaseHeader, error) {
	if len(data) < DatabaseHeaderSize {
		return nil, errors.NewCorrupt(1, "header is %d bytes, want %d", len(data), DatabaseHeaderSize)
	}
	if string(data[OffsetMagic:OffsetMagic+16]) != MagicHeaderString {
		return nil, errors.ErrNotADatabase
	}

	pageSize := int(binary.BigEndian.Uint16(data[OffsetPageSize:]))
	if pageSize == 1 {
		pageSize = MaxPageSize
	}
	if !IsValidPageSize(pageSize) {
		return nil, errors.Wrapf(errors.ErrNotADatabase, "invalid page size %d", pageSize)
	}

	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(data[off:]) }
	return &DatabaseHeader{
		PageSize:          pageSize,
		FileFormatWrite:   data[OffsetFileFormatWrite],
		FileFormatRead:    data[OffsetFileFormatRead],
		ReservedSpace:     data[OffsetReservedSpace],
		MaxPayloadFrac:    data[OffsetMaxPayloadFrac],
		MinPayloadFrac:    data[OffsetMinPayloadFrac],
		LeafPayloadFrac:   data[OffsetLeafPayloadFrac],
		FileChangeCounter: u32(OffsetFileChangeCounter),
		DatabaseSize:      u32(OffsetDatabaseSize),
		FreelistTrunk:     u32(OffsetFreelistTrunk),
		FreelistCount:     u32(OffsetFreelistCount),
		SchemaCookie:      u32(OffsetSchemaCookie),
		SchemaFormat:      u32(OffsetSchemaFormat),
		DefaultCacheSize:  u32(OffsetDefaultCacheSize),
		LargestRootPage:   u32(OffsetLargestRootPage),
		TextEncoding:      u32(OffsetTextEncoding),
		UserVersion:       u32(OffsetUserVersion),
		IncrementalVacuum: u32(OffsetIncrementalVacuum),
		VersionValidFor:   u32(OffsetVersionValidFor),
		SQLiteVersion:     u32(OffsetSQLiteVersion),
	}, nil
}

// UsableSize is the page size less the reserved tail.
func (h *DatabaseHeader) UsableSize() int {
	return h.PageSize - int(h.ReservedSpace)
}

// Validate applies the checks a reader performs before trusting a header.
func (h *DatabaseHeader) Validate() error {
	if h.FileFormatRead > 1 {
		return errors.Wrapf(errors.ErrNotADatabase, "unsupported read format %d", h.FileFormatRead)
	}
	if h.FileFormatWrite > 1 {
		return errors.Wrapf(errors.ErrReadOnly, "unsupported write format %d", h.FileFormatWrite)
	}
	if h.MaxPayloadFrac != 64 || h.MinPayloadFrac != 32 || h.LeafPayloadFrac != 32 {
		return errors.Wrapf(errors.ErrNotADatabase, "payload fractions %d/%d/%d",
			h.MaxPayloadFrac, h.MinPayloadFrac, h.LeafPayloadFrac)
	}
	if h.UsableSize() < 480 {
		return errors.Wrapf(errors.ErrNotADatabase, "usable size %d", h.UsableSize())
	}
	return nil
}

// String renders the fields the CLI reports.
func (h *DatabaseHeader) String() string {
	return fmt.Sprintf("page_size=%d pages=%d freelist=%d/%d change_counter=%d schema_cookie=%d",
		h.PageSize, h.DatabaseSize, h.FreelistTrunk, h.FreelistCount, h.FileChangeCounter, h.SchemaCookie)
}

// IsValidPageSize reports whether size is a power of two in [512, 65536].
func IsValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}

// PendingPage returns the page number that contains PendingByte.
func PendingPage(pageSize int) Pgno {
	return Pgno(PendingByte/pageSize) + 1
}
