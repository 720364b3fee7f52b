package pager

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// Journal header constants.
const (
	// JournalHeaderSize is the size of the journal header in bytes.
	JournalHeaderSize = 48

	// JournalMagic is the magic number at the start of a journal file.
	JournalMagic = 0xd9d505f9

	// JournalFormatVersion is the journal format version.
	JournalFormatVersion = 2

	checksumSize = 8
)

// Journal is a rollback journal. It holds the original image of every page
// a write transaction touched, each record sealed with a blake3 checksum
// keyed by the journal's random salt. A record whose checksum does not match
// marks the end of the valid journal, which is how a torn tail left by a
// crash is detected.
//
// Layout:
//
//	header: magic u32 | version u32 | page size u32 | initial pages u32 |
//	        salt [16] | zero [8] | checksum [8]
//	record: pgno u32 | page image | checksum [8]
//	super:  0 u32 | name length u32 | name | checksum [8]
type Journal struct {
	file      file
	filename  string
	pageSize  int
	dbSize    Pgno
	salt      uuid.UUID
	offset    int64
	pageCount int
	mu        sync.Mutex
}

// JournalHeader is the decoded journal header.
type JournalHeader struct {
	Magic       uint32
	Version     uint32
	PageSize    uint32
	InitialSize Pgno
	Salt        uuid.UUID
}

type journalRecord struct {
	pgno Pgno
	data []byte
}

// NewJournal prepares a journal for a transaction that started with dbSize
// pages. Nothing is written until Open.
func NewJournal(f file, filename string, pageSize int, dbSize Pgno) *Journal {
	return &Journal{
		file:     f,
		filename: filename,
		pageSize: pageSize,
		dbSize:   dbSize,
		salt:     uuid.New(),
	}
}

// Open writes a fresh header at the start of the file.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	hdr := make([]byte, JournalHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], JournalMagic)
	binary.BigEndian.PutUint32(hdr[4:], JournalFormatVersion)
	binary.BigEndian.PutUint32(hdr[8:], uint32(j.pageSize))
	binary.BigEndian.PutUint32(hdr[12:], uint32(j.dbSize))
	copy(hdr[16:32], j.salt[:])
	sum := blake3.Sum256(hdr[:40])
	copy(hdr[40:], sum[:checksumSize])
	if _, err := j.file.WriteAt(hdr, 0); err != nil {
		return err
	}
	j.offset = JournalHeaderSize
	j.pageCount = 0
	return nil
}

// WriteOriginal appends the pre-transaction image of a page.
func (j *Journal) WriteOriginal(pgno Pgno, data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(data) != j.pageSize {
		return errors.NewValidation("data", "journal record is not one page")
	}
	rec := make([]byte, 4+len(data)+checksumSize)
	binary.BigEndian.PutUint32(rec, uint32(pgno))
	copy(rec[4:], data)
	copy(rec[4+len(data):], j.checksum(rec[:4+len(data)]))
	if _, err := j.file.WriteAt(rec, j.offset); err != nil {
		return err
	}
	j.offset += int64(len(rec))
	j.pageCount++
	return nil
}

// WriteSuper records the name of the super-journal coordinating a commit
// across several files. The journal only counts as hot while that file
// exists.
func (j *Journal) WriteSuper(name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := make([]byte, 8+len(name)+checksumSize)
	binary.BigEndian.PutUint32(rec[4:], uint32(len(name)))
	copy(rec[8:], name)
	copy(rec[8+len(name):], j.checksum(rec[:8+len(name)]))
	if _, err := j.file.WriteAt(rec, j.offset); err != nil {
		return err
	}
	j.offset += int64(len(rec))
	return nil
}

func (j *Journal) checksum(body []byte) []byte {
	return recordChecksum(j.salt, body)
}

func recordChecksum(salt uuid.UUID, body []byte) []byte {
	h := blake3.New()
	_, _ = h.Write(salt[:])
	_, _ = h.Write(body)
	return h.Sum(nil)[:checksumSize]
}

// Sync flushes the journal to stable storage.
func (j *Journal) Sync() error {
	return j.file.Sync()
}

// Truncate empties the journal file.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.offset = 0
	j.pageCount = 0
	return j.file.Truncate(0)
}

// ZeroHeader overwrites the header so the file is no longer a journal.
func (j *Journal) ZeroHeader() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.WriteAt(make([]byte, JournalHeaderSize), 0); err != nil {
		return err
	}
	return j.file.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.file.Close()
}

// PageCount returns the number of page records written.
func (j *Journal) PageCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pageCount
}

// ID returns the journal's salt.
func (j *Journal) ID() uuid.UUID { return j.salt }

// readJournal decodes a journal. A nil header means the file does not hold
// a valid journal. Records are returned up to the first damaged one.
func readJournal(f file) (*JournalHeader, []journalRecord, string, error) {
	size, err := f.Size()
	if err != nil {
		return nil, nil, "", err
	}
	if size < JournalHeaderSize {
		return nil, nil, "", nil
	}
	raw := make([]byte, JournalHeaderSize)
	if err := readFull(f, raw, 0); err != nil {
		return nil, nil, "", err
	}
	sum := blake3.Sum256(raw[:40])
	if binary.BigEndian.Uint32(raw) != JournalMagic || !bytes.Equal(sum[:checksumSize], raw[40:]) {
		return nil, nil, "", nil
	}
	hdr := &JournalHeader{
		Magic:       JournalMagic,
		Version:     binary.BigEndian.Uint32(raw[4:]),
		PageSize:    binary.BigEndian.Uint32(raw[8:]),
		InitialSize: Pgno(binary.BigEndian.Uint32(raw[12:])),
	}
	copy(hdr.Salt[:], raw[16:32])
	if !IsValidPageSize(int(hdr.PageSize)) {
		return nil, nil, "", nil
	}

	var recs []journalRecord
	var super string
	off := int64(JournalHeaderSize)
	recSize := int64(4 + hdr.PageSize + checksumSize)
	for off+8 <= size {
		head := make([]byte, 8)
		if err := readFull(f, head, off); err != nil {
			return nil, nil, "", err
		}
		pgno := binary.BigEndian.Uint32(head)
		if pgno == 0 {
			n := int64(binary.BigEndian.Uint32(head[4:]))
			if off+8+n+checksumSize > size {
				break
			}
			body := make([]byte, 8+n+checksumSize)
			if err := readFull(f, body, off); err != nil {
				return nil, nil, "", err
			}
			if bytes.Equal(recordChecksum(hdr.Salt, body[:8+n]), body[8+n:]) {
				super = string(body[8 : 8+n])
			}
			break
		}
		if off+recSize > size {
			break
		}
		body := make([]byte, recSize)
		if err := readFull(f, body, off); err != nil {
			return nil, nil, "", err
		}
		if !bytes.Equal(recordChecksum(hdr.Salt, body[:recSize-checksumSize]), body[recSize-checksumSize:]) {
			break
		}
		recs = append(recs, journalRecord{pgno: Pgno(pgno), data: body[4 : recSize-checksumSize]})
		off += recSize
	}
	return hdr, recs, super, nil
}
