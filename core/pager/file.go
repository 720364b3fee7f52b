package pager

import (
	"io"
	"os"
	"sync"

	"github.com/FocuswithJustin/btreedb/core/errors"
)

// MemoryFilename opens a private database that lives only in memory.
const MemoryFilename = ":memory:"

// file is the storage backend behind a database or journal.
type file interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Size() (int64, error)
	Close() error
}

// osFile is a file on disk.
type osFile struct {
	f    *os.File
	path string
}

func openOSFile(path string, readOnly bool) (*osFile, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrap(errors.ErrPermission, err.Error())
		}
		return nil, errors.NewIO("open", path, err)
	}
	return &osFile{f: f, path: path}, nil
}

func (o *osFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := o.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, errors.NewIO("read", o.path, err)
	}
	return n, err
}

func (o *osFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := o.f.WriteAt(p, off)
	if err != nil {
		return n, errors.NewIO("write", o.path, err)
	}
	return n, nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return errors.NewIO("truncate", o.path, err)
	}
	return nil
}

func (o *osFile) Sync() error {
	if err := o.f.Sync(); err != nil {
		return errors.NewIO("sync", o.path, err)
	}
	return nil
}

func (o *osFile) Size() (int64, error) {
	info, err := o.f.Stat()
	if err != nil {
		return 0, errors.NewIO("stat", o.path, err)
	}
	return info.Size(), nil
}

func (o *osFile) Close() error {
	if err := o.f.Close(); err != nil {
		return errors.NewIO("close", o.path, err)
	}
	return nil
}

// memFile is a growable byte slice with file semantics.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func newMemFile() *memFile {
	return &memFile{}
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	} else if size > int64(len(m.data)) {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
	}
	return nil
}

func (m *memFile) Sync() error { return nil }

func (m *memFile) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *memFile) Close() error { return nil }

// readFull reads len(p) bytes at off, zero-filling anything past the end of
// the file.
func readFull(f file, p []byte, off int64) error {
	n, err := f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return err
	}
	clear(p[n:])
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
