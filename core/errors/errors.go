// Package errors provides the error taxonomy shared by the pager and btree
// packages, plus the typed errors and helpers used across the module.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per error kind. Use Is to test for a kind.
var (
	// ErrCorrupt indicates a structural inconsistency in the database file
	ErrCorrupt = errors.New("database disk image is malformed")
	// ErrNotADatabase indicates the file header is not a recognised database header
	ErrNotADatabase = fmt.Errorf("file is not a database: %w", ErrCorrupt)
	// ErrIO indicates a failed read, write, sync or truncate
	ErrIO = errors.New("disk I/O error")
	// ErrNoMem indicates the page cache could not supply a page
	ErrNoMem = errors.New("out of memory")
	// ErrBusy indicates file-level lock contention; the caller may retry
	ErrBusy = errors.New("database is locked")
	// ErrLocked indicates a table-level conflict inside a shared cache
	ErrLocked = errors.New("database table is locked")
	// ErrReadOnly indicates a write on a read-only database or transaction
	ErrReadOnly = errors.New("attempt to write a readonly database")
	// ErrPermission indicates a write through a cursor opened for reading
	ErrPermission = errors.New("access permission denied")
	// ErrEmpty indicates the database file has no pages at all
	ErrEmpty = errors.New("database is empty")
	// ErrRange indicates an offset or index outside the valid range
	ErrRange = errors.New("offset out of range")
	// ErrMisuse indicates an API precondition was not met
	ErrMisuse = errors.New("library routine called out of sequence")
	// ErrAbort indicates the operation was abandoned by an earlier failure
	ErrAbort = errors.New("operation aborted")
	// ErrNotFound indicates a named resource was not found
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates invalid input or validation failure
	ErrInvalidInput = errors.New("invalid input")
)

// CorruptError records where corruption was detected.
type CorruptError struct {
	Pgno   uint32 // Page on which the problem was found (0 if unknown)
	Reason string // What was inconsistent
}

func (e *CorruptError) Error() string {
	if e.Pgno != 0 {
		return fmt.Sprintf("%s: page %d: %s", ErrCorrupt, e.Pgno, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrCorrupt, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return ErrCorrupt
}

// NotFoundError represents a resource not found error with context
type NotFoundError struct {
	Resource string // Type of resource (e.g., "savepoint", "table")
	ID       string // Identifier of the resource
	Err      error  // Underlying error, if any
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNotFound
}

// ValidationError represents an input validation error with context
type ValidationError struct {
	Field   string // Field name that failed validation
	Value   string // Value that failed validation
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// IOError represents an I/O operation error with context
type IOError struct {
	Operation string // Operation being performed (e.g., "read", "write", "sync")
	Path      string // File path involved
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Operation, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports every IOError as ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// ParseError represents a parsing error
type ParseError struct {
	Format  string // Format being parsed (e.g., "script", "config")
	Path    string // File path, if applicable
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to parse %s at %s: %s", e.Format, e.Path, e.Message)
	}
	return fmt.Sprintf("failed to parse %s: %s", e.Format, e.Message)
}

func (e *ParseError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// NewCorrupt creates a CorruptError
func NewCorrupt(pgno uint32, format string, args ...interface{}) *CorruptError {
	return &CorruptError{
		Pgno:   pgno,
		Reason: fmt.Sprintf(format, args...),
	}
}

// NewNotFound creates a NotFoundError
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// NewValidation creates a ValidationError
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewIO creates an IOError
func NewIO(operation, path string, err error) *IOError {
	return &IOError{
		Operation: operation,
		Path:      path,
		Err:       err,
	}
}

// NewParse creates a ParseError
func NewParse(format, path, message string) *ParseError {
	return &ParseError{
		Format:  format,
		Path:    path,
		Message: message,
	}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New wraps errors.New so callers need only this package.
func New(text string) error {
	return errors.New(text)
}
