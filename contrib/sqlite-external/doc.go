// Package sqliteexternal provides optional external SQLite drivers.
//
// This package is part of the github.com/FocuswithJustin/btreedb module and
// registers a CGO-based reference driver used to cross-check database files.
// Connections run with cell_size_check on, so SQLite itself rejects
// malformed cells the engine might have written.
//
// # CGO SQLite Driver
//
// To use the CGO driver (github.com/mattn/go-sqlite3):
//
//	import _ "github.com/FocuswithJustin/btreedb/contrib/sqlite-external"
//
// Build with:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite
//
// # Default Pure Go Driver
//
// By default the reference driver is modernc.org/sqlite, which requires no
// CGO. See github.com/FocuswithJustin/btreedb/core/sqlite for details.
package sqliteexternal
