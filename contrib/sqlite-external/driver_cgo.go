//go:build cgo_sqlite

// Package sqliteexternal registers the CGO reference driver built on
// mattn/go-sqlite3.
//
// Build with: go build -tags cgo_sqlite
// Requires: CGO_ENABLED=1
package sqliteexternal

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the name the cross-checking driver is registered under.
	DriverName = "sqlite3_btreedb"

	// DriverType identifies this as the CGO implementation.
	DriverType = "cgo"

	// DriverPackage is the import path of the underlying driver.
	DriverPackage = "github.com/mattn/go-sqlite3"
)

// connectPragmas run on every new connection. cell_size_check makes
// SQLite reject malformed cells while reading instead of trusting them.
var connectPragmas = []string{
	"PRAGMA cell_size_check = ON",
	"PRAGMA mmap_size = 0",
}

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, p := range connectPragmas {
				if _, err := conn.Exec(p, nil); err != nil {
					return err
				}
			}
			return nil
		},
	})
}
