//go:build sqlite_vec && cgo

package quarantine

import _ "github.com/mattn/go-sqlite3"

const driverName = "sqlite3"
