//go:build sqlite_vec && cgo

package catalog

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver with the vec0 extension
// auto-loaded into every new connection.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
