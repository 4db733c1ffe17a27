//go:build !(sqlite_vec && cgo)

package catalog

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver. The sqlite-vec build
// (-tags sqlite_vec with cgo) swaps in the cgo driver with vec0 loaded.
const driverName = "sqlite"
