//go:build !(sqlite_vec && cgo)

package quarantine

import _ "modernc.org/sqlite"

const driverName = "sqlite"
