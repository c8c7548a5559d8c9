//go:build !cgo_sqlite

package sessions

import (
	_ "modernc.org/sqlite"
)

// driverName selects the cgo-free sqlite driver by default; build with
// -tags cgo_sqlite to use mattn/go-sqlite3 instead.
const driverName = "sqlite"

// dsn renders the driver-specific connection string.
func dsn(path string) string {
	return path + "?_pragma=busy_timeout(5000)"
}
