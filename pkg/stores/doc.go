// Package stores provides the SQLite run journal for toolstore.
//
// Every finished workflow run is written with its step outcomes and
// compensation attempts; every plan invocation is written with its caller,
// result and failure. Tables are created by embedded golang-migrate
// migrations. The connection uses modernc.org/sqlite in WAL mode, so the
// journal needs no cgo.
package stores
