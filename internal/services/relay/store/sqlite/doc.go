// Package sqlite provides the SQLite-backed keyed store.
//
// Every value lives in one nodes row addressed by (parent, key) and ordered by
// an insertion sequence. Writes are applied by a single writer goroutine so
// change notifications leave in commit order; reads go straight to the
// database.
package sqlite
