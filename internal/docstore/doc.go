// Package docstore is the path-addressed document store the core persists into.
//
// Documents are JSON objects stored under "/"-separated paths; the collection
// of a document is its parent path. Supported drivers:
//   - "memory": process-local, used by tests and single-shot runs
//   - "sqlite": modernc.org/sqlite through sqlx
//   - "postgres": lib/pq through sqlx
package docstore
