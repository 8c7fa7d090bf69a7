// Package store provides the SQLite-backed durable record store.
//
// The store holds two kinds of record:
//   - Data records: immutable values, sealed the moment they are stored
//   - Process records: the calculation record of one process, mutable
//     (state, attributes, outgoing provenance) until sealed
//
// Records are connected by typed provenance links:
//   - input:  data -> process (the process consumed the value)
//   - create: process -> data (the process produced the value)
//   - return: process -> data (the process returned the value)
//   - call:   process -> process (the parent called the child)
//
// # Sealing
//
// Once a record is sealed every mutation (attribute writes and deletes,
// state changes, new links owned by it) fails with ErrModificationNotAllowed.
// The sealed check and the write run in one transaction.
//
// # Connections
//
// Open configures every connection through driver parameters: WAL
// journaling, synchronous=NORMAL, a five second busy timeout and foreign
// keys on. The pool holds a single connection. Schema changes after the
// base schema are numbered migrations tracked in PRAGMA user_version.
package store
