// Package store persists chat transcripts and monitoring alert history.
//
// The Store interface has one implementation, SQLiteStore, backed by the
// pure-Go modernc.org/sqlite driver with WAL journaling. The schema is
// created on open; there is no separate migration step. Transcripts are
// written by the gateway on each chat exchange and alerts by the monitor on
// each fan-out, so the store is append-mostly and read via two list queries.
package store
