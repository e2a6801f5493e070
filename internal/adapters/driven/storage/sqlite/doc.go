// Package sqlite keeps cursor snapshots and worker run history in a single
// SQLite file under the configured state directory.
//
// It uses modernc.org/sqlite, so the binary stays free of cgo. The schema is
// created by the embedded migrations on open.
//
// A snapshot is one upsert, so a reader sees either the previous or the new
// state of a stream, never a mix. The database runs in WAL mode, which lets
// `ingestd status` read while a running process writes.
package sqlite
