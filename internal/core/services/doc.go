// Package services implements the engine: one Worker per stream, the
// Forwarder that pushes encoded batches to the intake, and the Supervisor
// that starts, watches and restarts workers.
//
// A worker moves a stream's cursor only after the intake has accepted
// everything before it. Records are deduplicated against the stream's
// recent-ids cache, so a replay after a crash only resends records that
// were never committed.
//
// StatusService reads persisted cursor snapshots for observers outside the
// running process.
package services
