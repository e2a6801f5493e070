// Package domain holds the types every other package speaks: streams and
// their options, cursor positions and snapshots, records and batches, the
// error kinds that decide what a worker does next, and worker lifecycle.
//
// A Position is opaque to the engine. Only the adapter that produced it
// interprets it; the engine stores it, compares it for monotonicity and
// hands it back on the next fetch.
//
// Error kinds are attached with the constructors in errors.go and read back
// with KindOf and WaitHintOf, so adapters never need to share error types
// with the engine.
//
// The package imports the standard library only.
package domain
