// Package driven defines the interfaces that core calls OUT to infrastructure.
//
// These are the "driven" or "secondary" ports in hexagonal architecture.
// Core services depend on these interfaces, and infrastructure adapters
// implement them.
//
// # Required Interfaces
//
// These must be provided for the engine to run:
//
//   - SourceAdapter: Fetches records from a vendor
//   - AdapterFactory: Creates adapters from stream configuration
//   - CursorStore: Cursor persistence
//   - Intake: Downstream record delivery
//   - Metrics: Engine observability
//
// # Optional Interfaces
//
// These can be nil - the engine degrades gracefully:
//
//   - AuthProvider: Only for streams that reference a credential set
//   - RunStore: Worker run history. Without it, history is not kept.
//   - MetricsExporter: Without it, metrics stay in process.
//
// # Import Rules
//
//   - Can Import: domain package and the logging library only
//   - Cannot Import: Any adapter or connector package
package driven
