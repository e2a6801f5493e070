// Package connectors holds the source adapters and the registry that builds
// them from stream configuration.
//
// Each adapter kind lives in its own package and exposes a Kind constant and
// a New function with the driven.AdapterBuilder signature. Kinds are
// registered with the Factory at startup; NewDefaultFactory registers every
// kind shipped with the engine.
package connectors
