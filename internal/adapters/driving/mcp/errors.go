// Package mcp serves persisted stream status over the Model Context
// Protocol on stdio, so an assistant can inspect ingestion health without
// a listening socket.
package mcp

import "errors"

// ErrMissingStatusService is returned when the status service is not provided.
var ErrMissingStatusService = errors.New("mcp: status service is required")
