package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
)

// Server is the MCP server for stream status.
type Server struct {
	status driving.StatusService
	server *mcp.Server
}

// NewServer creates a server reading status from status.
func NewServer(status driving.StatusService, version string) (*Server, error) {
	if status == nil {
		return nil, ErrMissingStatusService
	}

	impl := &mcp.Implementation{
		Name:    "ingestd",
		Version: version,
	}
	s := &Server{
		status: status,
		server: mcp.NewServer(impl, nil),
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
