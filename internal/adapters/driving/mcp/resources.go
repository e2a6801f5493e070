package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// uriScheme is the URI scheme of ingestd resources.
const uriScheme = "ingestd://"

// registerResources registers all resource handlers with the MCP server.
func (s *Server) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         uriScheme + "streams",
		Name:        "streams",
		Description: "Persisted status of every configured stream",
		MIMEType:    "application/json",
	}, s.handleStreamsResource)
}

func (s *Server) handleStreamsResource(
	ctx context.Context,
	req *mcp.ReadResourceRequest,
) (*mcp.ReadResourceResult, error) {
	rows, err := s.status.Streams(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing streams: %w", err)
	}
	streams := make([]StreamOutput, len(rows))
	for i, r := range rows {
		streams[i] = streamOutput(r)
	}

	data, err := json.MarshalIndent(streams, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling streams: %w", err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
