package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
)

// defaultRunsLimit applies when stream_runs is called without a limit.
const defaultRunsLimit = 10

// StreamsInput is the input schema for the list_streams tool.
type StreamsInput struct {
	Failing bool `json:"failing,omitempty" jsonschema:"only return streams whose last run or snapshot recorded an error"`
}

// StreamsOutput is the output schema for the list_streams tool.
type StreamsOutput struct {
	Streams []StreamOutput `json:"streams"`
	Count   int            `json:"count"`
}

// StreamOutput is one stream's persisted status.
type StreamOutput struct {
	StreamID    string     `json:"stream_id"`
	AdapterKind string     `json:"adapter_kind,omitempty"`
	Position    string     `json:"position,omitempty"`
	EventsIn    uint64     `json:"events_in"`
	EventsOut   uint64     `json:"events_out"`
	Dropped     uint64     `json:"dropped"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastExit    string     `json:"last_exit,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Restarts    int        `json:"restarts"`
}

// RunsInput is the input schema for the stream_runs tool.
type RunsInput struct {
	StreamID string `json:"stream_id" jsonschema:"the stream to list worker runs for"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of runs to return (default 10)"`
}

// RunsOutput is the output schema for the stream_runs tool.
type RunsOutput struct {
	Runs  []RunOutput `json:"runs"`
	Count int         `json:"count"`
}

// RunOutput is one finished worker run.
type RunOutput struct {
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Cause     string    `json:"cause"`
	Error     string    `json:"error,omitempty"`
	EventsOut uint64    `json:"events_out"`
}

// registerTools registers all tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_streams",
		Description: "List every configured stream with its cursor position, event counters and last error",
	}, s.handleStreams)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "stream_runs",
		Description: "List recent worker runs of one stream, most recent first",
	}, s.handleRuns)
}

func (s *Server) handleStreams(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input StreamsInput,
) (*mcp.CallToolResult, StreamsOutput, error) {
	rows, err := s.status.Streams(ctx)
	if err != nil {
		return nil, StreamsOutput{}, err
	}

	output := StreamsOutput{Streams: make([]StreamOutput, 0, len(rows))}
	for _, r := range rows {
		if input.Failing && r.LastError == "" {
			continue
		}
		output.Streams = append(output.Streams, streamOutput(r))
	}
	output.Count = len(output.Streams)
	return nil, output, nil
}

func (s *Server) handleRuns(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunsInput,
) (*mcp.CallToolResult, RunsOutput, error) {
	if input.StreamID == "" {
		return nil, RunsOutput{}, domain.ErrInvalidInput
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}

	runs, err := s.status.Runs(ctx, input.StreamID, limit)
	if err != nil {
		return nil, RunsOutput{}, err
	}
	output := RunsOutput{Runs: make([]RunOutput, len(runs)), Count: len(runs)}
	for i, run := range runs {
		output.Runs[i] = RunOutput{
			StartedAt: run.StartedAt,
			EndedAt:   run.EndedAt,
			Cause:     string(run.Cause),
			Error:     run.Error,
			EventsOut: run.EventsOut,
		}
	}
	return nil, output, nil
}

func streamOutput(r driving.StreamStatus) StreamOutput {
	out := StreamOutput{
		StreamID:    r.StreamID,
		AdapterKind: r.AdapterKind,
		EventsIn:    r.EventsIn,
		EventsOut:   r.EventsOut,
		Dropped:     r.Dropped,
		LastExit:    string(r.LastExit),
		LastError:   r.LastError,
		Restarts:    r.Restarts,
	}
	if !r.Position.IsZero() {
		out.Position = r.Position.String()
	}
	if !r.LastSuccess.IsZero() {
		t := r.LastSuccess
		out.LastSuccess = &t
	}
	return out
}
