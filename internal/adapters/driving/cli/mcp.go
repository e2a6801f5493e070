package cli

import (
	"github.com/spf13/cobra"

	"github.com/custodia-labs/ingestd/internal/adapters/driving/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve stream status to an MCP client over stdio",
	Long: `Starts a Model Context Protocol server on stdin and stdout exposing the
list_streams and stream_runs tools and the ingestd://streams resource. It
reads the same cursor store as the status command and never modifies it.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	status, closer, err := openStatus(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	server, err := mcp.NewServer(status, version)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}
