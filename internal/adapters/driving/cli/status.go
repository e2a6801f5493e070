package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	config "github.com/custodia-labs/ingestd/internal/adapters/driven/config/file"
	"github.com/custodia-labs/ingestd/internal/adapters/driving/tui"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
	"github.com/custodia-labs/ingestd/internal/core/services"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted state of every stream",
	Long: `Reads the cursor store named by the configuration and prints one row per
stream: its position, event counters, last success and last error. The
store may lag a running process by up to one cycle.

With --watch the table is redrawn until q is pressed; enter shows the
selected stream's recent worker runs.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "keep the table open and refresh it")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", tui.DefaultInterval, "refresh interval with --watch")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	if statusWatch {
		return tui.Run(ctx, status, statusInterval)
	}

	rows, err := status.Streams(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	renderStatus(out, newStyles(out), rows, time.Now())
	return nil
}

// openStatus opens the configured store read side. The memory store is
// rejected since it is empty outside the running process.
func openStatus(ctx context.Context, cfg *config.Config) (*services.StatusService, io.Closer, error) {
	if cfg.CursorStore.StoreKind() == config.StoreMemory {
		return nil, nil, fmt.Errorf("the memory cursor store keeps nothing between processes: %w", domain.ErrUnsupportedType)
	}
	store, runs, closer, err := openStore(ctx, cfg, cfg.Engine.Settings())
	if err != nil {
		return nil, nil, err
	}
	return services.NewStatusService(cfg.AllStreams(), store, runs), closer, nil
}

// renderStatus prints rows as a table. The error column is cut to the
// terminal width.
func renderStatus(out io.Writer, st *styles, rows []driving.StreamStatus, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(out, st.Muted.Render("no streams"))
		return
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		table = append(table, tui.Cells(r, now))
	}
	widths := tui.Widths(table)
	last := tui.LastWidth(widths, st.width)

	fmt.Fprintln(out, tui.Line(tui.Header, widths, last, func(_ int, s string) string { return st.Header.Render(s) }))
	for _, row := range table {
		fmt.Fprintln(out, tui.Line(row, widths, last, func(col int, s string) string {
			switch {
			case col == tui.ColLastError && s != "":
				return st.Error.Render(s)
			case col == tui.ColLastSuccess && s == "never":
				return st.Warning.Render(s)
			default:
				return s
			}
		}))
	}
}
