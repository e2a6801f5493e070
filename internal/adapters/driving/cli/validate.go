package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// validateConcurrency bounds adapters built at once.
const validateConcurrency = 8

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and every stream's adapter settings",
	Long: `Loads the configuration file, resolves credential sets and builds the
adapter of every stream, disabled ones included, without fetching anything
or touching the cursor store or intake. Exits non-zero if anything is
rejected.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// streamCheck is the outcome of building one stream's adapter.
type streamCheck struct {
	stream domain.Stream
	err    error
}

func runValidate(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	st := newStyles(out)

	cfg, factory, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(out, st.Error.Render("✗ "+err.Error()))
		return err
	}
	env, err := newAdapterEnv(cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintln(out, st.Error.Render("✗ "+err.Error()))
		return err
	}
	defer env.close()

	checks := checkStreams(cmd.Context(), factory, env, cfg.AllStreams())
	return reportChecks(out, st, cfg.Path(), checks)
}

// checkStreams builds every stream's adapter concurrently and closes it.
func checkStreams(ctx context.Context, factory driven.AdapterFactory, env *adapterEnv, streams []domain.Stream) []streamCheck {
	checks := make([]streamCheck, len(streams))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(validateConcurrency)
	for i, stream := range streams {
		g.Go(func() error {
			adapter, err := factory.Create(gctx, stream, env.Deps(stream))
			if err == nil {
				err = closeAdapter(adapter)
			}
			checks[i] = streamCheck{stream: stream, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

func reportChecks(out io.Writer, st *styles, path string, checks []streamCheck) error {
	fmt.Fprintln(out, st.Title.Render("Configuration "+path))
	failed := 0
	for _, c := range checks {
		label := fmt.Sprintf("%s (%s)", c.stream.ID, c.stream.AdapterKind)
		if c.err != nil {
			failed++
			fmt.Fprintf(out, "  %s %s: %s\n", st.Error.Render("✗"), label, c.err)
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", st.Success.Render("✓"), label)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d streams rejected: %w", failed, len(checks), domain.ErrInvalidInput)
	}
	fmt.Fprintln(out, st.Muted.Render(fmt.Sprintf("%d streams ok", len(checks))))
	return nil
}
