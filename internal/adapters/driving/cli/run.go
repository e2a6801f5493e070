package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every enabled stream until interrupted",
	Long: `Starts one worker per enabled stream and supervises them until SIGINT or
SIGTERM. Workers then finish their in-flight batch and persist their cursor
within the engine's shutdown grace period.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, factory, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Options())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, factory, log)
	if err != nil {
		logger.Critical(log, "startup failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("closing backends", zap.Error(err))
		}
	}()

	log.Info("ingestd starting",
		zap.String("version", version),
		zap.String("config", cfg.Path()),
		zap.Int("streams", len(cfg.EnabledStreams())),
		zap.String("cursor_store", cfg.CursorStore.StoreKind()),
		zap.String("intake", cfg.Intake.IntakeKind()))

	if err := app.Supervisor.Run(ctx); err != nil {
		return err
	}
	log.Info("ingestd stopped")
	return nil
}
