package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/logger"
	"github.com/kebairia/hostsave/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full backup pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.Init()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		defer logger.Cleanup()

		var cfg config.Config
		if err := cfg.Load(ConfigFile); err != nil {
			log.Error("configuration rejected", "path", ConfigFile, "error", err)
			return err
		}

		// SIGINT/SIGTERM cancel the run; the unmount cleanup still runs
		// on its own context.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exitCode = pipeline.NewRunner(log, cfg).Execute(ctx)
		return nil
	},
}
