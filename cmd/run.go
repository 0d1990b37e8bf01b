package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/internal/observability"
	"github.com/xkilldash9x/rankbot/internal/service"
)

// newRunCmd creates the `run` command, which drives the control loop until
// interrupted.
func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the perception, decision and action loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			logger.Info("Starting control loop",
				zap.String("capture", cfg.Capture().Source),
				zap.String("sink", cfg.Dispatch().Sink),
				zap.String("models", cfg.Models().BaseURL),
				zap.Duration("tick_delay", cfg.Agent().TickDelay),
			)
			if err := components.Start(ctx); err != nil {
				return fmt.Errorf("failed to start control loop: %w", err)
			}

			if err := components.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			st := components.Scheduler.Stats()
			logger.Info("Control loop finished",
				zap.Uint64("ticks", st.Ticks),
				zap.Uint64("failures", st.Failures),
				zap.Uint64("panics", st.Panics),
			)
			return nil
		},
	}

	runCmd.Flags().String("source", "", "frame source: browser or directory")
	runCmd.Flags().String("frames", "", "directory of frames for the directory source")
	runCmd.Flags().String("sink", "", "tap sink: browser or log")
	runCmd.Flags().String("model-url", "", "base URL of the model server")
	runCmd.Flags().Duration("tick-delay", 0, "delay between ticks")
	return runCmd
}
