package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/metrics"
)

// NewServeCommand creates the long-running engine command
func NewServeCommand(cfg *config.Config) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rotation engine on its schedules",
		Long: `Run scheduling, execution, expiry checks, old version retirement and the
audit purge on their cron schedules until interrupted.

When metrics.enabled is set, Prometheus metrics and a /health endpoint are
served on metrics.port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			logger := cfg.Logger

			srv := metrics.NewServer(cfg.Definition.Metrics.ServerConfig(), a.store.Ping, logger)
			if err := srv.Start(); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Stop(shutdownCtx)
			}()

			if runNow {
				if _, err := a.engine.RunOnce(ctx); err != nil {
					logger.Warn("initial cycle: %v", err)
				}
			}
			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			logger.Info("credrotate serving (store %s, vault %s)", cfg.Definition.Store.Driver, cfg.Definition.Vault.Type)

			<-ctx.Done()
			logger.Info("shutting down")
			a.engine.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", true, "Run one full cycle before waiting for the first schedule")
	return cmd
}
