package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/logging"
)

// BuildInfo is stamped into the binary at release time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand assembles the credrotate command tree around cfg.
func NewRootCommand(cfg *config.Config, info BuildInfo) *cobra.Command {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:   "credrotate",
		Short: "Credential rotation and audit integrity engine",
		Long: `credrotate keeps service credentials rotated on schedule, retries failed
rotations with exponential backoff, and records every step in a tamper-evident
audit log.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.NewWithWriter(cmd.ErrOrStderr(), debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("actor", "", "Principal recorded in the audit log (default: current OS user)")

	rootCmd.AddCommand(
		NewServeCommand(cfg),
		NewMigrateCommand(cfg),
		NewCredentialsCommand(cfg),
		NewRotationCommand(cfg),
		NewAuditCommand(cfg),
		NewCompletionCommand(),
	)
	return rootCmd
}
