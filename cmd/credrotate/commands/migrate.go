package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/store"
)

// NewMigrateCommand creates the schema migration command
func NewMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Create or upgrade the credrotate schema for the postgres, mysql and libsql
store drivers. The memory and file drivers need no migrations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Definition == nil {
				if err := cfg.Load(); err != nil {
					return err
				}
			}
			opts := cfg.Definition.Store.Options()
			switch strings.ToLower(opts.Driver) {
			case "", "memory", "file":
				fmt.Fprintf(cmd.OutOrStdout(), "Store driver %q needs no migrations\n", opts.Driver)
				return nil
			}

			opts.AutoMigrate = true
			st, err := store.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s schema is up to date\n", opts.Driver)
			return nil
		},
	}
}
