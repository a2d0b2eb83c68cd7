package commands

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/registry"
	"github.com/systmms/credrotate/internal/rotation"
)

// NewRotationCommand creates the parent 'rotation' command
func NewRotationCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Run, trigger and inspect credential rotations",
		Long: `Drive the rotation engine by hand and inspect its attempts.

Examples:
  # Run one scheduling and execution cycle
  credrotate rotation run

  # Rotate a leaked credential now and drop its previous version
  credrotate rotation rotate 6f1c... --type emergency --reason "leaked"

  # Show the attempt history of a credential
  credrotate rotation history 6f1c... --format json`,
	}

	cmd.AddCommand(
		newRotationRunCmd(cfg),
		newRotationRotateCmd(cfg),
		newRotationCancelCmd(cfg),
		newRotationStatusCmd(cfg),
		newRotationHistoryCmd(cfg),
		newRotationRollbackCmd(cfg),
	)
	return cmd
}

func newRotationRunCmd(cfg *config.Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one expiry, scheduling, execution and retirement cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.RunOnce(cmd.Context())
			summary := struct {
				Due       int               `json:"due" yaml:"due"`
				Scheduled int               `json:"scheduled" yaml:"scheduled"`
				Completed []string          `json:"completed" yaml:"completed"`
				Failed    []string          `json:"failed" yaml:"failed"`
				Cancelled []string          `json:"cancelled" yaml:"cancelled"`
				Retired   int               `json:"retired" yaml:"retired"`
				Warned    []string          `json:"expiry_warned" yaml:"expiry_warned"`
				Expired   []string          `json:"expired" yaml:"expired"`
				Errors    map[string]string `json:"errors,omitempty" yaml:"errors,omitempty"`
			}{
				Due:       res.Tick.Due,
				Scheduled: len(res.Tick.Scheduled),
				Completed: res.Batch.Completed,
				Failed:    res.Batch.Failed,
				Cancelled: res.Batch.Cancelled,
				Retired:   res.Retired,
				Warned:    res.Expiry.Warned,
				Expired:   res.Expiry.Expired,
				Errors:    map[string]string{},
			}
			for id, e := range res.Batch.Errors {
				summary.Errors[id] = e.Error()
			}
			if rerr := render(cmd.OutOrStdout(), format, summary, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Due:\t%d\n", summary.Due)
				fmt.Fprintf(w, "Scheduled:\t%d\n", summary.Scheduled)
				fmt.Fprintf(w, "Completed:\t%d\n", len(summary.Completed))
				fmt.Fprintf(w, "Failed:\t%d\n", len(summary.Failed))
				fmt.Fprintf(w, "Cancelled:\t%d\n", len(summary.Cancelled))
				fmt.Fprintf(w, "Old versions retired:\t%d\n", summary.Retired)
				fmt.Fprintf(w, "Expiry warnings:\t%d\n", len(summary.Warned))
				fmt.Fprintf(w, "Expired:\t%d\n", len(summary.Expired))
				ids := make([]string, 0, len(summary.Errors))
				for id := range summary.Errors {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(w, "  └─ %s:\t%s\n", id, summary.Errors[id])
				}
			}); rerr != nil {
				return rerr
			}
			return err
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}

func newRotationRotateCmd(cfg *config.Config) *cobra.Command {
	var (
		rotationType string
		reason       string
		format       string
	)
	cmd := &cobra.Command{
		Use:   "rotate <credential-id>",
		Short: "Rotate a credential now",
		Long: `Schedule and execute a rotation outside the regular schedule.

A manual rotation keeps the previous version for rollback. An emergency
rotation deletes it as soon as the new version is in place. This is also
how a credential left in pending_rotation after exhausted retries is
recovered.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			attempt, err := a.engine.Rotate(cmd.Context(), rotation.RotateRequest{
				CredentialID: args[0],
				Type:         model.RotationType(rotationType),
				Actor:        actorFlag(cmd),
				Reason:       reason,
			})
			if attempt == nil {
				return err
			}
			if rerr := printAttempts(cmd, []*model.RotationAttempt{attempt}, format); rerr != nil {
				return rerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&rotationType, "type", string(model.RotationManual), "Rotation type: manual or emergency")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the rotation is requested")
	addFormatFlag(cmd, &format)
	return cmd
}

func newRotationCancelCmd(cfg *config.Config) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <attempt-id>",
		Short: "Cancel a scheduled rotation attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			attempt, err := a.engine.Cancel(cmd.Context(), args[0], actorFlag(cmd), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled attempt %s of credential %s\n", attempt.ID, attempt.CredentialID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the attempt is cancelled")
	return cmd
}

func newRotationStatusCmd(cfg *config.Config) *cobra.Command {
	var (
		owner  string
		format string
	)
	cmd := &cobra.Command{
		Use:   "status [credential-id]",
		Short: "Show rotation status for credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var creds []*model.Credential
			if len(args) > 0 {
				c, err := a.engine.Registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				creds = []*model.Credential{c}
			} else if creds, err = a.engine.Registry.List(ctx, registry.ListFilter{OwnerID: owner}); err != nil {
				return err
			}

			type row struct {
				Credential *model.Credential      `json:"credential" yaml:"credential"`
				Latest     *model.RotationAttempt `json:"latest_attempt,omitempty" yaml:"latest_attempt,omitempty"`
			}
			rows := make([]row, 0, len(creds))
			for _, c := range creds {
				latest, err := a.engine.Registry.LatestAttempt(ctx, c.ID)
				if err != nil {
					return err
				}
				rows = append(rows, row{Credential: c, Latest: latest})
			}

			now := time.Now()
			return render(cmd.OutOrStdout(), format, rows, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "CREDENTIAL\tSTATUS\tLAST ROTATION\tNEXT ROTATION\tLAST ATTEMPT\tRETRIES")
				for _, r := range rows {
					last, retries := "-", "-"
					if r.Latest != nil {
						last = formatAttemptStatus(r.Latest.Status)
						retries = fmt.Sprintf("%d/%d", r.Latest.RetryCount, r.Latest.MaxRetries)
						if r.Latest.NextRetryAt != nil {
							last += " (retry " + formatTimestamp(*r.Latest.NextRetryAt, now) + ")"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.Credential.Name,
						formatCredentialStatus(r.Credential.Status),
						formatOptional(r.Credential.LastRotatedAt, now, "Never"),
						formatOptional(r.Credential.NextRotationAt, now, "Due now"),
						last,
						retries,
					)
				}
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only credentials of this owner")
	addFormatFlag(cmd, &format)
	return cmd
}

func newRotationHistoryCmd(cfg *config.Config) *cobra.Command {
	var (
		status string
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "history <credential-id>",
		Short: "Show rotation attempts of a credential, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			attempts, err := a.engine.Registry.ListAttempts(cmd.Context(), registry.AttemptFilter{
				CredentialID: args[0],
				Status:       model.AttemptStatus(status),
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			return printAttempts(cmd, attempts, format)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only attempts in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of attempts")
	addFormatFlag(cmd, &format)
	return cmd
}

func printAttempts(cmd *cobra.Command, attempts []*model.RotationAttempt, format string) error {
	now := time.Now()
	return render(cmd.OutOrStdout(), format, attempts, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ATTEMPT\tTYPE\tSTATUS\tSCHEDULED\tDURATION\tRETRY\tROLLBACK\tERROR")
		for _, a := range attempts {
			duration := "-"
			if a.DurationSeconds > 0 {
				duration = (time.Duration(a.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String()
			}
			errMsg := a.ErrorMessage
			if errMsg == "" {
				errMsg = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%t\t%s\n",
				a.ID, a.RotationType, formatAttemptStatus(a.Status),
				formatTimestamp(a.ScheduledAt, now), duration,
				a.RetryCount, a.MaxRetries, a.RollbackAvailable, errMsg,
			)
		}
	})
}

func newRotationRollbackCmd(cfg *config.Config) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <attempt-id>",
		Short: "Restore the version a completed rotation replaced",
		Long: `Point the credential back at the vault version the attempt replaced and
delete the version it introduced. Only the most recent completed attempt
can be rolled back, and only until its previous version is retired.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			attempt, err := a.engine.Rollback(cmd.Context(), args[0], actorFlag(cmd), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back credential %s to %s\n", attempt.CredentialID, attempt.OldVaultPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the rotation is rolled back (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
