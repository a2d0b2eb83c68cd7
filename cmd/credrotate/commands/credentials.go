package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/registry"
)

// NewCredentialsCommand creates the parent 'credentials' command
func NewCredentialsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Register, inspect and revoke credentials",
		Long: `Manage the credentials credrotate keeps rotated.

Examples:
  # Register a password owned by a service identity, rotated every 30 days
  credrotate credentials create --owner svc-payments --kind password --frequency-days 30

  # List active credentials of one owner
  credrotate credentials list --owner svc-payments --status active

  # Revoke a leaked credential
  credrotate credentials revoke 6f1c... --reason "leaked in CI logs"`,
	}

	cmd.AddCommand(
		newCredentialsCreateCmd(cfg),
		newCredentialsListCmd(cfg),
		newCredentialsShowCmd(cfg),
		newCredentialsAccessCmd(cfg),
		newCredentialsRevokeCmd(cfg),
		newCredentialsDeleteCmd(cfg),
	)
	return cmd
}

func newCredentialsCreateCmd(cfg *config.Config) *cobra.Command {
	var (
		req     registry.CreateRequest
		kind    string
		expires string
		format  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a credential and provision its first material",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := model.ParseCredentialKind(kind)
			if err != nil {
				return err
			}
			req.Kind = k
			if req.ExpiresAt, err = parseOptionalTime(expires); err != nil {
				return err
			}
			req.Actor = actorFlag(cmd)

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.engine.CreateCredential(cmd.Context(), req)
			if err != nil && c == nil {
				return err
			}
			if rerr := printCredential(cmd, c, format); rerr != nil {
				return rerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "Owning identity id (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "Credential kind: password, client_secret, certificate, api_key, token, ssh_key (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Display name (default <owner>-<kind>)")
	cmd.Flags().IntVar(&req.RotationFrequencyDays, "frequency-days", registry.DefaultRotationFrequencyDays, "Days between rotations")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry as RFC3339 or YYYY-MM-DD")
	cmd.Flags().BoolVar(&req.AutoRotation, "auto-rotate", true, "Rotate on schedule")
	cmd.Flags().IntVar(&req.NotificationDays, "notify-days", model.DefaultNotificationDays, "Warn this many days before expiry")
	cmd.Flags().BoolVar(&req.RotateImmediately, "rotate-now", false, "Make the credential due for rotation immediately")
	addFormatFlag(cmd, &format)
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newCredentialsListCmd(cfg *config.Config) *cobra.Command {
	var (
		filter registry.ListFilter
		status string
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = model.CredentialStatus(status)
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			creds, err := a.engine.Registry.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			now := time.Now()
			return render(cmd.OutOrStdout(), format, creds, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tNAME\tKIND\tOWNER\tSTATUS\tLAST ROTATION\tNEXT ROTATION\tROTATIONS")
				for _, c := range creds {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
						c.ID, c.Name, c.Kind, c.OwnerID,
						formatCredentialStatus(c.Status),
						formatOptional(c.LastRotatedAt, now, "Never"),
						formatOptional(c.NextRotationAt, now, "Due now"),
						c.RotationCount,
					)
				}
			})
		},
	}
	cmd.Flags().StringVar(&filter.OwnerID, "owner", "", "Only credentials of this owner")
	cmd.Flags().StringVar(&status, "status", "", "Only credentials in this status")
	cmd.Flags().BoolVar(&filter.IncludeDeleted, "all", false, "Include deleted credentials")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of credentials")
	addFormatFlag(cmd, &format)
	return cmd
}

func newCredentialsShowCmd(cfg *config.Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <credential-id>",
		Short: "Show one credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.engine.Registry.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCredential(cmd, c, format)
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}

func printCredential(cmd *cobra.Command, c *model.Credential, format string) error {
	now := time.Now()
	return render(cmd.OutOrStdout(), format, c, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%s\n", c.ID)
		fmt.Fprintf(w, "Name:\t%s\n", c.Name)
		fmt.Fprintf(w, "Kind:\t%s\n", c.Kind)
		fmt.Fprintf(w, "Owner:\t%s\n", c.OwnerID)
		fmt.Fprintf(w, "Status:\t%s\n", formatCredentialStatus(c.Status))
		fmt.Fprintf(w, "Vault path:\t%s (version %s)\n", c.VaultPath, c.VaultVersion)
		fmt.Fprintf(w, "Rotations:\t%d every %d days (auto: %t)\n", c.RotationCount, c.RotationFrequencyDays, c.AutoRotationEnabled)
		fmt.Fprintf(w, "Last rotation:\t%s\n", formatOptional(c.LastRotatedAt, now, "Never"))
		fmt.Fprintf(w, "Next rotation:\t%s\n", formatOptional(c.NextRotationAt, now, "Due now"))
		fmt.Fprintf(w, "Expires:\t%s\n", formatOptional(c.ExpiresAt, now, "Never"))
		fmt.Fprintf(w, "Uses:\t%d\n", c.UseCount)
		if c.InFlightAttemptID != "" {
			fmt.Fprintf(w, "In-flight attempt:\t%s\n", c.InFlightAttemptID)
		}
	})
}

func newCredentialsAccessCmd(cfg *config.Config) *cobra.Command {
	var sourceIP string
	cmd := &cobra.Command{
		Use:   "access <credential-id>",
		Short: "Print the current material and record the access",
		Long: `Print the credential's current material to stdout.

Every access is written to the audit log with the acting principal and the
source address.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			material, err := a.engine.AccessCredential(cmd.Context(), args[0], actorFlag(cmd), sourceIP)
			if err != nil {
				return err
			}
			defer material.Destroy()
			buf, err := material.Open()
			if err != nil {
				return err
			}
			defer buf.Destroy()

			out := cmd.OutOrStdout()
			if _, err := out.Write(buf.Bytes()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out)
			return err
		},
	}
	cmd.Flags().StringVar(&sourceIP, "source-ip", "", "Source address recorded in the audit log")
	return cmd
}

func newCredentialsRevokeCmd(cfg *config.Config) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <credential-id>",
		Short: "Revoke a credential and cancel its scheduled rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.engine.RevokeCredential(cmd.Context(), args[0], actorFlag(cmd), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (%s)\n", c.Name, c.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the credential is revoked (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newCredentialsDeleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <credential-id>",
		Short: "Soft-delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.engine.Registry.SoftDelete(cmd.Context(), args[0], actorFlag(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", c.Name, c.ID)
			return nil
		},
	}
}

func actorFlag(cmd *cobra.Command) model.Actor {
	name, _ := cmd.Flags().GetString("actor")
	return actorFrom(name)
}
