package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/store"
)

// NewAuditCommand creates the parent 'audit' command
func NewAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, verify and purge the audit log",
		Long: `Work with the append-only audit log.

Every record carries a SHA-256 checksum over its canonical form. 'verify'
recomputes it and records a security incident when any record was altered.

Examples:
  # Show the trail of one credential
  credrotate audit list --target 6f1c...

  # Verify the whole log
  credrotate audit verify

  # Export last quarter's high-risk records for the auditors
  credrotate audit export --since 2025-01-01 --until 2025-04-01 --high-risk-only`,
	}
	cmd.AddCommand(
		newAuditListCmd(cfg),
		newAuditVerifyCmd(cfg),
		newAuditExportCmd(cfg),
		newAuditPurgeCmd(cfg),
	)
	return cmd
}

type auditFilterFlags struct {
	target    string
	eventType string
	action    string
	since     string
	until     string
	limit     int
}

func (f *auditFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.target, "target", "", "Only records about this resource id")
	cmd.Flags().StringVar(&f.eventType, "event-type", "", "Only records of this event type")
	cmd.Flags().StringVar(&f.action, "action", "", "Only records with this action, e.g. FAILED")
	cmd.Flags().StringVar(&f.since, "since", "", "Only records at or after this time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.until, "until", "", "Only records before this time (RFC3339 or YYYY-MM-DD)")
}

func (f *auditFilterFlags) filter() (store.AuditFilter, error) {
	out := store.AuditFilter{
		TargetID:  f.target,
		EventType: model.EventType(f.eventType),
		Action:    f.action,
		Limit:     f.limit,
	}
	since, err := parseOptionalTime(f.since)
	if err != nil {
		return out, err
	}
	if since != nil {
		out.Since = *since
	}
	until, err := parseOptionalTime(f.until)
	if err != nil {
		return out, err
	}
	if until != nil {
		out.Until = *until
	}
	return out, nil
}

func newAuditListCmd(cfg *config.Config) *cobra.Command {
	var (
		flags  auditFilterFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.audit.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, records, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "TIME\tEVENT\tACTION\tRESULT\tSEVERITY\tACTOR\tTARGET\tDESCRIPTION")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.Timestamp.Format(time.RFC3339), r.EventType, r.Action, r.Result,
						r.Severity, r.Actor.Name(), r.Target.ResourceID, r.Description,
					)
				}
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&flags.limit, "limit", 100, "Maximum number of records")
	addFormatFlag(cmd, &format)
	return cmd
}

func newAuditVerifyCmd(cfg *config.Config) *cobra.Command {
	var (
		flags  auditFilterFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every record checksum",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.VerifyAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), format, report, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Checked:\t%d\n", report.Checked)
				fmt.Fprintf(w, "Tampered:\t%d\n", len(report.Tampered))
				for _, id := range report.Tampered {
					fmt.Fprintf(w, "  └─ %s\n", id)
				}
				if report.IncidentID != "" {
					fmt.Fprintf(w, "Incident:\t%s\n", report.IncidentID)
				}
			}); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("audit verification failed for %d of %d records", len(report.Tampered), report.Checked)
			}
			return nil
		},
	}
	flags.register(cmd)
	addFormatFlag(cmd, &format)
	return cmd
}

func newAuditExportCmd(cfg *config.Config) *cobra.Command {
	var (
		flags        auditFilterFlags
		format       string
		highRiskOnly bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit records in the flattened compliance form",
		Long: `Export audit records with their checksum, retention date and risk
classification, one flattened record each. JSON is the default format.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.audit.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := make([]model.ComplianceRecord, 0, len(records))
			for _, r := range records {
				if highRiskOnly && !r.IsHighRisk() {
					continue
				}
				out = append(out, r.ToCompliance())
			}
			return render(cmd.OutOrStdout(), format, out, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "TIME\tACTION\tRESULT\tACTOR\tTARGET\tRISK\tRETAIN UNTIL\tCHECKSUM")
				for _, r := range out {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						r.Timestamp.Format(time.RFC3339), r.Action, r.Result, r.Actor,
						r.Target, r.RiskScore, r.RetainUntil.Format("2006-01-02"), r.Checksum,
					)
				}
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&highRiskOnly, "high-risk-only", false, "Only records that qualify for extended retention")
	cmd.Flags().StringVar(&format, "format", formatJSON, "Output format: table, json, yaml")
	return cmd
}

func newAuditPurgeCmd(cfg *config.Config) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete records past their retention date",
		Long: `Delete audit records whose retention period has ended.

The batch is archived first when audit.archive is configured, and the purge
itself is recorded as a compliance event.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.PurgeAudit(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, res, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Deleted:\t%d\n", res.Deleted)
				if res.ArchiveKey != "" {
					fmt.Fprintf(w, "Archive:\t%s\n", res.ArchiveKey)
				}
				if res.RecordID != "" {
					fmt.Fprintf(w, "Purge record:\t%s\n", res.RecordID)
				}
			})
		},
	}
	addFormatFlag(cmd, &format)
	return cmd
}
