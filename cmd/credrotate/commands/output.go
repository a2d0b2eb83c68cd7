package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systmms/credrotate/internal/model"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func addFormatFlag(cmd *cobra.Command, format *string) {
	cmd.Flags().StringVar(format, "format", formatTable, "Output format: table, json, yaml")
}

// render writes v as JSON or YAML, or calls table with a tabwriter.
func render(w io.Writer, format string, v interface{}, table func(tw *tabwriter.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case formatTable, "":
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported format %q (use table, json or yaml)", format)
	}
}

func formatCredentialStatus(s model.CredentialStatus) string {
	switch s {
	case model.CredentialActive:
		return "✅ Active"
	case model.CredentialPendingRotation:
		return "🟡 Pending Rotation"
	case model.CredentialRotated:
		return "🔄 Rotated"
	case model.CredentialExpired:
		return "⌛ Expired"
	case model.CredentialRevoked:
		return "❌ Revoked"
	default:
		return string(s)
	}
}

func formatAttemptStatus(s model.AttemptStatus) string {
	switch s {
	case model.AttemptScheduled:
		return "🕒 Scheduled"
	case model.AttemptInProgress:
		return "🔄 In Progress"
	case model.AttemptCompleted:
		return "✅ Completed"
	case model.AttemptFailed:
		return "❌ Failed"
	case model.AttemptCancelled:
		return "⚪ Cancelled"
	default:
		return string(s)
	}
}

func formatTimestamp(t time.Time, now time.Time) string {
	diff := now.Sub(t)

	// Future time
	if diff < 0 {
		diff = -diff
		switch {
		case diff < time.Hour:
			return fmt.Sprintf("in %d min", int(diff.Minutes()))
		case diff < 24*time.Hour:
			return fmt.Sprintf("in %d hr", int(diff.Hours()))
		default:
			return fmt.Sprintf("in %d days", int(diff.Hours()/24))
		}
	}

	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d min ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hr ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

func formatOptional(t *time.Time, now time.Time, none string) string {
	if t == nil {
		return none
	}
	return formatTimestamp(*t, now)
}

// actorFrom builds the acting principal from --actor, falling back to the
// OS user.
func actorFrom(name string) model.Actor {
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		} else {
			name = os.Getenv("USER")
		}
	}
	return model.Actor{UserID: name, PrincipalName: "cli:" + name, DisplayName: name}
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return &t, nil
	}
	d, derr := time.Parse("2006-01-02", value)
	if derr != nil {
		return nil, fmt.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", value)
	}
	return &d, nil
}
