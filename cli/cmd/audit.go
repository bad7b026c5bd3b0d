package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/qstore/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long:  "Query audit events recorded by the store, filtered by action, object, outcome or time range.",
	RunE:  queryAudit,
}

var (
	auditAction   string
	auditObjectID string
	auditSince    string
	auditLimit    int
	auditFailures bool
	auditKeys     bool
	auditJSON     bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. STORE, RETRIEVE, SECURE_DELETE)")
	auditCmd.Flags().StringVar(&auditObjectID, "object", "", "filter by object id")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "events after this time (RFC3339 or duration like 24h)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "show only failed operations")
	auditCmd.Flags().BoolVar(&auditKeys, "key-access", false, "show only key material events")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "output in JSON format")
}

func queryAudit(cmd *cobra.Command, args []string) error {
	if !viper.GetBool("audit.enabled") {
		return fmt.Errorf("audit logging is not enabled; run with --audit or set audit.enabled in the config file")
	}

	// Query against a dedicated reader so the engine's open handle is not
	// disturbed
	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer logger.Close()

	options := audit.QueryOptions{
		Action:    auditAction,
		ObjectID:  auditObjectID,
		Limit:     auditLimit,
		KeyAccess: auditKeys,
	}

	if auditFailures {
		failed := false
		options.Success = &failed
	}

	if auditSince != "" {
		since, err := parseSince(auditSince)
		if err != nil {
			return err
		}
		options.Since = &since
	}

	result, err := logger.Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	if auditJSON {
		return printJSON(result)
	}

	if len(result.Events) == 0 {
		fmt.Println("No matching audit events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TIME\tACTION\tOK\tOBJECT\tUSER\tERROR")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			event.Success,
			valueOrDash(event.ObjectID),
			valueOrDash(event.UserID),
			valueOrDash(event.Error))
	}

	if result.HasMore {
		fmt.Fprintf(os.Stderr, "\n(more events available, raise --limit to see them)\n")
	}

	return nil
}

// parseSince accepts either an RFC3339 timestamp or a relative duration.
func parseSince(value string) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since value %q: use RFC3339 or a duration like 24h", value)
}
