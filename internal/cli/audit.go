package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgergate/ledgergate/internal/audit"
	"github.com/ledgergate/ledgergate/internal/config"
	"github.com/ledgergate/ledgergate/internal/logging"
)

var auditFlags struct {
	Tenant string
	Limit  int
}

// auditCmd shows the credential audit trail
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the credential audit trail",
	Long: `Show recent credential lifecycle events: refreshes, stores,
deletions, and retry-guard trips. Requires audit to be enabled in the
configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader(globalFlags.Config)
		cfg, err := loader.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if !cfg.Audit.Enabled {
			return fmt.Errorf("audit is disabled in the configuration")
		}
		dbPath := cfg.Audit.DBPath
		if dbPath == "" {
			dbPath = "./data/ledgergate-audit.db"
		}

		logger := logging.NewLogger(logging.WithLevel(logging.LevelWarn))
		store, err := audit.NewStore(dbPath, 0, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		var events []audit.Event
		if auditFlags.Tenant != "" {
			events, err = store.ByTenant(auditFlags.Tenant, auditFlags.Limit)
		} else {
			events, err = store.Recent(auditFlags.Limit)
		}
		if err != nil {
			return err
		}

		if globalFlags.JSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(events)
		}

		if len(events) == 0 {
			fmt.Println("No audit events recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tTYPE\tTENANT\tOUTCOME\tDETAIL")
		for _, event := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				event.Timestamp.Format("2006-01-02 15:04:05"),
				event.Type, event.TenantID, event.Outcome, event.Detail)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditFlags.Tenant, "tenant", "", "Filter events by tenant id")
	auditCmd.Flags().IntVar(&auditFlags.Limit, "limit", 50, "Maximum number of events to show")
	RootCmd.AddCommand(auditCmd)
}
