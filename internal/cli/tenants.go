package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// TenantDisplayInfo is one row of the tenants listing.
type TenantDisplayInfo struct {
	TenantID         string `json:"tenant_id"`
	State            string `json:"state"`
	RemainingMinutes int    `json:"remaining_minutes"`
	Refreshable      bool   `json:"refreshable"`
}

// tenantsCmd lists stored credentials with their expiry state
var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List stored credentials and their expiry state",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, err := loadGatewayEnvironment()
		if err != nil {
			return err
		}

		rows := make([]TenantDisplayInfo, 0, store.Len())
		for _, id := range store.TenantIDs() {
			rec, ok := store.Get(id)
			if !ok {
				continue
			}
			cls := store.Classify(rec)
			rows = append(rows, TenantDisplayInfo{
				TenantID:         id,
				State:            string(cls.State),
				RemainingMinutes: cls.RemainingMinutes,
				Refreshable:      rec.Refreshable(),
			})
		}

		if globalFlags.JSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(rows)
		}

		if len(rows) == 0 {
			fmt.Println("No credentials stored. Run 'ledgergate auth url' to authorize.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tSTATE\tREMAINING\tREFRESHABLE")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%dm\t%t\n",
				row.TenantID, row.State, row.RemainingMinutes, row.Refreshable)
		}
		return w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(tenantsCmd)
}
