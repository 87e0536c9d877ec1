package billing

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current premium entitlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := premium()
		if err != nil {
			return err
		}
		printEntitlement(cmd.OutOrStdout(), svc.CurrentEntitlement(), svc.IsPremium())
		fmt.Fprintf(cmd.OutOrStdout(), "State:    %s\n", svc.MachineState())
		return nil
	},
}
