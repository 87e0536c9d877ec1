package billing

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore purchases made on this account",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := premium()
		if err != nil {
			return err
		}
		if err := svc.RestorePurchases(cmd.Context()); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Restore complete.")
		printEntitlement(cmd.OutOrStdout(), svc.CurrentEntitlement(), svc.IsPremium())
		return nil
	},
}
