package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

var purchaseTimeout time.Duration

var purchaseCmd = &cobra.Command{
	Use:   "purchase <product-id>",
	Short: "Buy a premium product",
	Long: `Start a purchase and wait until it is verified.

Examples:
  premiumsync purchase monthly_premium
  premiumsync purchase yearly_premium --timeout 2m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := premium()
		if err != nil {
			return err
		}
		productID := args[0]

		ctx := cmd.Context()
		if purchaseTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, purchaseTimeout)
			defer cancel()
		}

		if err := svc.InitiatePurchase(ctx, productID); err != nil {
			if errors.Is(err, domain.ErrProductNotTracked) {
				return fmt.Errorf("%s is not a premium product: %w", productID, err)
			}
			return err
		}

		record := svc.CurrentEntitlement()
		if svc.IsPremium() && record.ProductID == productID {
			fmt.Fprintf(cmd.OutOrStdout(), "Premium unlocked: %s\n", productID)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Purchase not completed; entitlement unchanged.")
		return nil
	},
}

func init() {
	purchaseCmd.Flags().DurationVar(&purchaseTimeout, "timeout", 5*time.Minute, "how long to wait for verification")
}
