package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

var watchFor time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print entitlement changes as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := premium()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if watchFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, watchFor)
			defer cancel()
		}

		changes := make(chan domain.EntitlementRecord, 8)
		unsubscribe := svc.Subscribe(func(record domain.EntitlementRecord) {
			select {
			case changes <- record:
			default:
			}
		})
		defer unsubscribe()

		out := cmd.OutOrStdout()
		printEntitlement(out, svc.CurrentEntitlement(), svc.IsPremium())
		for {
			select {
			case <-ctx.Done():
				return nil
			case record := <-changes:
				fmt.Fprintln(out, "---")
				printEntitlement(out, record, record.ActiveAt(time.Now()))
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchFor, "for", 0, "stop watching after this long (0 watches until interrupted)")
}
