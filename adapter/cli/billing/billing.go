// Package billing holds the premium entitlement commands.
package billing

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/premiumsync/adapter/cli"
	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
)

// Commands returns the premium commands, registered directly on the root.
func Commands() []*cobra.Command {
	return []*cobra.Command{statusCmd, productsCmd, purchaseCmd, restoreCmd, watchCmd}
}

var errNotInitialized = errors.New("premium service not initialized")

func premium() (cli.PremiumService, error) {
	app := cli.GetApp()
	if app == nil || app.Premium == nil {
		return nil, errNotInitialized
	}
	return app.Premium, nil
}

func printEntitlement(w io.Writer, record domain.EntitlementRecord, active bool) {
	switch {
	case record.IsZero():
		fmt.Fprintln(w, "Premium: inactive (never verified)")
		return
	case active:
		fmt.Fprintf(w, "Premium: active (%s)\n", record.ProductID)
	case record.IsActive:
		fmt.Fprintf(w, "Premium: expired (%s)\n", record.ProductID)
	default:
		fmt.Fprintln(w, "Premium: inactive")
	}
	if record.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:  %s\n", record.ExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintf(w, "Verified: %s (%s)\n", record.VerifiedAt.Local().Format(time.RFC1123), record.Source)
}
