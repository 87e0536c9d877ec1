package billing

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List the premium catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := premium()
		if err != nil {
			return err
		}
		products, err := svc.Products(cmd.Context())
		if err != nil {
			return err
		}
		if len(products) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No products available.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTITLE\tPRICE\tKIND")
		for _, p := range products {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Title, p.Price, p.Kind)
		}
		return tw.Flush()
	},
}
