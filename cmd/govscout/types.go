package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "Print opportunity type and set-aside reference codes",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		printCodes(out, "Opportunity types", opportunity.TypeCodes)
		fmt.Fprintln(out)
		printCodes(out, "Set-aside codes", opportunity.SetAsideCodes)
	},
}

func init() {
	rootCmd.AddCommand(typesCmd)
}

func printCodes(out io.Writer, title string, codes []opportunity.Code) {
	fmt.Fprintln(out, title)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, c := range codes {
		fmt.Fprintf(tw, "  %s\t%s\n", c.Code, c.Description)
	}
	tw.Flush()
}
