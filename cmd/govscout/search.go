package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/query"
)

var (
	searchFilters query.Filters
	searchJSON    bool
)

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search harvested opportunities in the local store",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.StringSliceVarP(&searchFilters.NAICSCodes, "naics", "n", nil, "NAICS code (repeatable or comma separated)")
	f.StringVarP(&searchFilters.OppType, "type", "t", "", "opportunity type, e.g. Solicitation")
	f.StringVar(&searchFilters.SetAside, "set-aside", "", "set-aside code")
	f.StringVarP(&searchFilters.State, "state", "s", "", "place of performance state code")
	f.StringVar(&searchFilters.Department, "department", "", "department name")
	f.StringVar(&searchFilters.PostedFrom, "posted-from", "", "earliest posted date (YYYY-MM-DD)")
	f.StringVar(&searchFilters.PostedTo, "posted-to", "", "latest posted date (YYYY-MM-DD)")
	f.BoolVar(&searchFilters.ActiveOnly, "active", false, "only active notices")
	f.IntVarP(&searchFilters.Limit, "limit", "l", 0, "results per page (query.defaultLimit when 0)")
	f.IntVar(&searchFilters.Offset, "offset", 0, "pagination offset")
	f.BoolVar(&searchJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	filters := searchFilters
	if len(args) == 1 {
		filters.Search = args[0]
	}
	res, err := a.queryService().Search(cmd.Context(), filters)
	if err != nil {
		return err
	}
	if searchJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResults(cmd.OutOrStdout(), res)
	return nil
}

func printResults(out io.Writer, res *query.SearchResult) {
	if res.Total == 0 {
		fmt.Fprintln(out, "No opportunities found.")
		return
	}
	if len(res.Records) == 0 {
		fmt.Fprintf(out, "No results at offset %d (%d total).\n", res.Offset, res.Total)
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NOTICE ID\tPOSTED\tTYPE\tNAICS\tSTATE\tTITLE")
	for _, r := range res.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.NoticeID,
			opportunity.Deref(r.PostedDate), opportunity.Deref(r.Type), opportunity.Deref(r.NAICSCode),
			opportunity.Deref(r.Place.StateCode), truncate(opportunity.Deref(r.Title), 60))
	}
	tw.Flush()
	fmt.Fprintf(out, "Showing %d-%d of %d\n", res.Offset+1, res.Offset+len(res.Records), res.Total)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
