package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/harvest"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
)

var (
	fetchOpts harvest.SearchOptions
	fetchFrom string
	fetchTo   string
	fetchJSON bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [title]",
	Short: "Search the source directly and store the results",
	Long: `Runs a filtered search against the source over a posted-date range (the
last 30 days by default), stores every returned notice and prints them. Each
page request counts against the source quota and is recorded in the call log
under the "manual" context. The harvest checkpoint is not touched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFetch,
}

func init() {
	f := fetchCmd.Flags()
	f.StringVar(&fetchFrom, "from", "", "earliest posted date (YYYY-MM-DD)")
	f.StringVar(&fetchTo, "to", "", "latest posted date (YYYY-MM-DD)")
	f.StringVarP(&fetchOpts.Filters.Type, "type", "t", "", "procurement type code, e.g. o or k")
	f.StringVarP(&fetchOpts.Filters.NAICSCode, "naics", "n", "", "NAICS code")
	f.StringVarP(&fetchOpts.Filters.State, "state", "s", "", "place of performance state code")
	f.StringVar(&fetchOpts.Filters.SetAside, "set-aside", "", "set-aside code")
	f.IntVar(&fetchOpts.Offset, "offset", 0, "source offset to start from")
	f.IntVar(&fetchOpts.Pages, "pages", 1, "page requests to spend")
	f.BoolVar(&fetchJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := fetchOpts
	if len(args) == 1 {
		opts.Filters.Title = args[0]
	}
	var err error
	if opts.From, err = parseDay("--from", fetchFrom); err != nil {
		return err
	}
	if opts.To, err = parseDay("--to", fetchTo); err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	a.connectCache(ctx)

	sched, err := a.scheduler(true)
	if err != nil {
		return err
	}
	res, err := sched.Search(ctx, opts)
	if err != nil {
		return err
	}
	if fetchJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printFetched(cmd.OutOrStdout(), res)
	return nil
}

func parseDay(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(opportunity.DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", flag, err)
	}
	return t, nil
}

func printFetched(out io.Writer, res *harvest.SearchResult) {
	fmt.Fprintf(out, "Source search %s..%s: %d stored from %d page(s)",
		res.Window.From.Format(opportunity.DateLayout), res.Window.To.Format(opportunity.DateLayout),
		len(res.Records), res.Pages)
	if res.TotalRecords >= 0 {
		fmt.Fprintf(out, ", %d matching at the source", res.TotalRecords)
	}
	fmt.Fprintln(out)
	if len(res.Records) == 0 {
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
	if !res.Complete {
		fmt.Fprintf(out, "More results: rerun with --offset %d\n", res.NextOffset)
	}
}
