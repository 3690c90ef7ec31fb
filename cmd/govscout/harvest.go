package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/harvest"
	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
)

var (
	harvestDryRun   bool
	harvestMaxCalls int
	harvestFrom     string
	harvestJSON     bool
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Run one budgeted harvest: incremental refresh, then backfill",
	Long: `Runs one harvest. The most recent days are refreshed first; any calls left
in the budget walk the backfill cursor backward toward the historical floor.
Progress is checkpointed after every committed window, so an interrupted run
resumes where it stopped.`,
	Args: cobra.NoArgs,
	RunE: runHarvest,
}

func init() {
	harvestCmd.Flags().BoolVar(&harvestDryRun, "dry-run", false, "print the windows a run would fetch without calling the source")
	harvestCmd.Flags().IntVar(&harvestMaxCalls, "max-calls", 0, "call budget for this run (overrides harvest.maxCalls)")
	harvestCmd.Flags().StringVar(&harvestFrom, "from", "", "backfill from this date (YYYY-MM-DD) instead of the saved cursor")
	harvestCmd.Flags().BoolVar(&harvestJSON, "json", false, "print the run summary as JSON")
	rootCmd.AddCommand(harvestCmd)
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := harvest.RunOptions{DryRun: harvestDryRun}
	if cmd.Flags().Changed("max-calls") {
		opts.MaxCalls = &harvestMaxCalls
	}
	from, err := parseDay("--from", harvestFrom)
	if err != nil {
		return err
	}
	opts.From = from

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if !harvestDryRun {
		a.connectCache(ctx)
		a.startPublisher(context.WithoutCancel(ctx))
	}

	sched, err := a.scheduler(!harvestDryRun)
	if err != nil {
		return err
	}
	sum, err := sched.Run(ctx, opts)
	if sum != nil {
		if harvestJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(sum); encErr != nil {
				return encErr
			}
		} else {
			printSummary(cmd.OutOrStdout(), sum)
		}
	}
	return err
}

func printSummary(out io.Writer, sum *harvest.Summary) {
	if sum.DryRun {
		fmt.Fprintf(out, "Dry run: %d call(s) planned\n", sum.CallsUsed)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PHASE\tFROM\tTO\tOFFSET")
		for _, w := range sum.Planned {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", w.Phase,
				w.From.Format(opportunity.DateLayout), w.To.Format(opportunity.DateLayout), w.Offset)
		}
		tw.Flush()
		fmt.Fprintf(out, "Stops with: %s\n", sum.Stopped)
		return
	}

	fmt.Fprintf(out, "Run %s\n", sum.RunID)
	if len(sum.Windows) > 0 {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PHASE\tFROM\tTO\tPAGES\tRECORDS\tCOMPLETE\tERROR")
		for _, w := range sum.Windows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n", w.Phase,
				w.From.Format(opportunity.DateLayout), w.To.Format(opportunity.DateLayout),
				w.Pages, w.Records, w.Complete, w.Error)
		}
		tw.Flush()
	}
	fmt.Fprintf(out, "Calls used:        %d\n", sum.CallsUsed)
	fmt.Fprintf(out, "Records synced:    %d\n", sum.RecordsSynced)
	fmt.Fprintf(out, "Windows completed: %d\n", sum.WindowsCompleted)
	cursor := "not started"
	if !sum.Checkpoint.BackfillCursor.IsZero() {
		cursor = sum.Checkpoint.BackfillCursor.Format(opportunity.DateLayout)
	}
	if sum.Checkpoint.BackfillComplete {
		cursor += " (complete)"
	}
	fmt.Fprintf(out, "Backfill cursor:   %s\n", cursor)
	status := string(sum.Stopped)
	if sum.RateLimited {
		status += " (source rate limit hit; resume on the next run)"
	}
	fmt.Fprintf(out, "Status:            %s\n", status)
}
