package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/govscout/internal/opportunity"
)

var lookupJSON bool

var lookupCmd = &cobra.Command{
	Use:   "lookup <notice-id>",
	Short: "Fetch one notice from the source and store it",
	Long: `Fetches a single notice by ID with one source call, stores it, and prints
it. The call is recorded in the call log under the "manual" context.`,
	Args: cobra.ExactArgs(1),
	RunE: runLookup,
}

func init() {
	lookupCmd.Flags().BoolVar(&lookupJSON, "json", false, "print the record as JSON")
	rootCmd.AddCommand(lookupCmd)
}

func runLookup(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	rec, err := sched.Lookup(ctx, args[0])
	if err != nil {
		return err
	}
	if lookupJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	printRecord(cmd.OutOrStdout(), rec)
	return nil
}

func printRecord(out io.Writer, r *opportunity.Record) {
	line := func(label string, v *string) {
		if s := opportunity.Deref(v); s != "" {
			fmt.Fprintf(out, "%-20s %s\n", label+":", s)
		}
	}
	fmt.Fprintln(out, opportunity.Deref(r.Title))
	fmt.Fprintln(out, strings.Repeat("=", min(len(opportunity.Deref(r.Title)), 80)))
	fmt.Fprintf(out, "%-20s %s\n", "Notice ID:", r.NoticeID)
	line("Solicitation", r.SolicitationNumber)
	line("Type", r.Type)
	line("Department", r.Department)
	line("Office", r.Office)
	line("Posted", r.PostedDate)
	line("Response deadline", r.ResponseDeadline)
	line("NAICS", r.NAICSCode)
	line("Set-aside", r.SetAsideDescription)
	line("State", r.Place.StateCode)
	line("Active", r.Active)
	line("Link", r.UILink)
	for _, c := range r.Contacts {
		fmt.Fprintf(out, "%-20s %s <%s> %s\n", "Contact ("+opportunity.Deref(c.Type)+"):",
			opportunity.Deref(c.FullName), opportunity.Deref(c.Email), opportunity.Deref(c.Phone))
	}
}
