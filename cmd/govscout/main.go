// Command govscout harvests federal contract opportunities from the SAM.gov
// search API into a local store under a per-run call budget and serves them
// over a read-only HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "govscout",
	Short: "Harvest and search federal contract opportunities",
	Long: `govscout pulls opportunity notices from the SAM.gov search API within a
fixed call budget per run, refreshing the most recent days first and then
walking a backfill cursor toward a historical floor. Harvested records are
served by a read-only search API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults plus GS_* environment when empty)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
