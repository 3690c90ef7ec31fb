package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", a.cfg.Store.Driver, a.schemaVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
