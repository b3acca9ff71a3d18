package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "slaq",
	Short: "slaq answers questions about NExtSEEK samples",
	Long: `slaq is the sample retrieval assistant for the NExtSEEK metadata store.
It serves conversation turns over HTTP, answers single questions from the
command line and runs bulk metadata updates from CSV files.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before reading configuration")
}
