package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the metadata tables, optionally importing a JSON fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, db, err := openMetadata(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		path, _ := cmd.Flags().GetString("import")
		if path == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "metadata schema is up to date")
			return nil
		}
		n, err := store.ImportFile(ctx, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d samples from %s\n", n, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("import", "", "JSON fixture with sample types, samples and trees")
}
