package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextseek-chat/server/internal/agent/model"
	"github.com/nextseek-chat/server/internal/metrics"
)

var updateCmd = &cobra.Command{
	Use:   "update <file.csv>",
	Short: "Apply a metadata spreadsheet to the store",
	Long: `Runs the bulk update pipeline on a CSV file with a UID column. Columns
that are not attributes of a row's sample type are dropped; the run report is
printed as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		content, err := readFile(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, db, err := openMetadata(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		info := newPipeline(store, cfg, metrics.Nop{}).Run(ctx, &model.FileData{
			ID:        uuid.NewString(),
			Content:   base64.StdEncoding.EncodeToString(content),
			Timestamp: time.Now().UTC(),
		})

		b, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		if !info.Success {
			return fmt.Errorf("update of %s failed", args[0])
		}
		return nil
	},
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

func init() {
	rootCmd.AddCommand(updateCmd)
}
