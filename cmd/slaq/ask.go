package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextseek-chat/server/internal/agent/model"
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Run one conversation turn and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID, _ := cmd.Flags().GetString("session")
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			if sessionID == "" {
				return fmt.Errorf("--file requires --session")
			}
			content, err := readFile(path)
			if err != nil {
				return err
			}
			if _, err := a.manager.Upload(ctx, sessionID, content); err != nil {
				return err
			}
		}

		res, err := a.manager.Handle(ctx, model.DeltaMessage{
			SessionID:  sessionID,
			NewMessage: strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("trace")
		out := cmd.OutOrStdout()
		if verbose {
			for _, m := range res.Messages {
				fmt.Fprintf(out, "[%s] %s\n\n", m.Name, m.Content)
			}
		} else {
			fmt.Fprintln(out, res.Answer)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s (%s)\n", res.SessionID, res.Elapsed.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringP("session", "s", "", "Session id to continue")
	askCmd.Flags().StringP("file", "f", "", "CSV file attached to this turn")
	askCmd.Flags().Bool("trace", false, "Print every message produced during the turn")
}
