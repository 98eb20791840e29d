package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"etf-vault/internal/app"
)

var (
	showLimit   int
	showHistory bool
	showAlerts  bool
	showBlock   int64
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the live portfolio, recent NAV samples or drift alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (showHistory || showAlerts) && showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showBlock < 0 {
			return fmt.Errorf("--block must not be negative")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			History: showHistory,
			Alerts:  showAlerts,
			Block:   showBlock,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display with --history or --alerts")
	showCmd.Flags().BoolVar(&showHistory, "history", false, "Show stored samples instead of reading the chain")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show recent drift alerts")
	showCmd.Flags().Int64Var(&showBlock, "block", 0, "Block height to read (0 = latest)")
}
