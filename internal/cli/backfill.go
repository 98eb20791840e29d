package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"etf-vault/internal/app"
)

var (
	backfillFrom    uint64
	backfillTo      uint64
	backfillStep    uint64
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Rebuild historical vault samples at past block heights",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillTo == 0 {
			return fmt.Errorf("--to-block must be provided")
		}
		if backfillFrom != 0 && backfillFrom > backfillTo {
			return fmt.Errorf("--from-block must not be after --to-block")
		}

		opts := app.BackfillOptions{
			FromBlock: backfillFrom,
			ToBlock:   backfillTo,
			Step:      backfillStep,
			DryRun:    backfillDryRun,
			Workers:   backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "First block height (inclusive); 0 resumes after the newest stored sample")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "Last block height (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillStep, "step", 1800, "Blocks between samples")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
