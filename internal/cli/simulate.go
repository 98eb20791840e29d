package cli

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"etf-vault/internal/app"
)

var (
	simulateVault  string
	simulateToken  string
	simulateSymbol string
	simulateTarget float64
	simulateActual float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次配比偏离并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateTarget < 0 || simulateActual < 0 {
			return errors.New("--target 与 --actual 不能为负")
		}
		if simulateVault != "" && !common.IsHexAddress(simulateVault) {
			return fmt.Errorf("invalid --vault %q", simulateVault)
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Vault:  common.HexToAddress(simulateVault),
			Token:  common.HexToAddress(simulateToken),
			Symbol: simulateSymbol,
			Target: decimal.NewFromFloat(simulateTarget),
			Actual: decimal.NewFromFloat(simulateActual),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateVault, "vault", "", "Vault address shown in the alert")
	simulateCmd.Flags().StringVar(&simulateToken, "token", "", "Token address shown in the alert")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "WETH", "Token symbol")
	simulateCmd.Flags().Float64Var(&simulateTarget, "target", 50, "目标占比 %")
	simulateCmd.Flags().Float64Var(&simulateActual, "actual", 60, "实际占比 %")
}
