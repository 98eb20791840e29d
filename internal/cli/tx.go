package cli

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"etf-vault/internal/app"
	"etf-vault/internal/txn"
)

var (
	txVault       string
	txAmount      string
	txShares      string
	txToBase      bool
	txTokens      []string
	txPercentages []int64
	txName        string
	txSymbol      string
)

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Deposit base asset into a vault (approves first when needed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := parseAddress("--vault", txVault)
		if err != nil {
			return err
		}
		amount, err := parsePositive("--amount", txAmount)
		if err != nil {
			return err
		}
		res, err := getApp().Deposit(cmd.Context(), app.DepositOptions{Vault: vault, Amount: amount})
		return report(cmd, res, err)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Burn vault shares for the basket, or for base asset with --to-base",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := parseAddress("--vault", txVault)
		if err != nil {
			return err
		}
		shares, err := parsePositive("--shares", txShares)
		if err != nil {
			return err
		}
		res, err := getApp().Withdraw(cmd.Context(), app.WithdrawOptions{Vault: vault, Shares: shares, ToBase: txToBase})
		return report(cmd, res, err)
	},
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Replace a vault's basket (signer must be a rebalancer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := parseAddress("--vault", txVault)
		if err != nil {
			return err
		}
		res, err := getApp().Rebalance(cmd.Context(), app.BasketOptions{
			Vault:       vault,
			TokenNames:  txTokens,
			Percentages: txPercentages,
		})
		return report(cmd, res, err)
	},
}

var createVaultCmd = &cobra.Command{
	Use:   "create-vault",
	Short: "Deploy a new vault through the factory",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().CreateVault(cmd.Context(), app.BasketOptions{
			TokenNames:  txTokens,
			Percentages: txPercentages,
			Name:        txName,
			Symbol:      txSymbol,
		})
		return report(cmd, res, err)
	},
}

func parseAddress(flag, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", flag)
	}
	return common.HexToAddress(v), nil
}

func parsePositive(flag, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s must be greater than zero", flag)
	}
	return d, nil
}

func report(cmd *cobra.Command, res app.TxResult, err error) error {
	out := cmd.OutOrStdout()
	status := res.Status
	if status.State != "" {
		fmt.Fprintf(out, "target: %s\nstate: %s\ntx: %s\n", status.Target.Hex(), status.State, status.TxHash.Hex())
		if status.Reason != "" {
			fmt.Fprintf(out, "reason: %s\n", status.Reason)
		}
	}
	if view := res.View; view != nil {
		fmt.Fprintf(out, "refreshed: block %d (version %d)\n", view.Block, view.Version)
		if vv, ok := view.Vault(status.Target); ok {
			fmt.Fprintf(out, "nav/share: %s\ntvl: %s\n", vv.Derived.NAVPerShare.StringFixed(6), vv.Derived.TotalValueUSD.StringFixed(2))
		}
		for _, p := range view.Positions {
			if p.Vault == status.Target {
				fmt.Fprintf(out, "position: %s shares = $%s\n", p.SharesHuman.String(), p.ValueUSD.StringFixed(2))
			}
		}
	}
	if errors.Is(err, txn.ErrBusy) {
		return fmt.Errorf("another action is in flight for this target: %w", err)
	}
	return err
}

func init() {
	for _, c := range []*cobra.Command{depositCmd, withdrawCmd, rebalanceCmd} {
		c.Flags().StringVar(&txVault, "vault", "", "Vault address")
	}
	depositCmd.Flags().StringVar(&txAmount, "amount", "", "Base asset amount in whole units, e.g. 100.5")
	withdrawCmd.Flags().StringVar(&txShares, "shares", "", "Shares to burn in whole units")
	withdrawCmd.Flags().BoolVar(&txToBase, "to-base", false, "Swap the payout into the base asset")
	for _, c := range []*cobra.Command{rebalanceCmd, createVaultCmd} {
		c.Flags().StringSliceVar(&txTokens, "tokens", nil, "Basket token symbols, e.g. WETH,cbBTC")
		c.Flags().Int64SliceVar(&txPercentages, "percentages", nil, "Basket weights aligned with --tokens")
	}
	createVaultCmd.Flags().StringVar(&txName, "name", "", "Vault share token name")
	createVaultCmd.Flags().StringVar(&txSymbol, "symbol", "", "Vault share token symbol")
}
