package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"etf-vault/internal/chain"
	"etf-vault/internal/portfolio"
	"etf-vault/internal/service"
	"etf-vault/internal/snapshot"
	"etf-vault/internal/txn"
	"etf-vault/internal/valuation"
)

// DepositOptions configure the deposit command.
type DepositOptions struct {
	Vault  common.Address
	Amount decimal.Decimal
}

// WithdrawOptions configure the withdraw command.
type WithdrawOptions struct {
	Vault  common.Address
	Shares decimal.Decimal
	ToBase bool
}

// BasketOptions describe a target basket for rebalance and create-vault.
type BasketOptions struct {
	Vault       common.Address
	TokenNames  []string
	Percentages []int64
	Name        string
	Symbol      string
}

// TxResult is a settled action and, after a confirmation, the view refreshed
// at the head that includes it.
type TxResult struct {
	Status txn.Status
	View   *portfolio.View
}

// Deposit approves (when needed) and deposits base asset into a vault.
func (a *App) Deposit(ctx context.Context, opts DepositOptions) (TxResult, error) {
	amount := valuation.FromUnits(opts.Amount, a.Config.BaseAsset.Decimals)
	return a.withOrchestrator(ctx, func(ctx context.Context, cs *chainStack, orch *txn.Orchestrator) (txn.Status, error) {
		tokens, err := a.vaultTokens(ctx, cs, opts.Vault)
		if err != nil {
			return txn.Status{}, err
		}
		return orch.Deposit(ctx, txn.DepositRequest{Vault: opts.Vault, Amount: amount, Leg: a.swapLeg(tokens)})
	})
}

// Withdraw burns shares, optionally swapping the payout into the base asset.
func (a *App) Withdraw(ctx context.Context, opts WithdrawOptions) (TxResult, error) {
	shares := valuation.FromUnits(opts.Shares, a.Config.Vault.ShareDecimals)
	return a.withOrchestrator(ctx, func(ctx context.Context, cs *chainStack, orch *txn.Orchestrator) (txn.Status, error) {
		if !opts.ToBase {
			return orch.Withdraw(ctx, opts.Vault, shares)
		}
		tokens, err := a.vaultTokens(ctx, cs, opts.Vault)
		if err != nil {
			return txn.Status{}, err
		}
		return orch.WithdrawToBase(ctx, opts.Vault, shares, a.swapLeg(tokens))
	})
}

// Rebalance replaces a vault's basket.
func (a *App) Rebalance(ctx context.Context, opts BasketOptions) (TxResult, error) {
	targets, err := a.basketTokens(opts.TokenNames)
	if err != nil {
		return TxResult{}, err
	}
	return a.withOrchestrator(ctx, func(ctx context.Context, cs *chainStack, orch *txn.Orchestrator) (txn.Status, error) {
		current, err := a.vaultTokens(ctx, cs, opts.Vault)
		if err != nil {
			return txn.Status{}, err
		}
		return orch.Rebalance(ctx, opts.Vault, chain.RebalanceParams{
			TokenNames:  opts.TokenNames,
			Percentages: bigInts(opts.Percentages),
			ToBase:      a.swapLeg(current),
			FromBase:    a.swapLeg(targets),
		})
	})
}

// CreateVault deploys a new vault through the configured factory.
func (a *App) CreateVault(ctx context.Context, opts BasketOptions) (TxResult, error) {
	factory := a.Config.FactoryAddress()
	if factory == (common.Address{}) {
		return TxResult{}, errors.New("factory.address 未配置")
	}
	return a.withOrchestrator(ctx, func(ctx context.Context, _ *chainStack, orch *txn.Orchestrator) (txn.Status, error) {
		return orch.CreateVault(ctx, factory, chain.CreateVaultParams{
			TokenNames:  opts.TokenNames,
			Percentages: bigInts(opts.Percentages),
			Name:        opts.Name,
			Symbol:      opts.Symbol,
		})
	})
}

func (a *App) withOrchestrator(ctx context.Context, fn func(context.Context, *chainStack, *txn.Orchestrator) (txn.Status, error)) (TxResult, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return TxResult{}, err
	}
	if closeStore != nil {
		defer closeStore()
	}

	cs := a.newChain()
	defer cs.Close()

	trigger := portfolio.NewTrigger()
	deps := orchestratorDeps{notifier: a.newNotifier(), refresher: trigger}
	if store != nil {
		deps.recorder = store
	}
	orch, err := a.newOrchestrator(cs, deps)
	if err != nil {
		return TxResult{}, err
	}
	orch.Observe(func(s txn.Status) {
		a.Logger.Info().Str("target", s.Target.Hex()).
			Str("kind", string(s.Kind)).
			Str("state", string(s.State)).
			Str("tx", s.TxHash.Hex()).
			Msg("交易状态变更")
	})

	status, err := fn(ctx, cs, orch)
	res := TxResult{Status: status}
	if err != nil {
		return res, err
	}
	res.View = a.refreshAfter(ctx, trigger.C(), a.newPipeline(cs))
	return res, nil
}

// refreshAfter rebuilds the view when the orchestrator asked for a refresh.
// A failed refresh does not fail the already confirmed action.
func (a *App) refreshAfter(ctx context.Context, requested <-chan struct{}, pipeline service.Refresher) *portfolio.View {
	select {
	case <-requested:
	default:
		return nil
	}
	view, err := pipeline.Refresh(ctx, a.Config.WalletAddress(), nil)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("交易确认后刷新失败")
		return nil
	}
	return view
}

// vaultTokens reads the vault's current basket at the latest block.
func (a *App) vaultTokens(ctx context.Context, cs *chainStack, vault common.Address) ([]common.Address, error) {
	agg := snapshot.New(cs.reader, snapshot.Options{TokensLengthSlot: -1}, a.Logger)
	snaps := agg.Snapshot(ctx, []common.Address{vault}, nil, nil, nil)
	snap, ok := snaps[vault]
	if !ok {
		return nil, fmt.Errorf("vault %s not readable", vault.Hex())
	}
	for _, d := range snap.Defaulted {
		if d == "getTokens" {
			return nil, fmt.Errorf("read tokens of vault %s failed", vault.Hex())
		}
	}
	return snap.Tokens, nil
}

// basketTokens resolves configured token symbols to addresses.
func (a *App) basketTokens(names []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(names))
	for _, name := range names {
		found := false
		for _, t := range a.Config.Tokens {
			if strings.EqualFold(t.Symbol, name) {
				out = append(out, common.HexToAddress(t.Address))
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown token %q", txn.ErrInvalidBasket, name)
		}
	}
	return out, nil
}

// swapLeg builds one fee per token with zero minimum outputs.
func (a *App) swapLeg(tokens []common.Address) chain.SwapLeg {
	leg := chain.SwapLeg{
		Fees:    make([]uint32, len(tokens)),
		MinOuts: make([]*big.Int, len(tokens)),
	}
	for i, token := range tokens {
		leg.Fees[i] = a.Config.PoolFee(token)
		leg.MinOuts[i] = new(big.Int)
	}
	return leg
}

func bigInts(values []int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}
