package position

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-vault/internal/chain"
	"etf-vault/internal/valuation"
)

// Position is the actor's holding in one vault. Only positive balances are kept.
type Position struct {
	Vault       common.Address  `json:"vault"`
	Shares      *big.Int        `json:"shares"`
	SharesHuman decimal.Decimal `json:"shares_human"`
	NAVPerShare decimal.Decimal `json:"nav_per_share"`
	ValueUSD    decimal.Decimal `json:"value_usd"`
}

// Tracker reads share balances; the vault itself is the share token.
type Tracker struct {
	reader        *chain.Reader
	shareDecimals uint8
	logger        zerolog.Logger
}

// New constructs a Tracker.
func New(reader *chain.Reader, shareDecimals uint8, logger zerolog.Logger) *Tracker {
	if shareDecimals == 0 {
		shareDecimals = valuation.DefaultShareDecimals
	}
	return &Tracker{
		reader:        reader,
		shareDecimals: shareDecimals,
		logger:        logger.With().Str("component", "positions").Logger(),
	}
}

// Positions returns the actor's non-empty positions in vault order.
// Without an actor there are no positions.
func (t *Tracker) Positions(ctx context.Context, vaults []common.Address, views map[common.Address]valuation.View, actor *common.Address, block *big.Int) []Position {
	if actor == nil || len(vaults) == 0 {
		return nil
	}

	calls := make([]chain.Call, len(vaults))
	for i, vault := range vaults {
		calls[i] = chain.Call{Target: vault, ABI: &chain.VaultABI, Method: "balanceOf", Args: []any{*actor}}
	}
	results := t.reader.BatchCall(ctx, calls, block)

	out := make([]Position, 0, len(vaults))
	for i, vault := range vaults {
		shares, ok := results[i].BigInt(0)
		if !ok {
			t.logger.Warn().Err(results[i].Err).Str("vault", vault.Hex()).Msg("share balance unreadable")
			continue
		}
		if shares.Sign() <= 0 {
			continue
		}

		nav := views[vault].NAVPerShare
		human := valuation.ToUnits(shares, t.shareDecimals)
		out = append(out, Position{
			Vault:       vault,
			Shares:      shares,
			SharesHuman: human,
			NAVPerShare: nav,
			ValueUSD:    human.Mul(nav),
		})
	}
	return out
}

// Total sums the USD value of positions.
func Total(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.ValueUSD)
	}
	return total
}
