// Package valuation derives NAV, USD values and allocation percentages from a
// vault snapshot. Everything here is pure: same inputs, same output.
package valuation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"etf-vault/internal/snapshot"
	"etf-vault/internal/tokens"
)

// DefaultShareDecimals is the precision of vault share tokens.
const DefaultShareDecimals uint8 = 18

var hundred = decimal.NewFromInt(100)

// Prices maps a token to its USD price per whole unit.
type Prices map[common.Address]decimal.Decimal

// Base describes the USD-pegged settlement asset.
type Base struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Params are the fixed inputs of every derivation.
type Params struct {
	Base          Base
	ShareDecimals uint8
}

// Asset is one line of a vault's holdings.
type Asset struct {
	Token             common.Address  `json:"token"`
	Symbol            string          `json:"symbol"`
	Decimals          uint8           `json:"decimals"`
	Balance           *big.Int        `json:"balance"`
	Amount            decimal.Decimal `json:"amount"`
	PriceUSD          decimal.Decimal `json:"price_usd"`
	ValueUSD          decimal.Decimal `json:"value_usd"`
	AllocationPercent decimal.Decimal `json:"allocation_percent"`
}

// View is the derived valuation of one vault. Assets are the base asset
// followed by the basket tokens in snapshot order.
type View struct {
	Vault         common.Address  `json:"vault"`
	NAVPerShare   decimal.Decimal `json:"nav_per_share"`
	Assets        []Asset         `json:"assets"`
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
}

// PerAssetUSD returns the USD value of each asset in order.
func (v View) PerAssetUSD() []decimal.Decimal {
	out := make([]decimal.Decimal, len(v.Assets))
	for i, a := range v.Assets {
		out[i] = a.ValueUSD
	}
	return out
}

// AllocationPercent returns each asset's share of the vault value in order.
func (v View) AllocationPercent() []decimal.Decimal {
	out := make([]decimal.Decimal, len(v.Assets))
	for i, a := range v.Assets {
		out[i] = a.AllocationPercent
	}
	return out
}

// DeriveView values snap with the given metadata and prices. Missing metadata
// falls back to the placeholder; missing prices value the asset at zero.
func DeriveView(snap snapshot.Vault, meta map[common.Address]tokens.Metadata, prices Prices, p Params) View {
	shareDecimals := p.ShareDecimals
	if shareDecimals == 0 {
		shareDecimals = DefaultShareDecimals
	}

	view := View{
		Vault:       snap.Address,
		NAVPerShare: NAVPerShare(snap.TotalAssets, snap.TotalSupply, shareDecimals, p.Base.Decimals),
		Assets:      make([]Asset, 0, len(snap.Tokens)+1),
	}

	baseSymbol := p.Base.Symbol
	if m, ok := meta[p.Base.Address]; ok && m.Source != tokens.SourcePlaceholder {
		baseSymbol = m.Symbol
	}
	view.Assets = append(view.Assets, asset(p.Base.Address, baseSymbol, p.Base.Decimals, snap.BaseBalance, decimal.NewFromInt(1)))

	for i, token := range snap.Tokens {
		var balance *big.Int
		if i < len(snap.TokenBalances) {
			balance = snap.TokenBalances[i]
		}

		m, ok := meta[token]
		if !ok {
			m = tokens.Placeholder()
		}

		price := prices[token]
		if token == p.Base.Address {
			price = decimal.NewFromInt(1)
			m.Decimals = p.Base.Decimals
		}
		view.Assets = append(view.Assets, asset(token, m.Symbol, m.Decimals, balance, price))
	}

	total := decimal.Zero
	for _, a := range view.Assets {
		total = total.Add(a.ValueUSD)
	}
	view.TotalValueUSD = total

	if total.IsPositive() {
		for i := range view.Assets {
			view.Assets[i].AllocationPercent = view.Assets[i].ValueUSD.Div(total).Mul(hundred)
		}
	}
	return view
}

// NAVPerShare is totalAssets scaled by the share precision and divided by
// totalSupply, rendered at base-asset precision. Zero when supply is zero.
func NAVPerShare(totalAssets, totalSupply *big.Int, shareDecimals, baseDecimals uint8) decimal.Decimal {
	if totalAssets == nil || totalSupply == nil || totalSupply.Sign() <= 0 {
		return decimal.Zero
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(shareDecimals)), nil)
	nav := new(big.Int).Mul(totalAssets, scale)
	nav.Quo(nav, totalSupply)
	return decimal.NewFromBigInt(nav, -int32(baseDecimals))
}

// ToUnits renders a raw integer amount at the given precision.
func ToUnits(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FromUnits converts a human amount into the raw integer amount, truncating
// anything beyond the token precision.
func FromUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

func asset(token common.Address, symbol string, decimals uint8, balance *big.Int, price decimal.Decimal) Asset {
	if balance == nil {
		balance = new(big.Int)
	}
	amount := ToUnits(balance, decimals)
	return Asset{
		Token:             token,
		Symbol:            symbol,
		Decimals:          decimals,
		Balance:           balance,
		Amount:            amount,
		PriceUSD:          price,
		ValueUSD:          amount.Mul(price),
		AllocationPercent: decimal.Zero,
	}
}

// Drift compares a basket token's actual weight with its target.
type Drift struct {
	Token         common.Address  `json:"token"`
	Symbol        string          `json:"symbol"`
	TargetPercent decimal.Decimal `json:"target_percent"`
	ActualPercent decimal.Decimal `json:"actual_percent"`
	Drift         decimal.Decimal `json:"drift"`
}

// AllocationDrift returns actual minus target percent for every basket token.
// Targets are allocations expressed against allocationTotal (100 when unset).
func AllocationDrift(view View, snap snapshot.Vault, allocationTotal int64) []Drift {
	if allocationTotal <= 0 {
		allocationTotal = 100
	}
	denom := decimal.NewFromInt(allocationTotal)

	out := make([]Drift, 0, len(snap.Tokens))
	for i, token := range snap.Tokens {
		target := decimal.Zero
		if i < len(snap.Allocations) && snap.Allocations[i] != nil {
			target = decimal.NewFromBigInt(snap.Allocations[i], 0).Div(denom).Mul(hundred)
		}
		actual := decimal.Zero
		symbol := ""
		if i+1 < len(view.Assets) {
			actual = view.Assets[i+1].AllocationPercent
			symbol = view.Assets[i+1].Symbol
		}
		out = append(out, Drift{
			Token:         token,
			Symbol:        symbol,
			TargetPercent: target,
			ActualPercent: actual,
			Drift:         actual.Sub(target),
		})
	}
	return out
}

// TVL sums the USD value of every vault.
func TVL(views []View) decimal.Decimal {
	total := decimal.Zero
	for _, v := range views {
		total = total.Add(v.TotalValueUSD)
	}
	return total
}
