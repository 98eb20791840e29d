package chaintest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VaultState is the full read surface of a scripted vault.
type VaultState struct {
	Tokens        []common.Address
	Allocations   []*big.Int
	BaseBalance   *big.Int
	TokenBalances []*big.Int
	Rebalancers   []common.Address
	TotalAssets   *big.Int
	TotalSupply   *big.Int
	Shares        map[common.Address]*big.Int
}

// ScriptVault installs handlers for every vault view function.
func (b *Backend) ScriptVault(addr common.Address, s VaultState) {
	b.Return(addr, "getTokens", orEmptyAddrs(s.Tokens))
	b.Return(addr, "getAllocations", orEmptyBigs(s.Allocations))
	b.Return(addr, "holdings", orZero(s.BaseBalance), orEmptyBigs(s.TokenBalances))
	b.Return(addr, "totalAssets", orZero(s.TotalAssets))
	b.Return(addr, "totalSupply", orZero(s.TotalSupply))
	b.On(addr, "isRebalancer", func(args []any) ([]any, error) {
		who := args[0].(common.Address)
		for _, r := range s.Rebalancers {
			if r == who {
				return []any{true}, nil
			}
		}
		return []any{false}, nil
	})
	b.On(addr, "balanceOf", func(args []any) ([]any, error) {
		who := args[0].(common.Address)
		if v, ok := s.Shares[who]; ok {
			return []any{v}, nil
		}
		return []any{new(big.Int)}, nil
	})
}

// ScriptToken installs symbol() and decimals().
func (b *Backend) ScriptToken(addr common.Address, symbol string, decimals uint8) {
	b.Return(addr, "symbol", symbol)
	b.Return(addr, "decimals", decimals)
}

// ScriptFeed installs latestRoundData() with the given answer and update time.
func (b *Backend) ScriptFeed(addr common.Address, answer *big.Int, updatedAt int64) {
	b.Return(addr, "latestRoundData",
		big.NewInt(1),
		answer,
		big.NewInt(updatedAt),
		big.NewInt(updatedAt),
		big.NewInt(1),
	)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func orEmptyBigs(v []*big.Int) []*big.Int {
	if v == nil {
		return []*big.Int{}
	}
	return v
}

func orEmptyAddrs(v []common.Address) []common.Address {
	if v == nil {
		return []common.Address{}
	}
	return v
}

// ScriptFactory stores the vault count in slot 0 and answers vaults(i).
func (b *Backend) ScriptFactory(addr common.Address, vaults ...common.Address) {
	b.SetStorage(addr, 0, big.NewInt(int64(len(vaults))))
	b.On(addr, "vaults", func(args []any) ([]any, error) {
		idx := args[0].(*big.Int)
		if !idx.IsInt64() || idx.Int64() >= int64(len(vaults)) {
			return nil, ErrReverted
		}
		return []any{vaults[idx.Int64()]}, nil
	})
}
