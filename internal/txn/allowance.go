package txn

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"

	"etf-vault/internal/chain"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// AllowanceCache is a read-through cache of the base asset's allowance()
// per (owner, spender). It is cleared on every refresh.
type AllowanceCache struct {
	reader  *chain.Reader
	token   common.Address
	entries *xsync.Map[allowanceKey, *big.Int]
}

// NewAllowanceCache caches allowances of token.
func NewAllowanceCache(reader *chain.Reader, token common.Address) *AllowanceCache {
	return &AllowanceCache{
		reader:  reader,
		token:   token,
		entries: xsync.NewMap[allowanceKey, *big.Int](),
	}
}

// Get returns the cached allowance, reading it from the latest block on a miss.
func (c *AllowanceCache) Get(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	key := allowanceKey{owner, spender}
	if v, ok := c.entries.Load(key); ok {
		return new(big.Int).Set(v), nil
	}

	res := c.reader.BatchCall(ctx, []chain.Call{{
		Target: c.token,
		ABI:    &chain.ERC20ABI,
		Method: "allowance",
		Args:   []any{owner, spender},
	}}, nil)
	v, ok := res[0].BigInt(0)
	if !ok {
		if res[0].Err != nil {
			return nil, res[0].Err
		}
		return nil, fmt.Errorf("allowance of %s: unexpected result", c.token.Hex())
	}
	c.entries.Store(key, v)
	return new(big.Int).Set(v), nil
}

// Set records a known allowance, e.g. after a confirmed approval.
func (c *AllowanceCache) Set(owner, spender common.Address, amount *big.Int) {
	c.entries.Store(allowanceKey{owner, spender}, new(big.Int).Set(amount))
}

// Invalidate drops every cached entry.
func (c *AllowanceCache) Invalidate() {
	c.entries.Clear()
}
