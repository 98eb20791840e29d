package tokens

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"etf-vault/internal/chain"
)

const (
	// UnknownSymbol is used when neither the chain nor the static table knows a token.
	UnknownSymbol = "Unknown"
	// DefaultDecimals is the placeholder precision for unknown tokens.
	DefaultDecimals uint8 = 18
)

// Source tells where a metadata entry came from.
type Source string

const (
	SourceChain       Source = "chain"
	SourceStatic      Source = "static"
	SourcePlaceholder Source = "placeholder"
)

// Metadata describes an ERC-20 token.
type Metadata struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Source   Source `json:"source"`
}

// Placeholder is the synthetic entry for unresolvable tokens.
func Placeholder() Metadata {
	return Metadata{Symbol: UnknownSymbol, Decimals: DefaultDecimals, Source: SourcePlaceholder}
}

// Cache resolves token metadata once per address for the process lifetime.
type Cache struct {
	reader  *chain.Reader
	entries *xsync.Map[common.Address, Metadata]
	static  map[common.Address]Metadata
	logger  zerolog.Logger
}

// NewCache builds a cache with the static fallback table.
func NewCache(reader *chain.Reader, static map[common.Address]Metadata, logger zerolog.Logger) *Cache {
	table := make(map[common.Address]Metadata, len(static))
	for addr, meta := range static {
		meta.Source = SourceStatic
		table[addr] = meta
	}
	return &Cache{
		reader:  reader,
		entries: xsync.NewMap[common.Address, Metadata](),
		static:  table,
		logger:  logger.With().Str("component", "token_cache").Logger(),
	}
}

// Resolve returns metadata for every address. It never fails: unknown tokens
// get the static entry, then a placeholder.
func (c *Cache) Resolve(ctx context.Context, addrs []common.Address, block *big.Int) map[common.Address]Metadata {
	out := make(map[common.Address]Metadata, len(addrs))
	missing := make([]common.Address, 0)
	seen := make(map[common.Address]struct{}, len(addrs))

	for _, addr := range addrs {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		if addr == (common.Address{}) {
			out[addr] = Placeholder()
			continue
		}
		if meta, ok := c.entries.Load(addr); ok {
			out[addr] = meta
			continue
		}
		missing = append(missing, addr)
	}

	if len(missing) == 0 {
		return out
	}

	calls := make([]chain.Call, 0, len(missing)*2)
	for _, addr := range missing {
		calls = append(calls,
			chain.Call{Target: addr, ABI: &chain.ERC20ABI, Method: "symbol"},
			chain.Call{Target: addr, ABI: &chain.ERC20ABI, Method: "decimals"},
		)
	}
	results := c.reader.BatchCall(ctx, calls, block)

	for i, addr := range missing {
		symbol, symOK := results[i*2].Text(0)
		decimals, decOK := results[i*2+1].Uint8(0)
		if symOK && decOK {
			meta := Metadata{Symbol: symbol, Decimals: decimals, Source: SourceChain}
			c.entries.Store(addr, meta)
			out[addr] = meta
			continue
		}

		if meta, ok := c.static[addr]; ok {
			c.entries.Store(addr, meta)
			out[addr] = meta
			continue
		}

		// placeholders are not cached so the next refresh retries the chain
		meta := Placeholder()
		if symOK && symbol != "" {
			meta.Symbol = symbol
		}
		if decOK {
			meta.Decimals = decimals
		}
		c.logger.Warn().Str("token", addr.Hex()).Str("symbol", meta.Symbol).Uint8("decimals", meta.Decimals).Msg("token metadata unresolved, using placeholder")
		out[addr] = meta
	}

	return out
}
