package tokens

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etf-vault/internal/chain"
	"etf-vault/internal/chain/chaintest"
)

var (
	usdc    = chaintest.Addr(0x1)
	weth    = chaintest.Addr(0x2)
	mystery = chaintest.Addr(0x3)
)

func newCache(t *testing.T, backend *chaintest.Backend, static map[common.Address]Metadata) *Cache {
	t.Helper()
	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	t.Cleanup(reader.Close)
	return NewCache(reader, static, zerolog.Nop())
}

func TestResolveFromChainIsCached(t *testing.T) {
	backend := chaintest.New()
	backend.ScriptToken(weth, "WETH", 18)
	cache := newCache(t, backend, nil)

	first := cache.Resolve(context.Background(), []common.Address{weth, weth}, nil)
	second := cache.Resolve(context.Background(), []common.Address{weth}, nil)

	assert.Equal(t, Metadata{Symbol: "WETH", Decimals: 18, Source: SourceChain}, first[weth])
	assert.Equal(t, first[weth], second[weth])
	assert.Equal(t, 1, backend.Calls("symbol"), "deduplicated and cached")
}

func TestResolveFallsBackToStaticTable(t *testing.T) {
	backend := chaintest.New()
	backend.Fail(usdc, "symbol")
	cache := newCache(t, backend, map[common.Address]Metadata{
		usdc: {Symbol: "USDC", Decimals: 6},
	})

	got := cache.Resolve(context.Background(), []common.Address{usdc}, nil)
	assert.Equal(t, Metadata{Symbol: "USDC", Decimals: 6, Source: SourceStatic}, got[usdc])
}

func TestResolvePlaceholderIsRetried(t *testing.T) {
	backend := chaintest.New()
	cache := newCache(t, backend, nil)

	got := cache.Resolve(context.Background(), []common.Address{mystery}, nil)
	assert.Equal(t, Placeholder(), got[mystery])

	backend.ScriptToken(mystery, "MYST", 8)
	got = cache.Resolve(context.Background(), []common.Address{mystery}, nil)
	assert.Equal(t, "MYST", got[mystery].Symbol)
	assert.Equal(t, uint8(8), got[mystery].Decimals)
}

func TestResolveNeverFailsOnBadToken(t *testing.T) {
	backend := chaintest.New()
	backend.ScriptToken(weth, "WETH", 18)
	backend.Return(mystery, "symbol", "ODD")
	cache := newCache(t, backend, nil)

	got := cache.Resolve(context.Background(), []common.Address{weth, mystery, {}}, nil)

	require.Len(t, got, 3)
	assert.Equal(t, "WETH", got[weth].Symbol)
	assert.Equal(t, "ODD", got[mystery].Symbol)
	assert.Equal(t, DefaultDecimals, got[mystery].Decimals)
	assert.Equal(t, UnknownSymbol, got[common.Address{}].Symbol)
}
