package portfolio

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etf-vault/internal/chain"
	"etf-vault/internal/chain/chaintest"
	"etf-vault/internal/directory"
	"etf-vault/internal/position"
	"etf-vault/internal/pricefeed"
	"etf-vault/internal/snapshot"
	"etf-vault/internal/tokens"
	"etf-vault/internal/valuation"
)

var (
	factory = chaintest.Addr(0xFAC)
	usdc    = chaintest.Addr(0x1)
	weth    = chaintest.Addr(0x2)
	ethFeed = chaintest.Addr(0xE0)
	vaultA  = chaintest.Addr(0xA)
	vaultB  = chaintest.Addr(0xB)
	alice   = chaintest.Addr(0xA11CE)
)

func scriptChain(backend *chaintest.Backend) {
	backend.ScriptFactory(factory, vaultA, vaultB)
	backend.ScriptToken(usdc, "USDC", 6)
	backend.ScriptToken(weth, "WETH", 18)
	backend.ScriptFeed(ethFeed, big.NewInt(300000000000), 0)
	backend.ScriptVault(vaultA, chaintest.VaultState{
		Tokens:        []common.Address{weth},
		Allocations:   []*big.Int{big.NewInt(100)},
		BaseBalance:   big.NewInt(100_000000),
		TokenBalances: []*big.Int{chaintest.Big("2000000000000000000")},
		TotalAssets:   big.NewInt(6100_000000),
		TotalSupply:   chaintest.Big("6100000000000000000000"),
		Rebalancers:   []common.Address{alice},
		Shares:        map[common.Address]*big.Int{alice: chaintest.Big("10000000000000000000")},
	})
	backend.ScriptVault(vaultB, chaintest.VaultState{
		BaseBalance: big.NewInt(50_000000),
		TotalAssets: big.NewInt(50_000000),
		TotalSupply: chaintest.Big("25000000000000000000"),
	})
}

func newPipeline(t *testing.T, backend *chaintest.Backend, factoryAddr common.Address) *Pipeline {
	t.Helper()
	reader := chain.NewReader(backend, chain.ReaderOptions{}, zerolog.Nop())
	t.Cleanup(reader.Close)

	log := zerolog.Nop()
	return NewPipeline(Components{
		Reader:     reader,
		Directory:  directory.New(reader, directory.Options{Factory: factoryAddr}, log),
		Aggregator: snapshot.New(reader, snapshot.Options{TokensLengthSlot: -1}, log),
		Tokens:     tokens.NewCache(reader, nil, log),
		Prices:     pricefeed.New(reader, []pricefeed.Feed{{Token: weth, Address: ethFeed}}, log),
		Positions:  position.New(reader, 18, log),
	}, Options{
		Factory: factoryAddr,
		Valuation: valuation.Params{
			Base:          valuation.Base{Address: usdc, Symbol: "USDC", Decimals: 6},
			ShareDecimals: 18,
		},
	}, nil, log)
}

func TestRefreshPublishesFullView(t *testing.T) {
	backend := chaintest.New()
	scriptChain(backend)
	backend.SetHead(1234)
	p := newPipeline(t, backend, factory)

	view, err := p.Refresh(context.Background(), &alice, nil)
	require.NoError(t, err)

	assert.Same(t, view, p.Current())
	assert.Equal(t, uint64(1), view.Version)
	assert.Equal(t, uint64(1234), view.Block)
	assert.Equal(t, []common.Address{vaultA, vaultB}, view.Addresses())
	assert.Equal(t, "6150", view.TVL.String())
	assert.Equal(t, "10", view.PortfolioValue.String())

	a, ok := view.Vault(vaultA)
	require.True(t, ok)
	assert.True(t, a.Snapshot.IsRebalancer)
	assert.Equal(t, "6000", a.Derived.Assets[1].ValueUSD.String())
	assert.Equal(t, "WETH", a.Derived.Assets[1].Symbol)

	b, _ := view.Vault(vaultB)
	assert.Equal(t, "2", b.Derived.NAVPerShare.String())

	for _, blk := range backend.Blocks() {
		assert.Equal(t, int64(1234), blk.Int64(), "every read pinned to one block")
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	backend := chaintest.New()
	scriptChain(backend)
	p := newPipeline(t, backend, factory)

	first, err := p.Refresh(context.Background(), &alice, nil)
	require.NoError(t, err)
	second, err := p.Refresh(context.Background(), &alice, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Version)
	require.Len(t, second.Vaults, len(first.Vaults))
	for i := range first.Vaults {
		assert.Equal(t, first.Vaults[i].Derived, second.Vaults[i].Derived)
	}
}

func TestRefreshMissingFactory(t *testing.T) {
	backend := chaintest.New()
	p := newPipeline(t, backend, common.Address{})

	_, err := p.Refresh(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Nil(t, p.Current())
	assert.Zero(t, backend.Batches())

	_, err = p.Refresh(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRefreshWithoutEndpointIsConfigurationError(t *testing.T) {
	backend := chaintest.New()
	backend.HeadErr = chain.ErrNoEndpoint
	p := newPipeline(t, backend, factory)
	var logs bytes.Buffer
	p.logger = zerolog.New(&logs)

	for i := 0; i < 3; i++ {
		_, err := p.Refresh(context.Background(), nil, nil)
		require.ErrorIs(t, err, ErrConfiguration)
		assert.Contains(t, err.Error(), "rpc endpoint")
	}
	assert.Nil(t, p.Current())
	assert.Zero(t, backend.Batches())
	assert.Equal(t, 1, strings.Count(logs.String(), "aggregation halted"))
}

func TestOlderVersionNeverReplacesNewer(t *testing.T) {
	p := &Pipeline{}
	newer := &View{Version: 5}
	older := &View{Version: 4}

	require.True(t, p.publish(newer))
	assert.False(t, p.publish(older))
	assert.Same(t, newer, p.Current())
}

func TestAtDoesNotPublish(t *testing.T) {
	backend := chaintest.New()
	scriptChain(backend)
	p := newPipeline(t, backend, factory)

	view, err := p.At(context.Background(), nil, big.NewInt(50))
	require.NoError(t, err)

	assert.Equal(t, uint64(50), view.Block)
	assert.Empty(t, view.Positions)
	assert.Nil(t, p.Current())
}

func TestTriggerCoalesces(t *testing.T) {
	tr := NewTrigger()
	tr.Request()
	tr.Request()
	assert.Equal(t, uint64(2), tr.Count())

	<-tr.C()
	select {
	case <-tr.C():
		t.Fatal("requests should coalesce into one wake-up")
	default:
	}
}
